package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/sirupsen/logrus"

	"github.com/paulo-coelho/iot-sim/pkg/config"
)

const dischargedMessage = "Battery discharged. Device cannot process requests."

// eventTriggeredReply is the POST response body.
type eventTriggeredReply struct {
	Status     string `json:"status"`
	Event      string `json:"event"`
	Transition string `json:"transition"`
	EventType  string `json:"event_type"`
}

// Server exposes a device as a single CoAP resource over UDP.
type Server struct {
	device *Device
	logger *logrus.Entry
}

// NewServer wraps a device for serving.
func NewServer(d *Device) *Server {
	return &Server{
		device: d,
		logger: d.logger.WithField("component", "coap_server"),
	}
}

// Router returns the mux with the device's resource registered at its
// configured path.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	path := "/" + strings.Join(s.device.cfg.ResourcePath, "/")
	if err := r.Handle(path, mux.HandlerFunc(s.handleRequest)); err != nil {
		// Handle only fails on a duplicate or empty pattern; this is the
		// router's only route and the path always starts with "/".
		s.logger.WithError(err).Error("Failed to register resource")
	}
	return r
}

// ListenAndServe binds the configured host/port and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.device.cfg.ServerHost, s.device.cfg.ServerPort)
	l, err := coapnet.NewListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	defer l.Close()

	srv := udp.NewServer(options.WithMux(s.Router()), options.WithContext(ctx))

	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	s.logger.WithFields(logrus.Fields{
		"bind":     addr,
		"resource": "/" + strings.Join(s.device.cfg.ResourcePath, "/"),
	}).Info("CoAP simulator running")

	if err := srv.Serve(l); err != nil && ctx.Err() == nil {
		return fmt.Errorf("coap server: %w", err)
	}
	return nil
}

func (s *Server) handleRequest(w mux.ResponseWriter, r *mux.Message) {
	switch r.Code() {
	case codes.GET:
		s.handleGet(w, r)
	case codes.POST:
		s.handlePost(w, r)
	default:
		s.setResponse(w, codes.MethodNotAllowed, message.TextPlain, nil)
	}
}

// handleGet serves one telemetry reading, after the drop gate and the
// profile-driven delay.
func (s *Server) handleGet(w mux.ResponseWriter, r *mux.Message) {
	d := s.device

	if d.IsDischarged() {
		s.setResponse(w, codes.NotFound, message.TextPlain, []byte(dischargedMessage))
		return
	}

	// Drop simulation: hold the request long enough that the client gives
	// up, then fail. The battery pays nothing on this path.
	if d.rollDrop() {
		s.logger.Debug("Dropping packet")
		select {
		case <-time.After(d.dropSleep):
		case <-r.Context().Done():
			return
		}
		s.setResponse(w, codes.NotFound, message.TextPlain, []byte("Simulated drop leads to client timeout/failure."))
		return
	}

	d.dischargeBattery(d.transmitCost())

	if delay := d.sampleDelay(); delay > 0 {
		s.logger.WithField("delay", delay).Debug("Injecting response delay")
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	// Values are sampled after the delay so a transition that advanced
	// meanwhile is visible in this reply.
	reply := d.buildReply()
	payload, err := json.Marshal(reply)
	if err != nil {
		s.setResponse(w, codes.InternalServerError, message.TextPlain, []byte(err.Error()))
		return
	}

	s.setResponse(w, codes.Content, message.AppJSON, payload)
}

// handlePost triggers an event. The POST itself costs a transmit discharge
// regardless of outcome.
func (s *Server) handlePost(w mux.ResponseWriter, r *mux.Message) {
	d := s.device

	if d.IsDischarged() {
		s.setResponse(w, codes.NotFound, message.TextPlain, []byte(dischargedMessage))
		return
	}

	d.dischargeBattery(d.transmitCost())

	body, err := r.ReadBody()
	if err != nil {
		s.setResponse(w, codes.BadRequest, message.TextPlain, []byte("Invalid payload."))
		return
	}

	var patch config.EventPatch
	if err := json.Unmarshal(body, &patch); err != nil {
		s.setResponse(w, codes.BadRequest, message.TextPlain, []byte("Invalid JSON payload."))
		return
	}

	target, err := d.TriggerEvent(patch)
	if err != nil {
		s.setResponse(w, codes.BadRequest, message.TextPlain, []byte(err.Error()))
		return
	}

	reply := eventTriggeredReply{
		Status:     "Event triggered",
		Event:      target.EventName,
		Transition: fmt.Sprintf("%v seconds", target.TransitionDurationS),
		EventType:  target.EventType,
	}
	payload, _ := json.Marshal(reply)
	s.setResponse(w, codes.Created, message.AppJSON, payload)
}

func (s *Server) setResponse(w mux.ResponseWriter, code codes.Code, mt message.MediaType, body []byte) {
	var rd *bytes.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	var err error
	if rd != nil {
		err = w.SetResponse(code, mt, rd)
	} else {
		err = w.SetResponse(code, mt, nil)
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to set CoAP response")
	}
}
