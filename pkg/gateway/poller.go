package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/paulo-coelho/iot-sim/pkg/device"
	"github.com/paulo-coelho/iot-sim/pkg/monitoring"
	"github.com/paulo-coelho/iot-sim/pkg/transport"
)

// errorStatus is the status written on rows synthesized from a stale reply.
const errorStatus = "ERROR: timeout or empty payload. Battery and temperature set to 0"

// poller owns one device URI: a fixed-cadence GET loop feeding the CSV sink
// and the MQTT topic.
type poller struct {
	uri     string
	client  *transport.Client
	topic   string
	sink    *CSVSink
	pub     *Publisher
	metrics *monitoring.Metrics
	logger  *logrus.Entry

	interval time.Duration
	timeout  time.Duration

	messageID uint64
	lastReply *device.Reply
}

func newPoller(uri, topic string, interval time.Duration, sink *CSVSink, pub *Publisher, metrics *monitoring.Metrics) (*poller, error) {
	client, err := transport.NewClient(uri)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(float64(interval) * 0.9)
	if timeout < 500*time.Millisecond {
		timeout = 500 * time.Millisecond
	}

	return &poller{
		uri:      uri,
		client:   client,
		topic:    topic,
		sink:     sink,
		pub:      pub,
		metrics:  metrics,
		logger:   logrus.WithFields(logrus.Fields{"component": "poller", "uri": uri}),
		interval: interval,
		timeout:  timeout,
	}, nil
}

// run polls until ctx is cancelled. A random initial jitter desynchronizes
// the fleet's request bursts.
func (p *poller) run(ctx context.Context) {
	defer p.client.Close()

	jitter := time.Duration(rand.Float64() * float64(p.interval))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	for {
		start := time.Now()
		p.pollOnce(ctx, start)

		// The loop never catches up on missed intervals: a slow cycle
		// just starts the next one immediately.
		sleep := p.interval - time.Since(start)
		if sleep > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *poller) pollOnce(ctx context.Context, start time.Time) {
	sentTime := start.UnixNano()

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	payload, err := p.client.Get(reqCtx)
	cancel()

	receiptTime := time.Now().UnixNano()

	if err == nil {
		var reply device.Reply
		if jsonErr := json.Unmarshal(payload, &reply); jsonErr != nil {
			err = jsonErr
		} else {
			p.handleSuccess(reply, payload, sentTime, receiptTime)
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	p.handleFailure(err, sentTime, receiptTime)
}

func (p *poller) handleSuccess(reply device.Reply, raw []byte, sentTime, receiptTime int64) {
	p.metrics.IncPoll(p.uri, monitoring.ResultOK)
	p.lastReply = &reply

	p.messageID++
	p.sink.Enqueue(Row{
		UUID:        reply.UUID,
		MessageID:   p.messageID,
		SentTime:    sentTime,
		ReceiptTime: receiptTime,
		Timestamp:   reply.Timestamp,
		URI:         p.uri,
		Longitude:   reply.Coordinate.Longitude,
		Latitude:    reply.Coordinate.Latitude,
		Temperature: reply.Temperature,
		Battery:     reply.Battery,
		Error:       0,
	})

	if p.pub != nil {
		p.pub.PublishAsync(p.topic, raw)
	}
}

// handleFailure synthesizes an error row from the last good reply. With no
// prior reply there is nothing to attribute the failure to, so the tick is
// skipped.
func (p *poller) handleFailure(err error, sentTime, receiptTime int64) {
	p.metrics.IncPoll(p.uri, monitoring.ResultError)

	if errors.Is(err, transport.ErrNotFound) {
		p.logger.Debug("Device reported no data")
	} else {
		p.logger.WithError(err).Warn("Poll failed")
	}

	if p.lastReply == nil {
		return
	}

	// Derive the row (and the published message) from the last good
	// reading, zeroing the live values.
	p.lastReply.Status = errorStatus
	p.lastReply.Timestamp = float64(receiptTime) / float64(time.Second)
	p.lastReply.Temperature = 0
	p.lastReply.Battery = 0

	p.messageID++
	p.sink.Enqueue(Row{
		UUID:        p.lastReply.UUID,
		MessageID:   p.messageID,
		SentTime:    sentTime,
		ReceiptTime: receiptTime,
		Timestamp:   p.lastReply.Timestamp,
		URI:         p.uri,
		Longitude:   p.lastReply.Coordinate.Longitude,
		Latitude:    p.lastReply.Coordinate.Latitude,
		Temperature: 0,
		Battery:     0,
		Error:       1,
	})

	if p.pub != nil {
		payload, err := json.Marshal(p.lastReply)
		if err != nil {
			p.logger.WithError(err).Error("Failed to serialize reply")
			return
		}
		p.pub.PublishAsync(p.topic, payload)
	}
}
