// Package gateway polls a fleet of CoAP devices on a fixed interval,
// publishes each reading to an MQTT topic and appends every attempt to a
// durable CSV log.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/paulo-coelho/iot-sim/pkg/monitoring"
)

// Config is everything the gateway needs to run.
type Config struct {
	Interval time.Duration
	Devices  []string
	Topic    string
	LogDir   string
}

// Gateway owns one poller per device URI, the shared publisher and the CSV
// sink.
type Gateway struct {
	cfg     Config
	pub     *Publisher
	sink    *CSVSink
	metrics *monitoring.Metrics
	logger  *logrus.Entry
}

// New wires the gateway. pub may be nil (no publishing); metrics may be nil
// (no recording).
func New(cfg Config, pub *Publisher, metrics *monitoring.Metrics) (*Gateway, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("polling interval must be positive, got %v", cfg.Interval)
	}
	if len(cfg.Devices) == 0 {
		return nil, fmt.Errorf("device list is empty")
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}

	// Size the queue so a full flush window of rows from every device
	// fits without back-pressure.
	queueSize := len(cfg.Devices) * int(flushInterval/cfg.Interval+1)
	sink, err := NewCSVSink(cfg.LogDir, queueSize, metrics)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		cfg:     cfg,
		pub:     pub,
		sink:    sink,
		metrics: metrics,
		logger:  logrus.WithField("component", "gateway"),
	}, nil
}

// Run polls until ctx is cancelled, then drains the CSV queue before
// returning.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.WithFields(logrus.Fields{
		"devices":  len(g.cfg.Devices),
		"interval": g.cfg.Interval,
		"topic":    g.cfg.Topic,
	}).Info("Gateway starting")

	pollers := make([]*poller, 0, len(g.cfg.Devices))
	for _, uri := range g.cfg.Devices {
		p, err := newPoller(uri, g.cfg.Topic, g.cfg.Interval, g.sink, g.pub, g.metrics)
		if err != nil {
			g.sink.Close()
			return fmt.Errorf("failed to build poller for %s: %w", uri, err)
		}
		pollers = append(pollers, p)
	}

	var wg sync.WaitGroup
	for _, p := range pollers {
		wg.Add(1)
		go func(p *poller) {
			defer wg.Done()
			p.run(ctx)
		}(p)
	}

	wg.Wait()
	g.sink.Close()

	g.logger.Info("Gateway stopped")
	return nil
}
