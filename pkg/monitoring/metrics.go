// Package monitoring exposes the gateway's operational counters on a
// Prometheus endpoint.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Poll and publish outcomes used as the "result" label.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics is the gateway's metric set. A nil *Metrics is valid and records
// nothing, so the gateway runs unchanged with monitoring disabled.
type Metrics struct {
	registry *prometheus.Registry

	polls      *prometheus.CounterVec
	publishes  *prometheus.CounterVec
	csvRows    prometheus.Counter
	queueDepth prometheus.Gauge

	logger *logrus.Entry
}

// New builds a registry with the gateway metric set registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotsim_gateway_polls_total",
			Help: "Device polls by URI and result.",
		}, []string{"uri", "result"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotsim_gateway_publishes_total",
			Help: "MQTT publishes by result.",
		}, []string{"result"}),
		csvRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iotsim_gateway_csv_rows_total",
			Help: "Rows handed to the CSV sink.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iotsim_gateway_queue_depth",
			Help: "Rows waiting in the CSV sink queue.",
		}),
		logger: logrus.WithField("component", "metrics"),
	}

	reg.MustRegister(m.polls, m.publishes, m.csvRows, m.queueDepth)
	return m
}

// IncPoll records one poll outcome.
func (m *Metrics) IncPoll(uri, result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(uri, result).Inc()
}

// IncPublish records one publish outcome.
func (m *Metrics) IncPublish(result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result).Inc()
}

// IncCSVRow records one row enqueued to the sink.
func (m *Metrics) IncCSVRow() {
	if m == nil {
		return
	}
	m.csvRows.Inc()
}

// SetQueueDepth records the sink queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on the given port until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	m.logger.WithField("port", port).Info("Metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
