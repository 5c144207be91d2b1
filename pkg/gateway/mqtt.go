package gateway

import (
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/paulo-coelho/iot-sim/pkg/monitoring"
)

// Publisher is the single MQTT session shared by all polling tasks.
// Publishes are fire-and-forget: a failed publish is logged and dropped, it
// never back-pressures a poller.
type Publisher struct {
	client  mqtt.Client
	logger  *logrus.Entry
	metrics *monitoring.Metrics
}

// NewPublisher builds a client for a host:port broker address.
func NewPublisher(broker string, metrics *monitoring.Metrics) *Publisher {
	logger := logrus.WithFields(logrus.Fields{
		"component": "mqtt",
		"broker":    broker,
	})

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", broker))
	opts.SetClientID(fmt.Sprintf("iot_gw_%s", uuid.New().String()[:8]))
	opts.SetAutoReconnect(true)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info("MQTT connected")
	})

	return &Publisher{
		client:  mqtt.NewClient(opts),
		logger:  logger,
		metrics: metrics,
	}
}

// Connect blocks until the broker accepts the session. A refused broker is
// fatal to gateway startup.
func (p *Publisher) Connect() error {
	p.logger.Info("Connecting to MQTT broker")
	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

// PublishAsync hands the payload to the broker without blocking the caller.
func (p *Publisher) PublishAsync(topic string, payload []byte) {
	token := p.client.Publish(topic, 0, false, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			p.logger.WithError(token.Error()).WithField("topic", topic).Warn("Failed to publish reading")
			p.metrics.IncPublish(monitoring.ResultError)
			return
		}
		p.metrics.IncPublish(monitoring.ResultOK)
	}()
}

// Disconnect flushes and closes the session.
func (p *Publisher) Disconnect() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
