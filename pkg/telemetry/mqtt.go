package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	irlog "klipper-irtemp/pkg/log"
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// MQTTSink publishes each reading as JSON on <prefix>/<sensor>/temperature.
type MQTTSink struct {
	client mqtt.Client
	cfg    MQTTConfig
	logger *slog.Logger
}

// NewMQTTSink creates the client and starts connecting. Paho keeps retrying
// in the background, so an unreachable broker is not fatal here.
func NewMQTTSink(cfg MQTTConfig, logger *slog.Logger) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker must not be empty")
	}
	if logger == nil {
		logger = irlog.Discard()
	}
	logger = logger.With("sink", "mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	client.Connect()
	return newMQTTSinkWithClient(cfg, client, logger), nil
}

func newMQTTSinkWithClient(cfg MQTTConfig, client mqtt.Client, logger *slog.Logger) *MQTTSink {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "irtemp"
	}
	return &MQTTSink{client: client, cfg: cfg, logger: logger}
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Topic returns the topic readings for sensor are published on.
func (s *MQTTSink) Topic(sensor string) string {
	return strings.TrimSuffix(s.cfg.TopicPrefix, "/") + "/" + sensor + "/temperature"
}

// Publish implements Sink.
func (s *MQTTSink) Publish(ctx context.Context, r Reading) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}

	topic := s.Topic(r.Sensor)
	token := s.client.Publish(topic, s.cfg.QoS, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects, giving in-flight messages 250ms.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
