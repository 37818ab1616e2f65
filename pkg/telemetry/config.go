package telemetry

import (
	"fmt"
	"log/slog"
	"os"

	"klipper-irtemp/pkg/config"
)

// SinksFromConfig builds a sink for each of the optional [mqtt] and [kafka]
// sections. A config with neither returns no sinks.
func SinksFromConfig(cfg *config.Config, logger *slog.Logger) ([]Sink, error) {
	var sinks []Sink

	if sec := cfg.GetSectionOptional("mqtt"); sec != nil {
		mc, err := mqttConfigFromSection(sec)
		if err != nil {
			return nil, err
		}
		sink, err := NewMQTTSink(mc, logger)
		if err != nil {
			return nil, config.WrapError(sec.GetName(), "broker", err)
		}
		sinks = append(sinks, sink)
	}

	if sec := cfg.GetSectionOptional("kafka"); sec != nil {
		kc, err := kafkaConfigFromSection(sec)
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		sink, err := NewKafkaSink(kc)
		if err != nil {
			closeSinks(sinks)
			return nil, config.WrapError(sec.GetName(), "", err)
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

func mqttConfigFromSection(sec *config.Section) (MQTTConfig, error) {
	var mc MQTTConfig
	var err error
	if mc.Broker, err = sec.Get("broker"); err != nil {
		return mc, err
	}
	if mc.TopicPrefix, err = sec.Get("topic_prefix", "irtemp"); err != nil {
		return mc, err
	}
	host, _ := os.Hostname()
	if mc.ClientID, err = sec.Get("client_id", fmt.Sprintf("irtemp-%s", host)); err != nil {
		return mc, err
	}
	zero, two := 0, 2
	qos, err := sec.GetIntWithBounds("qos", &zero, &two, 1)
	if err != nil {
		return mc, err
	}
	mc.QoS = byte(qos)
	return mc, nil
}

func kafkaConfigFromSection(sec *config.Section) (KafkaConfig, error) {
	var kc KafkaConfig
	var err error
	if kc.Brokers, err = sec.GetList("brokers", ","); err != nil {
		return kc, err
	}
	if len(kc.Brokers) == 0 {
		return kc, config.NewConfigError(sec.GetName(), "brokers", "at least one broker is required")
	}
	if kc.Topic, err = sec.Get("topic", "irtemp.readings"); err != nil {
		return kc, err
	}
	return kc, nil
}

func closeSinks(sinks []Sink) {
	for _, s := range sinks {
		s.Close()
	}
}
