package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"klipper-irtemp/pkg/config"
)

// recordingSink collects published readings. A non-nil gate blocks every
// Publish until it is closed.
type recordingSink struct {
	name string
	gate chan struct{}

	mu       sync.Mutex
	readings []Reading
	closed   bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(ctx context.Context, r Reading) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.readings = append(s.readings, r)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) snapshot() []Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Reading(nil), s.readings...)
}

type countingDrops struct {
	mu    sync.Mutex
	count map[string]int
}

func (d *countingDrops) RecordDropped(sink string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count == nil {
		d.count = make(map[string]int)
	}
	d.count[sink]++
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPublisherDeliversToEverySink(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	p := NewPublisher(Options{Now: func() time.Time { return fixedNow }}, a, b)

	if _, err := uuid.Parse(p.Session()); err != nil {
		t.Fatalf("session %q is not a uuid: %v", p.Session(), err)
	}

	cb := p.Callback("chamber")
	cb(1000.5, 25.3)
	cb(1001.5, 25.4)

	if err := p.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, sink := range []*recordingSink{a, b} {
		got := sink.snapshot()
		if len(got) != 2 {
			t.Fatalf("sink %s got %d readings", sink.name, len(got))
		}
		want := Reading{
			Session:     p.Session(),
			Sensor:      "chamber",
			PrintTime:   1000.5,
			Temperature: 25.3,
			Timestamp:   fixedNow,
		}
		if got[0] != want {
			t.Errorf("sink %s reading = %+v, want %+v", sink.name, got[0], want)
		}
		if !sink.closed {
			t.Errorf("sink %s not closed", sink.name)
		}
	}
}

func TestPublisherDropsWhenFull(t *testing.T) {
	slow := &recordingSink{name: "slow", gate: make(chan struct{})}
	drops := &countingDrops{}
	p := NewPublisher(Options{QueueSize: 2, Drops: drops}, slow)

	// One reading is taken by the worker and blocks on the gate, two fill
	// the queue, the rest are dropped.
	for i := 0; i < 10; i++ {
		p.Enqueue(Reading{Sensor: "chamber", Temperature: float64(i)})
		time.Sleep(time.Millisecond)
	}
	close(slow.gate)
	if err := p.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	delivered := len(slow.snapshot())
	dropped := drops.count["slow"]
	if delivered+dropped != 10 {
		t.Errorf("delivered %d + dropped %d != 10", delivered, dropped)
	}
	if dropped == 0 {
		t.Error("expected drops with a blocked sink")
	}
}

func TestPublisherClosedRejects(t *testing.T) {
	p := NewPublisher(Options{}, &recordingSink{name: "a"})
	p.Close(context.Background())

	if err := p.Enqueue(Reading{Sensor: "chamber"}); !errors.Is(err, errPublisherStopped) {
		t.Errorf("Enqueue after Close = %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestPublisherCloseTimeout(t *testing.T) {
	stuck := &recordingSink{name: "stuck", gate: make(chan struct{})}
	p := NewPublisher(Options{}, stuck)
	p.Enqueue(Reading{Sensor: "chamber"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close = %v, want deadline exceeded", err)
	}
}

// fakeWriter records kafka messages.
type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "irtemp.readings"}

	r := Reading{Session: "s", Sensor: "chamber", PrintTime: 5, Temperature: 30.25, Timestamp: fixedNow}
	if err := sink.Publish(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "chamber" {
		t.Errorf("key = %q", w.msgs[0].Key)
	}
	var decoded Reading
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded != r {
		t.Errorf("decoded = %+v", decoded)
	}

	w.err = errors.New("broker down")
	if err := sink.Publish(context.Background(), r); err == nil {
		t.Error("expected write error")
	}

	sink.Close()
	if !w.closed {
		t.Error("writer not closed")
	}
}

func TestNewKafkaSinkValidation(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("expected error for empty topic")
	}
	if _, err := NewKafkaSink(KafkaConfig{Topic: "t"}); err == nil {
		t.Error("expected error for no brokers")
	}
	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	if err != nil {
		t.Fatal(err)
	}
	sink.Close()
}

// fakeToken is an already-completed mqtt.Token.
type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

// fakeMQTT overrides the client methods the sink uses.
type fakeMQTT struct {
	mqtt.Client

	connected    bool
	publishErr   error
	topics       []string
	qos          []byte
	payloads     [][]byte
	disconnected bool
}

func (c *fakeMQTT) IsConnected() bool { return c.connected }

func (c *fakeMQTT) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	c.topics = append(c.topics, topic)
	c.qos = append(c.qos, qos)
	c.payloads = append(c.payloads, payload.([]byte))
	return newFakeToken(c.publishErr)
}

func (c *fakeMQTT) Disconnect(quiesce uint) { c.disconnected = true }

func TestMQTTSink(t *testing.T) {
	client := &fakeMQTT{connected: true}
	sink := newMQTTSinkWithClient(MQTTConfig{TopicPrefix: "shop/", QoS: 1}, client, nil)

	r := Reading{Sensor: "chamber", Temperature: 25.3}
	if err := sink.Publish(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if client.topics[0] != "shop/chamber/temperature" {
		t.Errorf("topic = %q", client.topics[0])
	}
	if client.qos[0] != 1 {
		t.Errorf("qos = %d", client.qos[0])
	}
	var decoded map[string]any
	if err := json.Unmarshal(client.payloads[0], &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["temperature_c"] != 25.3 {
		t.Errorf("payload = %v", decoded)
	}

	client.publishErr = errors.New("nack")
	if err := sink.Publish(context.Background(), r); err == nil {
		t.Error("expected publish error")
	}

	client.connected = false
	if err := sink.Publish(context.Background(), r); err == nil {
		t.Error("expected error when disconnected")
	}

	sink.Close()
	if !client.disconnected {
		t.Error("client not disconnected")
	}
}

func TestMQTTDefaultPrefix(t *testing.T) {
	sink := newMQTTSinkWithClient(MQTTConfig{}, &fakeMQTT{}, nil)
	if got := sink.Topic("bed"); got != "irtemp/bed/temperature" {
		t.Errorf("Topic() = %q", got)
	}
	if _, err := NewMQTTSink(MQTTConfig{}, nil); err == nil {
		t.Error("expected error for empty broker")
	}
}

func TestSinksFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    []string
		wantErr bool
	}{
		{name: "none", body: "[mcu]\n", want: nil},
		{name: "kafka", body: "[kafka]\nbrokers: a:9092, b:9092\n", want: []string{"kafka"}},
		{name: "kafka no brokers", body: "[kafka]\nbrokers: ,\n", wantErr: true},
		{name: "mqtt missing broker", body: "[mqtt]\ntopic_prefix: x\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.LoadString(tt.body)
			if err != nil {
				t.Fatal(err)
			}
			sinks, err := SinksFromConfig(cfg, nil)
			if tt.wantErr {
				var cerr *config.ConfigError
				if !errors.As(err, &cerr) {
					t.Fatalf("error = %v, want *config.ConfigError", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			defer closeSinks(sinks)

			var names []string
			for _, s := range sinks {
				names = append(names, s.Name())
			}
			if len(names) != len(tt.want) {
				t.Fatalf("sinks = %v, want %v", names, tt.want)
			}
			for i := range names {
				if names[i] != tt.want[i] {
					t.Errorf("sinks = %v, want %v", names, tt.want)
				}
			}
		})
	}
}

func TestMQTTConfigFromSection(t *testing.T) {
	cfg, err := config.LoadString("[mqtt]\nbroker: tcp://broker:1883\nclient_id: shop-host\nqos: 0\n")
	if err != nil {
		t.Fatal(err)
	}
	sec, _ := cfg.GetSection("mqtt")
	mc, err := mqttConfigFromSection(sec)
	if err != nil {
		t.Fatal(err)
	}
	want := MQTTConfig{Broker: "tcp://broker:1883", ClientID: "shop-host", TopicPrefix: "irtemp", QoS: 0}
	if mc != want {
		t.Errorf("config = %+v, want %+v", mc, want)
	}

	cfg, _ = config.LoadString("[mqtt]\nbroker: tcp://broker:1883\nqos: 3\n")
	sec, _ = cfg.GetSection("mqtt")
	if _, err := mqttConfigFromSection(sec); err == nil {
		t.Error("expected qos range error")
	}
}
