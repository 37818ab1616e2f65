// Package telemetry forwards sensor readings to message brokers.
//
// Each sink gets its own bounded queue and worker goroutine. Callbacks never
// block: when a queue is full the reading is dropped and counted.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	irlog "klipper-irtemp/pkg/log"
	"klipper-irtemp/pkg/temperature"
)

// Reading is one reported temperature as sent to brokers.
type Reading struct {
	Session     string    `json:"session"`
	Sensor      string    `json:"sensor"`
	PrintTime   float64   `json:"print_time"`
	Temperature float64   `json:"temperature_c"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink delivers readings to one broker.
type Sink interface {
	Name() string
	Publish(ctx context.Context, r Reading) error
	Close() error
}

// DropRecorder counts readings a sink queue could not take.
type DropRecorder interface {
	RecordDropped(sink string)
}

const (
	// DefaultQueueSize is the per-sink queue length.
	DefaultQueueSize = 256

	publishTimeout = 5 * time.Second
)

var errPublisherStopped = errors.New("telemetry publisher stopped")

// Options configures a Publisher.
type Options struct {
	QueueSize int
	Logger    *slog.Logger
	Drops     DropRecorder

	// Now returns the wall clock stamped on each reading.
	Now func() time.Time
}

type sinkWorker struct {
	sink  Sink
	queue chan Reading
}

// Publisher fans readings out to every sink.
type Publisher struct {
	session string
	logger  *slog.Logger
	drops   DropRecorder
	now     func() time.Time

	workers []*sinkWorker

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPublisher starts one worker per sink. The session id is fixed for the
// lifetime of the publisher.
func NewPublisher(opts Options, sinks ...Sink) *Publisher {
	logger := opts.Logger
	if logger == nil {
		logger = irlog.Discard()
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		session: uuid.NewString(),
		logger:  logger.With("component", "telemetry"),
		drops:   opts.Drops,
		now:     now,
		cancel:  cancel,
	}
	for _, sink := range sinks {
		w := &sinkWorker{sink: sink, queue: make(chan Reading, size)}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.run(ctx, w)
	}
	p.logger.Info("telemetry publisher started", "session", p.session, "sinks", len(sinks))
	return p
}

// Session returns the id carried by every reading.
func (p *Publisher) Session() string {
	return p.session
}

// Callback returns a report callback that enqueues readings for sensor.
func (p *Publisher) Callback(sensor string) temperature.Callback {
	return func(printTime, temp float64) {
		p.Enqueue(Reading{
			Sensor:      sensor,
			PrintTime:   printTime,
			Temperature: temp,
		})
	}
}

// Enqueue stamps r and offers it to every sink without blocking.
func (p *Publisher) Enqueue(r Reading) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return errPublisherStopped
	}

	r.Session = p.session
	if r.Timestamp.IsZero() {
		r.Timestamp = p.now()
	}
	for _, w := range p.workers {
		select {
		case w.queue <- r:
		default:
			if p.drops != nil {
				p.drops.RecordDropped(w.sink.Name())
			}
			p.logger.Debug("telemetry queue full, dropping reading", "sink", w.sink.Name(), "sensor", r.Sensor)
		}
	}
	return nil
}

func (p *Publisher) run(ctx context.Context, w *sinkWorker) {
	defer p.wg.Done()
	for r := range w.queue {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := w.sink.Publish(pctx, r)
		cancel()
		if err != nil {
			p.logger.Warn("telemetry publish failed", "sink", w.sink.Name(), "sensor", r.Sensor, "error", err)
		}
	}
}

// Close drains the queues, waits for the workers until ctx expires and
// closes every sink.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, w := range p.workers {
		close(w.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
		errs = append(errs, ctx.Err())
	}
	p.cancel()

	for _, w := range p.workers {
		if err := w.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
