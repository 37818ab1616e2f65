// Package reactor provides the host's timer-driven event loop.
//
// All timer callbacks run on a single dispatch goroutine, one at a time. A
// callback returns its next wake time; returning NEVER parks the timer until
// UpdateTimer re-arms it.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Wake time sentinels, in reactor monotonic seconds.
const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

// maxSleep bounds a single dispatch sleep so the loop re-checks its clock
// even when no timer is due.
const maxSleep = time.Second

// TimerCallback is called when a timer fires. It receives the event time and
// returns the next wake time.
type TimerCallback func(eventtime float64) float64

// Timer is a handle returned by RegisterTimer.
type Timer struct {
	id       uint64
	callback TimerCallback
	waketime float64
	running  bool
}

// Reactor dispatches timers and asynchronous callbacks.
type Reactor struct {
	mu     sync.Mutex
	timers []*Timer
	nextID uint64

	wake       chan struct{}
	asyncQueue chan func(eventtime float64)

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup

	startTime time.Time
}

// New creates a new Reactor. It does nothing until Run is called.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		wake:       make(chan struct{}, 1),
		asyncQueue: make(chan func(float64), 256),
		ctx:        ctx,
		cancel:     cancel,
		startTime:  time.Now(),
	}
}

// Monotonic returns seconds since the reactor was created.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

// RegisterTimer registers a timer that first fires at waketime.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	r.mu.Lock()
	r.nextID++
	t := &Timer{id: r.nextID, callback: callback, waketime: waketime}
	r.timers = append(r.timers, t)
	r.mu.Unlock()

	r.signal()
	return t
}

// UnregisterTimer removes a timer; it will not fire again.
func (r *Reactor) UnregisterTimer(t *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t.waketime = NEVER
	for i, other := range r.timers {
		if other.id == t.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer changes a timer's wake time. Calling it from inside the
// timer's own callback has no lasting effect; the callback's return value
// wins.
func (r *Reactor) UpdateTimer(t *Timer, waketime float64) {
	r.mu.Lock()
	t.waketime = waketime
	r.mu.Unlock()

	r.signal()
}

// Waketime returns the timer's current wake time.
func (r *Reactor) Waketime(t *Timer) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return t.waketime
}

// RegisterAsyncCallback queues fn to run on the dispatch goroutine. It is
// safe to call from any goroutine. Returns false if the queue is full or the
// reactor has ended.
func (r *Reactor) RegisterAsyncCallback(fn func(eventtime float64)) bool {
	if r.ctx.Err() != nil {
		return false
	}
	select {
	case r.asyncQueue <- fn:
		r.signal()
		return true
	default:
		return false
	}
}

// Run starts the dispatch loop in its own goroutine.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatchLoop()
}

// End stops the dispatch loop. Pending timers never fire.
func (r *Reactor) End() {
	r.cancel()
}

// Wait blocks until the dispatch loop has exited.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

// Done is closed when End has been called.
func (r *Reactor) Done() <-chan struct{} {
	return r.ctx.Done()
}

func (r *Reactor) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	sleep := time.NewTimer(0)
	defer sleep.Stop()

	for {
		if r.ctx.Err() != nil {
			return
		}
		r.processAsync()
		delay := r.checkTimers(r.Monotonic())

		d := time.Duration(delay * float64(time.Second))
		if d > maxSleep {
			d = maxSleep
		}
		if d <= 0 {
			continue
		}
		if !sleep.Stop() {
			select {
			case <-sleep.C:
			default:
			}
		}
		sleep.Reset(d)

		select {
		case <-sleep.C:
		case <-r.wake:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Reactor) processAsync() {
	for {
		select {
		case fn := <-r.asyncQueue:
			fn(r.Monotonic())
		default:
			return
		}
	}
}

// checkTimers fires every due timer and returns the delay until the next
// one.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	var due []*Timer
	for _, t := range r.timers {
		if !t.running && eventtime >= t.waketime {
			t.running = true
			t.waketime = NEVER
			due = append(due, t)
		}
	}
	r.mu.Unlock()

	for _, t := range due {
		next := t.callback(eventtime)

		r.mu.Lock()
		t.running = false
		t.waketime = next
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	nextWake := NEVER
	for _, t := range r.timers {
		if t.waketime < nextWake {
			nextWake = t.waketime
		}
	}
	return nextWake - eventtime
}
