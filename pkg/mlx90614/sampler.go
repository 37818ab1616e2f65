// MLX90614 infrared thermometer support
//
// The sampler polls one sensor on a reactor timer, keeps the last good
// reading across transient failures and escalates persistent or
// out-of-range conditions to the shutdown authority.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mlx90614

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	irlog "klipper-irtemp/pkg/log"
	"klipper-irtemp/pkg/printtime"
	"klipper-irtemp/pkg/reactor"
	"klipper-irtemp/pkg/temperature"
)

// MaxConsecutiveFaults is the number of failed cycles tolerated in a row.
// The next failure shuts the host down.
const MaxConsecutiveFaults = 5

// ErrNoCallback is returned when a sensor is activated before a report
// callback has been set.
var ErrNoCallback = errors.New("mlx90614: no report callback registered")

// Scheduler is the part of the reactor the sampler needs.
type Scheduler interface {
	RegisterTimer(cb reactor.TimerCallback, waketime float64) *reactor.Timer
	UpdateTimer(t *reactor.Timer, waketime float64)
	UnregisterTimer(t *reactor.Timer)
	Monotonic() float64
}

// ShutdownInvoker halts the host on an unrecoverable condition.
type ShutdownInvoker interface {
	InvokeShutdown(msg string)
}

// Observer is told about every completed cycle.
type Observer interface {
	ObserveSample(sensor string, temp float64, faultCount int, readErr error)
}

// Deps are the collaborators injected into a sensor.
type Deps struct {
	Scheduler Scheduler
	Mapper    printtime.Mapper
	Safety    ShutdownInvoker
	Logger    *slog.Logger
	Observer  Observer

	// DebugOutput builds the sensor without opening the source or
	// registering a timer.
	DebugOutput bool
}

func (d Deps) validate() error {
	if d.DebugOutput {
		return nil
	}
	switch {
	case d.Scheduler == nil:
		return errors.New("mlx90614: scheduler is required")
	case d.Mapper == nil:
		return errors.New("mlx90614: print time mapper is required")
	case d.Safety == nil:
		return errors.New("mlx90614: shutdown invoker is required")
	}
	return nil
}

// State is the sampler's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateSampling
	StateFaulted
	StateShutdownRequested
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateSampling:
		return "sampling"
	case StateFaulted:
		return "faulted"
	case StateShutdownRequested:
		return "shutdown_requested"
	default:
		return "unknown"
	}
}

// MLX90614 is one configured sensor.
type MLX90614 struct {
	mu sync.RWMutex

	cfg      Config
	src      Source
	sched    Scheduler
	mapper   printtime.Mapper
	safety   ShutdownInvoker
	observer Observer
	logger   *slog.Logger
	timer    *reactor.Timer

	state      State
	temp       float64
	prevTemp   float64
	faultCount int
	lastErr    error
	parked     bool
	minTemp    float64
	maxTemp    float64
	callback   temperature.Callback
}

// New opens the configured source and registers a parked sampling timer.
// In debug output mode nothing is opened or scheduled.
func New(cfg Config, deps Deps) (*MLX90614, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.DebugOutput {
		return newSensor(cfg, nil, deps), nil
	}
	src, err := OpenSource(cfg, deps.Logger)
	if err != nil {
		return nil, err
	}
	return newSensor(cfg, src, deps), nil
}

// NewWithSource builds a sensor around an already open source.
func NewWithSource(cfg Config, src Source, deps Deps) (*MLX90614, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if src == nil && !deps.DebugOutput {
		return nil, errors.New("mlx90614: source is required")
	}
	return newSensor(cfg, src, deps), nil
}

func newSensor(cfg Config, src Source, deps Deps) *MLX90614 {
	logger := deps.Logger
	if logger == nil {
		logger = irlog.Discard()
	}
	s := &MLX90614{
		cfg:      cfg,
		src:      src,
		sched:    deps.Scheduler,
		mapper:   deps.Mapper,
		safety:   deps.Safety,
		observer: deps.Observer,
		logger:   logger.With("component", "mlx90614", "sensor", cfg.Name),
		minTemp:  cfg.MinTemp,
		maxTemp:  cfg.MaxTemp,
	}
	if !deps.DebugOutput {
		s.timer = s.sched.RegisterTimer(s.Sample, reactor.NEVER)
	}
	return s
}

// Name returns the sensor name.
func (s *MLX90614) Name() string {
	return s.cfg.Name
}

// SetupMinMax sets the safe temperature band.
func (s *MLX90614) SetupMinMax(minTemp, maxTemp float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minTemp = minTemp
	s.maxTemp = maxTemp
	return nil
}

// SetupCallback sets the report callback.
func (s *MLX90614) SetupCallback(cb temperature.Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

// GetReportTimeDelta returns the sampling interval in seconds.
func (s *MLX90614) GetReportTimeDelta() float64 {
	return s.cfg.ReportTime
}

// HandleConnect is called once the host is connected. It starts sampling.
func (s *MLX90614) HandleConnect() error {
	return s.Activate()
}

// Activate arms the timer to fire immediately.
func (s *MLX90614) Activate() error {
	s.mu.Lock()
	if s.callback == nil {
		s.mu.Unlock()
		return ErrNoCallback
	}
	if s.timer == nil {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateIdle {
		s.state = StateArmed
	}
	s.mu.Unlock()

	s.sched.UpdateTimer(s.timer, reactor.NOW)
	return nil
}

// Sample runs one read/convert/validate/report cycle and returns the next
// wake time. It is the timer callback.
func (s *MLX90614) Sample(eventtime float64) float64 {
	s.mu.RLock()
	parked := s.parked
	src := s.src
	s.mu.RUnlock()
	if parked || src == nil {
		return reactor.NEVER
	}

	temp, readErr := src.ReadTemperature()
	if readErr == nil && (math.IsNaN(temp) || math.IsInf(temp, 0)) {
		readErr = fmt.Errorf("%w: %v", ErrMalformed, temp)
	}

	s.mu.Lock()
	recovered := false
	if readErr == nil {
		recovered = s.faultCount > 0
		s.temp = temp
		s.prevTemp = temp
		s.faultCount = 0
		s.lastErr = nil
	} else {
		s.temp = s.prevTemp
		s.faultCount++
		s.lastErr = readErr
	}

	var shutdown []string
	if s.faultCount > MaxConsecutiveFaults {
		shutdown = append(shutdown, fmt.Sprintf(
			"MLX90614 sensor '%s' failed to read (%d consecutive failures): %v",
			s.cfg.Name, s.faultCount, readErr))
		s.parked = true
	}
	if s.temp < s.minTemp {
		shutdown = append(shutdown, fmt.Sprintf(
			"MLX90614 '%s' temperature %0.1f below minimum temperature of %0.1f",
			s.cfg.Name, s.temp, s.minTemp))
	} else if s.temp > s.maxTemp {
		shutdown = append(shutdown, fmt.Sprintf(
			"MLX90614 '%s' temperature %0.1f above maximum temperature of %0.1f",
			s.cfg.Name, s.temp, s.maxTemp))
	}

	switch {
	case len(shutdown) > 0 || s.state == StateShutdownRequested:
		s.state = StateShutdownRequested
	case readErr != nil:
		s.state = StateFaulted
	default:
		s.state = StateSampling
	}

	current := s.temp
	faults := s.faultCount
	cb := s.callback
	parked = s.parked
	s.mu.Unlock()

	if readErr != nil {
		s.logger.Warn("read failed", "faults", faults, "error", readErr)
	} else if recovered {
		s.logger.Info("read recovered")
	}

	// One shutdown per cycle even when the read and the range both fail.
	if len(shutdown) > 0 {
		s.safety.InvokeShutdown(strings.Join(shutdown, "; "))
	}

	now := s.sched.Monotonic()
	if cb != nil {
		cb(s.mapper.EstimatedPrintTime(now), current)
	} else {
		s.logger.Error("sample taken with no report callback")
	}

	if s.observer != nil {
		s.observer.ObserveSample(s.cfg.Name, current, faults, readErr)
	}

	if parked {
		return reactor.NEVER
	}
	return now + s.cfg.ReportTime
}

// State returns the lifecycle state.
func (s *MLX90614) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// FaultCount returns the number of consecutive failed cycles.
func (s *MLX90614) FaultCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.faultCount
}

// LastError returns the error of the most recent failed cycle, or nil
// after a successful one.
func (s *MLX90614) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// GetStatus returns the status snapshot.
func (s *MLX90614) GetStatus(eventtime float64) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{"Temperature": temperature.Round2(s.temp)}
}

// Close unregisters the timer and releases the source.
func (s *MLX90614) Close() error {
	s.mu.Lock()
	timer := s.timer
	src := s.src
	s.timer = nil
	s.src = nil
	s.parked = true
	s.mu.Unlock()

	if timer != nil {
		s.sched.UnregisterTimer(timer)
	}
	if src != nil {
		return src.Close()
	}
	return nil
}
