// Package safety is the host's single shutdown authority. Sensors report
// unrecoverable faults here instead of returning errors; the manager records
// the first reason, moves to the shutdown state and notifies listeners once.
package safety

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	irlog "klipper-irtemp/pkg/log"
)

// ShutdownState represents the host's shutdown state.
type ShutdownState int

const (
	// StateRunning indicates normal operation.
	StateRunning ShutdownState = iota

	// StateShutdown indicates a shutdown has been invoked.
	StateShutdown
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ShutdownReason describes where a shutdown came from.
type ShutdownReason string

const (
	ReasonNone          ShutdownReason = ""
	ReasonInvoked       ShutdownReason = "invoked"
	ReasonEmergencyStop ShutdownReason = "emergency_stop"
)

// ErrShutdown is returned by CheckOperational after a shutdown.
var ErrShutdown = errors.New("safety: host is shut down")

// ShutdownFunc is called once when the host shuts down.
type ShutdownFunc func(reason ShutdownReason, msg string)

// Manager owns the shutdown state.
type Manager struct {
	mu sync.RWMutex

	state          ShutdownState
	shutdownReason ShutdownReason
	shutdownMsg    string
	shutdownTime   time.Time

	// Shutdown requests that arrived after the first one.
	suppressed int

	onShutdown []ShutdownFunc

	logger *slog.Logger
}

// New creates a new Manager. A nil logger discards output.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = irlog.Discard()
	}
	return &Manager{
		state:  StateRunning,
		logger: logger.With("component", "safety"),
	}
}

// OnShutdown registers a listener for the shutdown transition.
func (m *Manager) OnShutdown(fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShutdown = append(m.onShutdown, fn)
}

// InvokeShutdown is the entry point used by sensors for unrecoverable
// faults.
func (m *Manager) InvokeShutdown(msg string) {
	m.shutdown(ReasonInvoked, msg)
}

// EmergencyStop shuts the host down on operator request.
func (m *Manager) EmergencyStop(msg string) {
	if msg == "" {
		msg = "Shutdown due to emergency stop"
	}
	m.shutdown(ReasonEmergencyStop, msg)
}

func (m *Manager) shutdown(reason ShutdownReason, msg string) {
	m.mu.Lock()
	if m.state == StateShutdown {
		m.suppressed++
		m.mu.Unlock()
		m.logger.Debug("shutdown already in effect", "reason", reason, "msg", msg)
		return
	}
	m.state = StateShutdown
	m.shutdownReason = reason
	m.shutdownMsg = msg
	m.shutdownTime = time.Now()

	listeners := make([]ShutdownFunc, len(m.onShutdown))
	copy(listeners, m.onShutdown)
	m.mu.Unlock()

	m.logger.Error("Transition to shutdown state", "reason", reason, "msg", msg)

	for _, fn := range listeners {
		fn(reason, msg)
	}
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() ShutdownState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsShutdown reports whether a shutdown has been invoked.
func (m *Manager) IsShutdown() bool {
	return m.GetState() == StateShutdown
}

// CheckOperational returns an error wrapping ErrShutdown after a shutdown.
func (m *Manager) CheckOperational() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != StateRunning {
		return fmt.Errorf("%w: %s - %s", ErrShutdown, m.shutdownReason, m.shutdownMsg)
	}
	return nil
}

// Status is the JSON-friendly view of the manager.
type Status struct {
	State          string    `json:"state"`
	ShutdownReason string    `json:"shutdown_reason,omitempty"`
	ShutdownMsg    string    `json:"shutdown_msg,omitempty"`
	ShutdownTime   time.Time `json:"shutdown_time,omitempty"`
	Suppressed     int       `json:"suppressed"`
	IsOperational  bool      `json:"is_operational"`
}

// GetStatus returns the current status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Status{
		State:          m.state.String(),
		ShutdownReason: string(m.shutdownReason),
		ShutdownMsg:    m.shutdownMsg,
		ShutdownTime:   m.shutdownTime,
		Suppressed:     m.suppressed,
		IsOperational:  m.state == StateRunning,
	}
}
