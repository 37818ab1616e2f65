// Package printtime maps reactor monotonic time onto the machine's print
// time, the clock used to correlate sensor readings with motion and heating
// events.
package printtime

import (
	"fmt"
	"sync"
)

// Mapper converts a reactor monotonic time to an estimated print time.
type Mapper interface {
	EstimatedPrintTime(eventtime float64) float64
}

// MapperFunc adapts a function to the Mapper interface.
type MapperFunc func(eventtime float64) float64

// EstimatedPrintTime calls f(eventtime).
func (f MapperFunc) EstimatedPrintTime(eventtime float64) float64 {
	return f(eventtime)
}

// Estimate is a linear clock estimate: at host time SampleTime the
// controller clock read Clock and advances at Freq ticks per second.
type Estimate struct {
	SampleTime float64
	Clock      int64
	Freq       float64
}

// ClockEstimator tracks the controller clock estimate and derives print
// time from it. Print time is the controller clock divided by its nominal
// frequency.
type ClockEstimator struct {
	mu      sync.RWMutex
	mcuFreq float64
	est     Estimate
}

// NewClockEstimator returns an estimator whose clock starts at zero at host
// time zero and runs at exactly mcuFreq.
func NewClockEstimator(mcuFreq float64) (*ClockEstimator, error) {
	if mcuFreq <= 0 {
		return nil, fmt.Errorf("printtime: invalid clock frequency %v", mcuFreq)
	}
	return &ClockEstimator{
		mcuFreq: mcuFreq,
		est:     Estimate{Freq: mcuFreq},
	}, nil
}

// Update installs a new clock estimate, typically produced by a clock
// synchronisation round trip.
func (c *ClockEstimator) Update(est Estimate) error {
	if est.Freq <= 0 {
		return fmt.Errorf("printtime: invalid estimated frequency %v", est.Freq)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.est = est
	return nil
}

// Estimate returns the current clock estimate.
func (c *ClockEstimator) Estimate() Estimate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.est
}

// GetClock returns the estimated controller clock at eventtime.
func (c *ClockEstimator) GetClock(eventtime float64) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(float64(c.est.Clock) + (eventtime-c.est.SampleTime)*c.est.Freq)
}

// ClockToPrintTime converts a controller clock value to print time.
func (c *ClockEstimator) ClockToPrintTime(clock int64) float64 {
	return float64(clock) / c.mcuFreq
}

// EstimatedPrintTime returns the estimated print time at eventtime.
func (c *ClockEstimator) EstimatedPrintTime(eventtime float64) float64 {
	return c.ClockToPrintTime(c.GetClock(eventtime))
}
