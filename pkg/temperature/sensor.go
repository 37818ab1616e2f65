// Temperature sensor contracts for the IR temperature host
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package temperature

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"klipper-irtemp/pkg/config"
)

// Callback receives a reading. It is invoked once per sampling cycle.
type Callback func(printTime, temp float64)

// Sensor is the interface every temperature sensor type implements.
type Sensor interface {
	// SetupMinMax sets the safe temperature band.
	SetupMinMax(minTemp, maxTemp float64) error

	// SetupCallback registers the single reading consumer.
	SetupCallback(cb Callback)

	// GetReportTimeDelta returns the time between reports.
	GetReportTimeDelta() float64

	// GetStatus returns a status snapshot.
	GetStatus(eventtime float64) map[string]any
}

// Factory builds a sensor from its config section.
type Factory func(section *config.Section) (Sensor, error)

// Registry maps sensor type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// RegisterSensorType registers a factory. Type names are case-insensitive.
func (r *Registry) RegisterSensorType(sensorType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToUpper(sensorType)] = factory
}

// CreateSensor builds a sensor of the given type.
func (r *Registry) CreateSensor(sensorType string, section *config.Section) (Sensor, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToUpper(sensorType)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown temperature sensor '%s'", sensorType)
	}
	return factory(section)
}

// SensorTypes returns the registered type names, sorted.
func (r *Registry) SensorTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Callbacks combines several consumers into one Callback, called in order.
// Nil entries are skipped.
func Callbacks(cbs ...Callback) Callback {
	var live []Callback
	for _, cb := range cbs {
		if cb != nil {
			live = append(live, cb)
		}
	}
	return func(printTime, temp float64) {
		for _, cb := range live {
			cb(printTime, temp)
		}
	}
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
