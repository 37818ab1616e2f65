package temperature

import (
	"fmt"
	"sort"
	"sync"
)

// Monitor is the generic temperature_sensor consumer: it records the latest
// reading and the measured extremes of one sensor.
type Monitor struct {
	mu sync.RWMutex

	name          string
	sensor        Sensor
	lastTemp      float64
	lastPrintTime float64
	measuredMin   float64
	measuredMax   float64
	readings      uint64
}

// NewMonitor creates a monitor for sensor and installs the safe band on it.
func NewMonitor(name string, sensor Sensor, minTemp, maxTemp float64) (*Monitor, error) {
	if minTemp >= maxTemp {
		return nil, fmt.Errorf("temperature_sensor %s: min_temp must be less than max_temp", name)
	}
	if err := sensor.SetupMinMax(minTemp, maxTemp); err != nil {
		return nil, fmt.Errorf("temperature_sensor %s: %w", name, err)
	}
	return &Monitor{
		name:        name,
		sensor:      sensor,
		measuredMin: 99999999.0,
		measuredMax: 0,
	}, nil
}

// Name returns the sensor name.
func (m *Monitor) Name() string {
	return m.name
}

// Sensor returns the monitored sensor.
func (m *Monitor) Sensor() Sensor {
	return m.sensor
}

// TemperatureCallback records a reading. It is a Callback.
func (m *Monitor) TemperatureCallback(printTime, temp float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastTemp = temp
	m.lastPrintTime = printTime
	m.readings++
	if temp != 0 {
		m.measuredMin = min(m.measuredMin, temp)
		m.measuredMax = max(m.measuredMax, temp)
	}
}

// GetTemp returns the last reading and a zero target.
func (m *Monitor) GetTemp(eventtime float64) (float64, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastTemp, 0
}

// Stats returns a one-line summary for periodic stats logging.
func (m *Monitor) Stats(eventtime float64) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("%s: temp=%.1f", m.name, m.lastTemp)
}

// GetStatus returns the monitor status merged with the sensor's own
// snapshot.
func (m *Monitor) GetStatus(eventtime float64) map[string]any {
	status := m.sensor.GetStatus(eventtime)
	if status == nil {
		status = make(map[string]any)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	status["temperature"] = Round2(m.lastTemp)
	status["measured_min_temp"] = Round2(m.measuredMin)
	status["measured_max_temp"] = Round2(m.measuredMax)
	status["last_print_time"] = m.lastPrintTime
	status["readings"] = m.readings
	return status
}

// StatusProvider is anything that can report a status snapshot.
type StatusProvider interface {
	GetStatus(eventtime float64) map[string]any
}

// Objects is a named table of status providers, keyed like
// "mlx90614 chamber".
type Objects struct {
	mu      sync.RWMutex
	objects map[string]StatusProvider
}

// NewObjects creates an empty table.
func NewObjects() *Objects {
	return &Objects{objects: make(map[string]StatusProvider)}
}

// Add registers obj under name. Duplicate names are rejected.
func (o *Objects) Add(name string, obj StatusProvider) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.objects[name]; ok {
		return fmt.Errorf("printer object '%s' already created", name)
	}
	o.objects[name] = obj
	return nil
}

// Lookup returns the object registered under name.
func (o *Objects) Lookup(name string) (StatusProvider, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	obj, ok := o.objects[name]
	return obj, ok
}

// Names returns all object names, sorted.
func (o *Objects) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	names := make([]string, 0, len(o.objects))
	for name := range o.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns the snapshot of every object.
func (o *Objects) Status(eventtime float64) map[string]map[string]any {
	o.mu.RLock()
	objs := make(map[string]StatusProvider, len(o.objects))
	for name, obj := range o.objects {
		objs[name] = obj
	}
	o.mu.RUnlock()

	out := make(map[string]map[string]any, len(objs))
	for name, obj := range objs {
		out[name] = obj.GetStatus(eventtime)
	}
	return out
}
