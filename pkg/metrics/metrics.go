// Prometheus metrics for the IR temperature host
//
// Sensor cycles, shutdowns and HTTP requests are recorded on a caller
// supplied registry so tests can use a fresh one.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "irtemp"

// Metrics holds every collector the host exports.
type Metrics struct {
	temperature *prometheus.GaugeVec
	faultCount  *prometheus.GaugeVec
	cycles      *prometheus.CounterVec
	failures    *prometheus.CounterVec
	shutdowns   *prometheus.CounterVec
	dropped     *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. A nil reg uses a
// fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_temperature_celsius",
			Help:      "Last reported temperature per sensor.",
		}, []string{"sensor"}),
		faultCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_fault_count",
			Help:      "Consecutive failed reads per sensor.",
		}, []string{"sensor"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_cycles_total",
			Help:      "Sampling cycles completed per sensor.",
		}, []string{"sensor"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_read_failures_total",
			Help:      "Failed reads per sensor.",
		}, []string{"sensor"}),
		shutdowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shutdowns_total",
			Help:      "Shutdowns by reason.",
		}, []string{"reason"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_dropped_total",
			Help:      "Readings dropped by the telemetry publisher per sink.",
		}, []string{"sink"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.temperature,
		m.faultCount,
		m.cycles,
		m.failures,
		m.shutdowns,
		m.dropped,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// ObserveSample records one sampling cycle.
func (m *Metrics) ObserveSample(sensor string, temp float64, faultCount int, readErr error) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(sensor).Inc()
	m.temperature.WithLabelValues(sensor).Set(temp)
	m.faultCount.WithLabelValues(sensor).Set(float64(faultCount))
	if readErr != nil {
		m.failures.WithLabelValues(sensor).Inc()
	}
}

// RecordShutdown counts a shutdown.
func (m *Metrics) RecordShutdown(reason string) {
	if m == nil {
		return
	}
	m.shutdowns.WithLabelValues(reason).Inc()
}

// RecordDropped counts a reading a telemetry sink could not take.
func (m *Metrics) RecordDropped(sink string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(sink).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request counts and durations for route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
