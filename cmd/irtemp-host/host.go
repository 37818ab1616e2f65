package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"klipper-irtemp/pkg/api"
	"klipper-irtemp/pkg/config"
	"klipper-irtemp/pkg/metrics"
	"klipper-irtemp/pkg/mlx90614"
	"klipper-irtemp/pkg/printtime"
	"klipper-irtemp/pkg/reactor"
	"klipper-irtemp/pkg/safety"
	"klipper-irtemp/pkg/telemetry"
	"klipper-irtemp/pkg/temperature"
)

const (
	sensorPrefix     = "mlx90614 "
	defaultClockFreq = 72000000.0
	statsInterval    = 60.0
	maxDriftPPM      = 1000.0
)

type hostOptions struct {
	HTTPAddr    string
	DebugOutput bool
	AccessLog   io.Writer
}

// connecter is a sensor that starts sampling once the host is ready.
type connecter interface {
	HandleConnect() error
}

type hostSensor struct {
	name    string
	sensor  temperature.Sensor
	monitor *temperature.Monitor
}

type host struct {
	logger    *slog.Logger
	reactor   *reactor.Reactor
	safety    *safety.Manager
	metrics   *metrics.Metrics
	clock     *printtime.ClockEstimator
	objects   *temperature.Objects
	api       *api.Server
	publisher *telemetry.Publisher
	sensors   []hostSensor

	apiDone chan error
}

// newHost builds every component described by cfg. Nothing runs until
// start.
func newHost(cfg *config.Config, opts hostOptions, logger *slog.Logger) (*host, error) {
	h := &host{
		logger:  logger,
		reactor: reactor.New(),
		safety:  safety.New(logger),
		objects: temperature.NewObjects(),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	h.metrics = metrics.New(reg)

	clock, err := clockFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	h.clock = clock
	est := clock.Estimate()
	logger.Debug("print time clock", "freq", est.Freq, "clock", est.Clock)

	addr := opts.HTTPAddr
	if sec := cfg.GetSectionOptional("status_api"); sec != nil {
		listen, err := sec.Get("listen", "")
		if err != nil {
			return nil, err
		}
		if addr == "" {
			addr = listen
		}
	}
	if addr != "" {
		h.api = api.New(api.Config{
			Addr:      addr,
			Objects:   h.objects,
			Safety:    h.safety,
			Metrics:   h.metrics,
			Clock:     h.reactor.Monotonic,
			Logger:    logger,
			AccessLog: opts.AccessLog,
		})
	}

	h.safety.OnShutdown(func(reason safety.ShutdownReason, msg string) {
		h.metrics.RecordShutdown(string(reason))
	})
	if h.api != nil {
		h.safety.OnShutdown(h.api.NotifyShutdown)
	}

	sinks, err := telemetry.SinksFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	if len(sinks) > 0 {
		h.publisher = telemetry.NewPublisher(telemetry.Options{Logger: logger, Drops: h.metrics}, sinks...)
	}

	registry := temperature.NewRegistry()
	mlx90614.Register(registry, mlx90614.Deps{
		Scheduler:   h.reactor,
		Mapper:      h.clock,
		Safety:      h.safety,
		Logger:      logger,
		Observer:    h.metrics,
		DebugOutput: opts.DebugOutput,
	})

	if err := h.loadSensors(cfg, registry); err != nil {
		h.closeSensors()
		h.closePublisher()
		return nil, err
	}
	if err := cfg.CheckUnusedOptions(); err != nil {
		h.closeSensors()
		h.closePublisher()
		return nil, err
	}
	return h, nil
}

func (h *host) loadSensors(cfg *config.Config, registry *temperature.Registry) error {
	sections := cfg.GetPrefixSections(sensorPrefix)
	if len(sections) == 0 {
		return config.NewConfigError("", "", fmt.Sprintf("no [%s<name>] sections configured", sensorPrefix))
	}

	for _, sec := range sections {
		name := strings.TrimSpace(strings.TrimPrefix(sec.GetName(), sensorPrefix))

		sensorType, err := sec.Get("sensor_type", mlx90614.SensorType)
		if err != nil {
			return err
		}
		sensor, err := registry.CreateSensor(sensorType, sec)
		if err != nil {
			return err
		}
		hs := hostSensor{name: name, sensor: sensor}
		h.sensors = append(h.sensors, hs)

		minTemp, err := sec.GetFloat("min_temp", mlx90614.DefaultMinTemp)
		if err != nil {
			return err
		}
		maxTemp, err := sec.GetFloat("max_temp", mlx90614.DefaultMaxTemp)
		if err != nil {
			return err
		}
		monitor, err := temperature.NewMonitor(name, sensor, minTemp, maxTemp)
		if err != nil {
			return config.WrapError(sec.GetName(), "", err)
		}
		h.sensors[len(h.sensors)-1].monitor = monitor

		callbacks := []temperature.Callback{monitor.TemperatureCallback}
		if h.api != nil {
			callbacks = append(callbacks, h.api.StatusCallback())
		}
		if h.publisher != nil {
			callbacks = append(callbacks, h.publisher.Callback(name))
		}
		sensor.SetupCallback(temperature.Callbacks(callbacks...))

		if err := h.objects.Add(sec.GetName(), sensor); err != nil {
			return config.WrapError(sec.GetName(), "", err)
		}
		if err := h.objects.Add("temperature_sensor "+name, monitor); err != nil {
			return config.WrapError(sec.GetName(), "", err)
		}
		h.logger.Info("sensor configured", "sensor", name, "type", sensorType,
			"report_time", sensor.GetReportTimeDelta(), "min_temp", minTemp, "max_temp", maxTemp)
	}
	return nil
}

// start runs the reactor, connects every sensor on it and starts the status
// API.
func (h *host) start() error {
	h.reactor.Run()

	connected := make(chan error, 1)
	ok := h.reactor.RegisterAsyncCallback(func(eventtime float64) {
		var errs []error
		for _, hs := range h.sensors {
			c, isConnecter := hs.sensor.(connecter)
			if !isConnecter {
				continue
			}
			if err := c.HandleConnect(); err != nil {
				errs = append(errs, fmt.Errorf("sensor %s: %w", hs.name, err))
			}
		}
		connected <- errors.Join(errs...)
	})
	if !ok {
		return errors.New("reactor rejected connect callback")
	}
	if err := <-connected; err != nil {
		return err
	}

	h.reactor.RegisterTimer(func(eventtime float64) float64 {
		h.stats()
		return eventtime + statsInterval
	}, h.reactor.Monotonic()+statsInterval)

	if h.api != nil {
		h.apiDone = make(chan error, 1)
		go func() { h.apiDone <- h.api.Start() }()
	}
	return nil
}

// stop halts sampling, the status API and telemetry.
func (h *host) stop(ctx context.Context) error {
	h.reactor.End()
	h.reactor.Wait()
	h.closeSensors()

	var errs []error
	if h.api != nil {
		if err := h.api.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if h.apiDone != nil {
			if err := <-h.apiDone; err != nil {
				errs = append(errs, err)
			}
		}
	}
	if h.publisher != nil {
		if err := h.publisher.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// stats logs one line per sensor.
func (h *host) stats() {
	eventtime := h.reactor.Monotonic()
	for _, hs := range h.sensors {
		if hs.monitor != nil {
			h.logger.Info("stats", "summary", hs.monitor.Stats(eventtime))
		}
	}
}

func (h *host) closeSensors() {
	for _, hs := range h.sensors {
		if c, ok := hs.sensor.(io.Closer); ok {
			c.Close()
		}
	}
}

func (h *host) closePublisher() {
	if h.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h.publisher.Close(ctx)
}

// clockFromConfig builds the print time estimator from [mcu]. The
// controller clock reads print_time_offset seconds at host start and runs
// clock_drift_ppm away from clock_freq.
func clockFromConfig(cfg *config.Config) (*printtime.ClockEstimator, error) {
	freq, offset, drift := defaultClockFreq, 0.0, 0.0
	if sec := cfg.GetSectionOptional("mcu"); sec != nil {
		var err error
		freq, err = sec.GetFloatWithBounds("clock_freq", config.FloatBounds{Above: floatPtr(0)}, defaultClockFreq)
		if err != nil {
			return nil, err
		}
		offset, err = sec.GetFloatWithBounds("print_time_offset", config.FloatBounds{MinVal: floatPtr(0)}, 0)
		if err != nil {
			return nil, err
		}
		drift, err = sec.GetFloatWithBounds("clock_drift_ppm",
			config.FloatBounds{MinVal: floatPtr(-maxDriftPPM), MaxVal: floatPtr(maxDriftPPM)}, 0)
		if err != nil {
			return nil, err
		}
	}
	clock, err := printtime.NewClockEstimator(freq)
	if err != nil {
		return nil, config.WrapError("mcu", "clock_freq", err)
	}
	if offset != 0 || drift != 0 {
		err := clock.Update(printtime.Estimate{
			Clock: int64(offset * freq),
			Freq:  freq * (1 + drift/1e6),
		})
		if err != nil {
			return nil, config.WrapError("mcu", "clock_drift_ppm", err)
		}
	}
	return clock, nil
}

func floatPtr(v float64) *float64 { return &v }
