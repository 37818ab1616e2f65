// MLX90614 infrared thermometer support
//
// Sensor factory registration and construction.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mlx90614

import (
	"fmt"
	"log/slog"

	"klipper-irtemp/pkg/bus"
	"klipper-irtemp/pkg/config"
	irlog "klipper-irtemp/pkg/log"
	"klipper-irtemp/pkg/temperature"
)

// SensorType is the name the factory is registered under.
const SensorType = "MLX90614"

// Register adds the MLX90614 factory to reg. Every sensor it builds shares
// deps.
func Register(reg *temperature.Registry, deps Deps) {
	reg.RegisterSensorType(SensorType, func(sec *config.Section) (temperature.Sensor, error) {
		cfg, err := ConfigFromSection(sec)
		if err != nil {
			return nil, err
		}
		s, err := New(cfg, deps)
		if err != nil {
			return nil, config.WrapError(sec.GetName(), "", err)
		}
		return s, nil
	})
}

// OpenSource opens the transport selected by cfg. For bus transports the
// identification probe runs first when cfg.Identify is set; its outcome is
// only logged.
func OpenSource(cfg Config, logger *slog.Logger) (Source, error) {
	switch cfg.Transport {
	case TransportFile:
		src, err := NewFileSource(cfg.SensorPath)
		if err != nil {
			return nil, fmt.Errorf("mlx90614: unable to open temperature file '%s': %w", cfg.SensorPath, err)
		}
		return src, nil

	case TransportI2C, TransportI2CDev:
		var b bus.RegisterBus
		var err error
		if cfg.Transport == TransportI2C {
			b, err = bus.OpenPeriph(cfg.I2C)
		} else {
			b, err = bus.OpenDev(cfg.I2C)
		}
		if err != nil {
			return nil, fmt.Errorf("mlx90614: unable to open i2c bus '%s': %w", cfg.I2C.Bus, err)
		}
		addr := uint8(cfg.I2C.Address)
		if cfg.Identify {
			identify(b, addr, cfg.CheckPEC, logger)
		}
		return NewRegisterSource(b, addr, cfg.Register, cfg.CheckPEC), nil
	}
	return nil, fmt.Errorf("mlx90614: unknown transport %q", cfg.Transport)
}

func identify(b bus.RegisterBus, addr uint8, checkPEC bool, logger *slog.Logger) {
	if logger == nil {
		logger = irlog.Discard()
	}
	id, err := Probe(b, addr, checkPEC)
	if err != nil {
		logger.Debug("mlx90614 identification failed", "addr", addr, "error", err)
		return
	}
	logger.Info("mlx90614 detected", "addr", fmt.Sprintf("0x%02x", addr), "id", fmt.Sprintf("%016x", id))
}
