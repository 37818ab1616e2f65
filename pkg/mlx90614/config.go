// MLX90614 infrared thermometer support
//
// Configuration parsing for [mlx90614] sections.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mlx90614

import (
	"fmt"

	"klipper-irtemp/pkg/bus"
	"klipper-irtemp/pkg/config"
)

// Transport selects where readings come from.
type Transport string

const (
	// TransportFile reads a float published by an external process.
	TransportFile Transport = "file"
	// TransportI2C reads the chip through the periph.io host drivers.
	TransportI2C Transport = "i2c"
	// TransportI2CDev reads the chip through /dev/i2c-N.
	TransportI2CDev Transport = "i2cdev"
)

const (
	DefaultSensorPath = "/home/pi/Raspberry-Pi-MLX90614-Python/MLX90614_Temps"
	DefaultAddress    = 0x5A
	DefaultReportTime = 1.0
	MinReportTime     = 0.1
	DefaultMinTemp    = 0.0
	DefaultMaxTemp    = 1000.0
)

var temperatureSources = map[string]byte{
	"object1": RegObject1,
	"object2": RegObject2,
	"ambient": RegAmbient,
}

// Config is the validated configuration of one sensor.
type Config struct {
	Name       string
	Transport  Transport
	SensorPath string
	I2C        bus.I2CConfig
	Register   byte
	ReportTime float64
	MinTemp    float64
	MaxTemp    float64
	Identify   bool
	CheckPEC   bool
}

// DefaultConfig returns the configuration of a file-proxy sensor.
func DefaultConfig(name string) Config {
	return Config{
		Name:       name,
		Transport:  TransportFile,
		SensorPath: DefaultSensorPath,
		I2C:        bus.I2CConfig{Bus: "1", Address: DefaultAddress},
		Register:   RegObject1,
		ReportTime: DefaultReportTime,
		MinTemp:    DefaultMinTemp,
		MaxTemp:    DefaultMaxTemp,
		CheckPEC:   true,
	}
}

// Validate checks the options that ConfigFromSection cannot bound on its own.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("mlx90614: sensor name is required")
	}
	if c.ReportTime < MinReportTime {
		return fmt.Errorf("mlx90614 %s: report_time %v below minimum of %v", c.Name, c.ReportTime, MinReportTime)
	}
	switch c.Transport {
	case TransportFile:
		if c.SensorPath == "" {
			return fmt.Errorf("mlx90614 %s: sensor_path is required", c.Name)
		}
	case TransportI2C, TransportI2CDev:
		if err := c.I2C.Validate(); err != nil {
			return fmt.Errorf("mlx90614 %s: %w", c.Name, err)
		}
	default:
		return fmt.Errorf("mlx90614 %s: unknown transport %q", c.Name, c.Transport)
	}
	return nil
}

// ConfigFromSection reads an "[mlx90614 NAME]" section.
func ConfigFromSection(sec *config.Section) (Config, error) {
	cfg := DefaultConfig(sec.ShortName())
	name := sec.GetName()

	transport, err := sec.GetChoice("transport",
		[]string{string(TransportFile), string(TransportI2C), string(TransportI2CDev)}, string(TransportFile))
	if err != nil {
		return cfg, err
	}
	cfg.Transport = Transport(transport)

	if cfg.SensorPath, err = sec.Get("sensor_path", DefaultSensorPath); err != nil {
		return cfg, err
	}
	if cfg.I2C.Bus, err = sec.Get("i2c_bus", "1"); err != nil {
		return cfg, err
	}
	minAddr, maxAddr := 0, 127
	if cfg.I2C.Address, err = sec.GetIntWithBounds("i2c_address", &minAddr, &maxAddr, DefaultAddress); err != nil {
		return cfg, err
	}

	source, err := sec.GetChoice("temperature_source", []string{"object1", "object2", "ambient"}, "object1")
	if err != nil {
		return cfg, err
	}
	cfg.Register = temperatureSources[source]

	minReport := MinReportTime
	if cfg.ReportTime, err = sec.GetFloatWithBounds("report_time", config.FloatBounds{MinVal: &minReport}, DefaultReportTime); err != nil {
		return cfg, err
	}

	if cfg.MinTemp, err = sec.GetFloat("min_temp", DefaultMinTemp); err != nil {
		return cfg, err
	}
	above := cfg.MinTemp
	if cfg.MaxTemp, err = sec.GetFloatWithBounds("max_temp", config.FloatBounds{Above: &above}, DefaultMaxTemp); err != nil {
		return cfg, err
	}

	busTransport := cfg.Transport != TransportFile
	if cfg.Identify, err = sec.GetBool("identify", busTransport); err != nil {
		return cfg, err
	}
	if cfg.CheckPEC, err = sec.GetBool("check_pec", true); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, config.WrapError(name, "", err)
	}
	return cfg, nil
}
