package mlx90614

import (
	"errors"
	"path/filepath"
	"testing"

	"klipper-irtemp/pkg/config"
	"klipper-irtemp/pkg/printtime"
	"klipper-irtemp/pkg/temperature"
)

func sectionFrom(t *testing.T, body string) *config.Section {
	t.Helper()
	cfg, err := config.LoadString("[mlx90614 chamber]\n" + body)
	if err != nil {
		t.Fatal(err)
	}
	sec, err := cfg.GetSection("mlx90614 chamber")
	if err != nil {
		t.Fatal(err)
	}
	return sec
}

func TestConfigFromSectionDefaults(t *testing.T) {
	cfg, err := ConfigFromSection(sectionFrom(t, ""))
	if err != nil {
		t.Fatal(err)
	}

	want := DefaultConfig("chamber")
	if cfg != want {
		t.Errorf("ConfigFromSection() = %+v, want %+v", cfg, want)
	}
	if cfg.Identify {
		t.Error("identify should default off for the file transport")
	}
}

func TestConfigFromSectionI2C(t *testing.T) {
	cfg, err := ConfigFromSection(sectionFrom(t, `
transport: i2c
i2c_bus: /dev/i2c-3
i2c_address: 0x5B
temperature_source: ambient
report_time: 0.5
min_temp: -20
max_temp: 380
check_pec: False
`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Transport != TransportI2C {
		t.Errorf("Transport = %q", cfg.Transport)
	}
	if cfg.I2C.Bus != "/dev/i2c-3" || cfg.I2C.Address != 0x5B {
		t.Errorf("I2C = %+v", cfg.I2C)
	}
	if cfg.Register != RegAmbient {
		t.Errorf("Register = 0x%02x, want ambient", cfg.Register)
	}
	if cfg.ReportTime != 0.5 || cfg.MinTemp != -20 || cfg.MaxTemp != 380 {
		t.Errorf("timing/band = %v %v %v", cfg.ReportTime, cfg.MinTemp, cfg.MaxTemp)
	}
	if !cfg.Identify {
		t.Error("identify should default on for bus transports")
	}
	if cfg.CheckPEC {
		t.Error("check_pec not applied")
	}
}

func TestConfigFromSectionErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown transport", "transport: spi\n"},
		{"report time too small", "report_time: 0.05\n"},
		{"address out of range", "transport: i2c\ni2c_address: 200\n"},
		{"inverted band", "min_temp: 100\nmax_temp: 50\n"},
		{"bad source", "temperature_source: object3\n"},
		{"bad bool", "identify: maybe\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ConfigFromSection(sectionFrom(t, tt.body))
			var cerr *config.ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("error = %v, want *config.ConfigError", err)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig("")
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty name")
	}

	cfg = DefaultConfig("chamber")
	cfg.SensorPath = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty sensor_path")
	}

	cfg = DefaultConfig("chamber")
	cfg.Transport = "carrier pigeon"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown transport")
	}
}

func TestRegisterFactory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MLX90614_Temps")
	writeTemp(t, path, "21.5")

	reg := temperature.NewRegistry()
	sched := newFakeScheduler()
	Register(reg, Deps{
		Scheduler: sched,
		Mapper:    printtime.MapperFunc(func(e float64) float64 { return e }),
		Safety:    &recordingSafety{},
	})

	sensor, err := reg.CreateSensor("mlx90614", sectionFrom(t, "sensor_path: "+path+"\nreport_time: 2\n"))
	if err != nil {
		t.Fatal(err)
	}
	s, ok := sensor.(*MLX90614)
	if !ok {
		t.Fatalf("factory returned %T", sensor)
	}
	defer s.Close()

	if s.Name() != "chamber" {
		t.Errorf("Name() = %q", s.Name())
	}
	if s.GetReportTimeDelta() != 2 {
		t.Errorf("GetReportTimeDelta() = %v", s.GetReportTimeDelta())
	}
	if sched.registered != 1 {
		t.Errorf("registered %d timers", sched.registered)
	}

	_, err = reg.CreateSensor("MLX90614", sectionFrom(t, "sensor_path: "+filepath.Join(t.TempDir(), "missing")+"\n"))
	var cerr *config.ConfigError
	if !errors.As(err, &cerr) {
		t.Errorf("missing file error = %v, want *config.ConfigError", err)
	}
}
