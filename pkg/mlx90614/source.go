// MLX90614 infrared thermometer support
//
// Reading sources: SMBus RAM registers or a text file.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mlx90614

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"klipper-irtemp/pkg/bus"
)

var (
	// ErrPEC is returned when a word's packet error code does not match.
	ErrPEC = errors.New("mlx90614: PEC mismatch")
	// ErrSensorFlag is returned when the chip flags a reading as invalid.
	ErrSensorFlag = errors.New("mlx90614: sensor error flag set")
	// ErrMalformed is returned for a reading that is not a finite number.
	ErrMalformed = errors.New("mlx90614: malformed reading")
)

// Source produces one temperature per call. A failed read returns an error
// and no value; the sampler decides what to do with it.
type Source interface {
	ReadTemperature() (float64, error)
	Close() error
}

// RegisterSource reads a RAM temperature register over SMBus.
type RegisterSource struct {
	bus      bus.RegisterBus
	addr     uint8
	reg      byte
	checkPEC bool
}

// NewRegisterSource reads reg of the chip at addr through b. The source
// owns b and closes it on Close.
func NewRegisterSource(b bus.RegisterBus, addr uint8, reg byte, checkPEC bool) *RegisterSource {
	return &RegisterSource{bus: b, addr: addr, reg: reg, checkPEC: checkPEC}
}

// ReadTemperature implements Source.
func (s *RegisterSource) ReadTemperature() (float64, error) {
	word, err := readWord(s.bus, s.addr, s.reg, s.checkPEC)
	if err != nil {
		return 0, err
	}
	if word&errorFlag != 0 {
		return 0, fmt.Errorf("%w: reg 0x%02x word 0x%04x", ErrSensorFlag, s.reg, word)
	}
	return RawToCelsius(word), nil
}

// Close closes the underlying bus.
func (s *RegisterSource) Close() error {
	return s.bus.Close()
}

// readWord reads a three byte SMBus word response: LSB, MSB, PEC.
func readWord(b bus.RegisterBus, addr uint8, cmd byte, checkPEC bool) (uint16, error) {
	data, err := b.ReadRegister(cmd, 3)
	if err != nil {
		return 0, err
	}
	if len(data) < 3 {
		return 0, fmt.Errorf("%w: reg 0x%02x returned %d bytes", bus.ErrShortRead, cmd, len(data))
	}
	if checkPEC {
		frame := []byte{addr << 1, cmd, addr<<1 | 1, data[0], data[1]}
		if want := PEC(frame); data[2] != want {
			return 0, fmt.Errorf("%w: reg 0x%02x got 0x%02x want 0x%02x", ErrPEC, cmd, data[2], want)
		}
	}
	return DecodeWord(data[0], data[1]), nil
}

// FileSource reads a plain-text temperature published by an external
// process. The file is opened once and re-read from the start each cycle.
type FileSource struct {
	path string
	f    *os.File
}

// NewFileSource opens path for reading.
func NewFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{path: path, f: f}, nil
}

// ReadTemperature implements Source.
func (s *FileSource) ReadTemperature() (float64, error) {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("mlx90614: seek %s: %w", s.path, err)
	}
	data, err := io.ReadAll(s.f)
	if err != nil {
		return 0, fmt.Errorf("mlx90614: read %s: %w", s.path, err)
	}
	temp, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("mlx90614: parse %s: %w", s.path, err)
	}
	if math.IsNaN(temp) || math.IsInf(temp, 0) {
		return 0, fmt.Errorf("%w: %s holds %v", ErrMalformed, s.path, temp)
	}
	return temp, nil
}

// Close closes the file.
func (s *FileSource) Close() error {
	return s.f.Close()
}
