// Register bus access for I2C/SMBus sensors
//
// A RegisterBus issues register-addressed reads and writes to one chip.
// Two backends are provided: periph.io (any bus the periph host drivers
// know about) and the Linux i2c-dev character device.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package bus

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// RegisterBus reads and writes chip registers.
type RegisterBus interface {
	// ReadRegister writes reg and reads n bytes with a repeated start.
	ReadRegister(reg byte, n int) ([]byte, error)
	// WriteRegister writes reg followed by data.
	WriteRegister(reg byte, data []byte) error
	Close() error
}

var (
	// ErrShortRead is returned when the chip returned fewer bytes than
	// requested.
	ErrShortRead = errors.New("bus: short read")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus: closed")
)

// I2CConfig holds configuration for an I2C connection.
type I2CConfig struct {
	// Bus is a periph bus name ("1", "I2C1") or an i2c-dev path
	// ("/dev/i2c-1").
	Bus     string
	Address int
}

// Validate checks the chip address.
func (c I2CConfig) Validate() error {
	if c.Address < 0 || c.Address > 127 {
		return fmt.Errorf("i2c_address must be 0-127, got %d", c.Address)
	}
	return nil
}

// DevPath maps a bus name to its i2c-dev device node. Bare numbers map to
// /dev/i2c-N; anything else is used as given.
func (c I2CConfig) DevPath() string {
	name := strings.TrimSpace(c.Bus)
	if name == "" {
		name = "1"
	}
	if _, err := strconv.Atoi(name); err == nil {
		return "/dev/i2c-" + name
	}
	return name
}

func checkLen(got []byte, want int) error {
	if len(got) < want {
		return fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, len(got), want)
	}
	return nil
}
