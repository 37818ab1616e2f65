//go:build !linux

package bus

import "errors"

// DevBus is only available on Linux.
type DevBus struct{}

// OpenDev always fails on this platform.
func OpenDev(cfg I2CConfig) (*DevBus, error) {
	return nil, errors.New("bus: i2c-dev is only supported on linux")
}

func (d *DevBus) ReadRegister(reg byte, n int) ([]byte, error) { return nil, ErrClosed }
func (d *DevBus) WriteRegister(reg byte, data []byte) error    { return ErrClosed }
func (d *DevBus) Close() error                                 { return nil }
