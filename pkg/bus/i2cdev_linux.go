//go:build linux

package bus

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	i2cMsgRead = 0x0001

	// I2C_RDWR from linux/i2c-dev.h
	i2cRdwr = 0x0707
)

// struct i2c_msg
type i2cMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	_     uint16
	buf   uintptr
}

// struct i2c_rdwr_ioctl_data
type i2cRdwrData struct {
	msgs  uintptr
	nmsgs uint32
}

// DevBus talks to a chip through /dev/i2c-N with combined I2C_RDWR
// transactions.
type DevBus struct {
	mu   sync.Mutex
	fd   int
	addr uint16
	path string
}

// OpenDev opens the i2c-dev node for cfg.
func OpenDev(cfg I2CConfig) (*DevBus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	path := cfg.DevPath()
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("bus: open %s: %w", path, err)
	}
	return &DevBus{fd: fd, addr: uint16(cfg.Address), path: path}, nil
}

// String returns the device path and address.
func (d *DevBus) String() string {
	return fmt.Sprintf("%s(0x%02x)", d.path, d.addr)
}

// ReadRegister implements RegisterBus.
func (d *DevBus) ReadRegister(reg byte, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("bus: invalid read length %d", n)
	}
	w := []byte{reg}
	r := make([]byte, n)
	msgs := []i2cMsg{
		{addr: d.addr, len: 1, buf: uintptr(unsafe.Pointer(&w[0]))},
		{addr: d.addr, flags: i2cMsgRead, len: uint16(n), buf: uintptr(unsafe.Pointer(&r[0]))},
	}
	if err := d.rdwr(msgs); err != nil {
		return nil, fmt.Errorf("bus: read reg 0x%02x: %w", reg, err)
	}
	runtime.KeepAlive(w)
	runtime.KeepAlive(r)
	return r, checkLen(r, n)
}

// WriteRegister implements RegisterBus.
func (d *DevBus) WriteRegister(reg byte, data []byte) error {
	w := append([]byte{reg}, data...)
	msgs := []i2cMsg{
		{addr: d.addr, len: uint16(len(w)), buf: uintptr(unsafe.Pointer(&w[0]))},
	}
	if err := d.rdwr(msgs); err != nil {
		return fmt.Errorf("bus: write reg 0x%02x: %w", reg, err)
	}
	runtime.KeepAlive(w)
	return nil
}

func (d *DevBus) rdwr(msgs []i2cMsg) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd < 0 {
		return ErrClosed
	}
	data := i2cRdwrData{
		msgs:  uintptr(unsafe.Pointer(&msgs[0])),
		nmsgs: uint32(len(msgs)),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uintptr(i2cRdwr), uintptr(unsafe.Pointer(&data)))
	runtime.KeepAlive(msgs)
	if errno != 0 {
		return errno
	}
	return nil
}

// Close closes the device node.
func (d *DevBus) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
