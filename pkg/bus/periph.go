package bus

import (
	"fmt"
	"io"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

var hostInit = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// PeriphBus is a RegisterBus on top of a periph.io I2C bus.
type PeriphBus struct {
	mu     sync.Mutex
	dev    *i2c.Dev
	closer io.Closer
	closed bool
}

// OpenPeriph initialises the periph host drivers and opens cfg.Bus. An
// empty bus name selects the first registered bus.
func OpenPeriph(cfg I2CConfig) (*PeriphBus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := hostInit(); err != nil {
		return nil, fmt.Errorf("bus: periph host init: %w", err)
	}
	b, err := i2creg.Open(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("bus: open %q: %w", cfg.Bus, err)
	}
	pb := NewPeriph(b, uint16(cfg.Address))
	pb.closer = b
	return pb, nil
}

// NewPeriph wraps an already open bus. The caller keeps ownership of b.
func NewPeriph(b i2c.Bus, addr uint16) *PeriphBus {
	return &PeriphBus{dev: &i2c.Dev{Bus: b, Addr: addr}}
}

// String returns the bus and address.
func (p *PeriphBus) String() string {
	return p.dev.String()
}

// ReadRegister implements RegisterBus.
func (p *PeriphBus) ReadRegister(reg byte, n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	r := make([]byte, n)
	if err := p.dev.Tx([]byte{reg}, r); err != nil {
		return nil, fmt.Errorf("bus: read reg 0x%02x: %w", reg, err)
	}
	return r, nil
}

// WriteRegister implements RegisterBus.
func (p *PeriphBus) WriteRegister(reg byte, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	w := append([]byte{reg}, data...)
	if _, err := p.dev.Write(w); err != nil {
		return fmt.Errorf("bus: write reg 0x%02x: %w", reg, err)
	}
	return nil
}

// Close releases the bus if OpenPeriph opened it.
func (p *PeriphBus) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}
