package relay

import (
	"sync"

	"github.com/racerxdl/go-mcp23017"
)

type Mcp23017Pin struct {
	device *mcp23017.Device
	pin    uint8
}

func NewMcp23017Pin(device *mcp23017.Device, pin uint8) (p *Mcp23017Pin, err error) {
	p = &Mcp23017Pin{}
	p.device = device
	p.pin = pin
	err = p.device.PinMode(pin, mcp23017.OUTPUT)
	return p, err
}

func (m *Mcp23017Pin) High() error {
	return m.device.DigitalWrite(m.pin, mcp23017.HIGH)
}

func (m *Mcp23017Pin) Low() error {
	return m.device.DigitalWrite(m.pin, mcp23017.LOW)
}

type SetPin interface {
	High() error
	Low() error
}

// Wired switches a relay through an output pin. Relay boards are usually
// active low, NormalClosed inverts that.
type Wired struct {
	Pin          SetPin
	NormalClosed bool

	mu        sync.Mutex
	isEnabled bool
}

func (p *Wired) On() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if !p.NormalClosed {
		err = p.Pin.Low()
	} else {
		err = p.Pin.High()
	}
	if err != nil {
		return err
	}

	p.isEnabled = true
	return nil
}

func (p *Wired) Off() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if !p.NormalClosed {
		err = p.Pin.High()
	} else {
		err = p.Pin.Low()
	}
	if err != nil {
		return err
	}

	p.isEnabled = false
	return nil
}

func (p *Wired) IsEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.isEnabled
}
