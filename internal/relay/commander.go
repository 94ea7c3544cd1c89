package relay

import (
	"sync"

	"github.com/jkaflik/blinds2mqtt/internal/covering"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Commander drives a motor with one relay per direction. The opposite relay is
// always released before a relay is switched on, so both are never on at once.
type Commander struct {
	name string

	mu   sync.Mutex
	up   Relay
	down Relay
}

func NewCommander(name string, up, down Relay) *Commander {
	return &Commander{name: name, up: up, down: down}
}

func (c *Commander) Send(dir covering.Direction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	logrus.Debugf("%s: relays %s", c.name, dir)

	switch dir {
	case covering.DirectionUp:
		return c.switchOn(c.up, c.down)
	case covering.DirectionDown:
		return c.switchOn(c.down, c.up)
	default:
		return c.release()
	}
}

func (c *Commander) switchOn(on, off Relay) error {
	if err := off.Off(); err != nil {
		// never risk both relays on
		return errors.Wrapf(err, "%s: release opposite relay", c.name)
	}
	if err := on.On(); err != nil {
		return errors.Wrapf(err, "%s: enable relay", c.name)
	}
	return nil
}

func (c *Commander) release() error {
	return multierr.Combine(
		errors.Wrapf(c.up.Off(), "%s: release up relay", c.name),
		errors.Wrapf(c.down.Off(), "%s: release down relay", c.name),
	)
}
