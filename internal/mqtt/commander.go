package mqtt

import (
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/blinds2mqtt/internal/covering"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Route is the topic and payload published for one motor command.
type Route struct {
	Topic   string
	Payload string
}

// Commander publishes motor commands. Publishing is fire-and-forget: delivery
// failures are logged once the broker answers and never reach the covering.
type Commander struct {
	client paho.Client
	name   string

	up, down, stop Route

	QoS     byte
	Timeout time.Duration
}

func NewCommander(client paho.Client, name string, up, down, stop Route) (*Commander, error) {
	for dir, r := range map[covering.Direction]Route{covering.DirectionUp: up, covering.DirectionDown: down, covering.DirectionStop: stop} {
		if r.Topic == "" {
			return nil, errors.Errorf("%s: MQTT topic for %s command is required", name, dir)
		}
	}

	return &Commander{client: client, name: name, up: up, down: down, stop: stop, Timeout: 5 * time.Second}, nil
}

// Route resolves the route of a command. Unknown commands resolve to stop.
func (c *Commander) Route(dir covering.Direction) Route {
	switch dir {
	case covering.DirectionUp:
		return c.up
	case covering.DirectionDown:
		return c.down
	default:
		return c.stop
	}
}

func (c *Commander) Send(dir covering.Direction) error {
	r := c.Route(dir)
	token := c.client.Publish(r.Topic, c.QoS, false, r.Payload)

	go func() {
		if !token.WaitTimeout(c.Timeout) {
			logrus.Warnf("%s: MQTT %s command not acknowledged within %s", c.name, dir, c.Timeout)
			return
		}
		if err := token.Error(); err != nil {
			logrus.Errorf("%s: MQTT %s command publish failed: %s", c.name, dir, err)
		}
	}()

	return nil
}
