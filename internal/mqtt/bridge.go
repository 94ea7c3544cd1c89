package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/blinds2mqtt/internal/covering"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	mqttOpenCmd  = "open"
	mqttCloseCmd = "close"
	mqttStopCmd  = "stop"
)

const (
	openState    = "open"
	closedState  = "closed"
	openingState = "opening"
	closingState = "closing"
)

// Blind is the covering surface the bridge exposes.
type Blind interface {
	Name() string
	Status() covering.Status
	OnUpdate(h covering.UpdateHandler)

	SetTarget(ctx context.Context, position int) error
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Bridge exposes a blind on MQTT topics for automation hosts.
type Bridge struct {
	mqtt  mqtt.Client
	blind Blind

	StateTopic    string
	PositionTopic string
	MetadataTopic string

	CommandTopic        string
	PositionChangeTopic string
}

func NewBridge(mqtt mqtt.Client, blind Blind) *Bridge {
	bridge := &Bridge{mqtt: mqtt, blind: blind}
	bridge.StateTopic = fmt.Sprintf("blinds2mqtt/%s/state", blind.Name())
	bridge.PositionTopic = fmt.Sprintf("blinds2mqtt/%s/position", blind.Name())
	bridge.MetadataTopic = fmt.Sprintf("blinds2mqtt/%s/metadata", blind.Name())
	bridge.CommandTopic = fmt.Sprintf("blinds2mqtt/%s/set", blind.Name())
	bridge.PositionChangeTopic = fmt.Sprintf("blinds2mqtt/%s/position/set", blind.Name())

	blind.OnUpdate(bridge.onUpdateHandler())

	return bridge
}

func (b *Bridge) SetMetadata(value interface{}) error {
	if value == nil {
		return nil
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	if token := b.mqtt.Publish(b.MetadataTopic, 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT metadata publish failed", b.blind.Name())
	}

	return nil
}

// Subscribe consumes the command topics until ctx is done and publishes the
// current status.
func (b *Bridge) Subscribe(ctx context.Context) error {
	if token := b.mqtt.Subscribe(b.CommandTopic, 0, b.onCommandHandler(ctx)); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT command topic subscription failed", b.blind.Name())
	}
	logrus.Infof("%s: MQTT command topic subscribed", b.blind.Name())
	if token := b.mqtt.Subscribe(b.PositionChangeTopic, 0, b.onPositionChangeHandler(ctx)); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT position change topic subscription failed", b.blind.Name())
	}
	logrus.Infof("%s: MQTT position change topic subscribed", b.blind.Name())

	go func() {
		<-ctx.Done()
		if token := b.mqtt.Unsubscribe(b.PositionChangeTopic, b.CommandTopic); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT topics unsubscribe failed: %s", b.blind.Name(), token.Error())
		}
	}()

	b.publish(b.blind.Status())

	return nil
}

func stateName(status covering.Status) string {
	switch status.State {
	case covering.StateIncreasing:
		return openingState
	case covering.StateDecreasing:
		return closingState
	}

	if status.Position == covering.ClosedPosition {
		return closedState
	}
	return openState
}

func (b *Bridge) onUpdateHandler() covering.UpdateHandler {
	return b.publish
}

// publish runs on the covering goroutine and must not wait for the broker.
func (b *Bridge) publish(status covering.Status) {
	state := b.mqtt.Publish(b.StateTopic, 0, true, stateName(status))
	position := b.mqtt.Publish(b.PositionTopic, 0, true, strconv.Itoa(status.Position))

	go func() {
		if state.Wait() && state.Error() != nil {
			logrus.Errorf("%s: MQTT state publish failed: %s", b.blind.Name(), state.Error())
		}
		if position.Wait() && position.Error() != nil {
			logrus.Errorf("%s: MQTT position publish failed: %s", b.blind.Name(), position.Error())
		}
	}()
}

func (b *Bridge) onCommandHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		var err error

		cmd := strings.TrimSpace(string(msg.Payload()))
		switch cmd {
		case mqttOpenCmd:
			err = b.blind.Open(ctx)
		case mqttCloseCmd:
			err = b.blind.Close(ctx)
		case mqttStopCmd:
			err = b.blind.Stop(ctx)
		default:
			logrus.Errorf("%s: MQTT unsupported %s command received", b.blind.Name(), cmd)
			return
		}

		if err != nil {
			logrus.Errorf("%s: MQTT %s command: %s", b.blind.Name(), cmd, err)
		}
	}
}

func (b *Bridge) onPositionChangeHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		pos, err := strconv.Atoi(strings.TrimSpace(string(msg.Payload())))
		if err != nil {
			logrus.Errorf("%s: MQTT invalid position %q received", b.blind.Name(), msg.Payload())
			return
		}
		if err := b.blind.SetTarget(ctx, pos); err != nil {
			logrus.Error(err)
		}
	}
}
