package mqtt

import (
	"encoding/json"
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/blinds2mqtt/internal/covering"
	"github.com/pkg/errors"
)

type haDevice struct {
	Identifiers  []string `json:"ids,omitempty"`
	Manufacturer string   `json:"mf,omitempty"`
	Model        string   `json:"mdl,omitempty"`
	Name         string   `json:"name,omitempty"`
	SWVersion    string   `json:"sw,omitempty"`
}

type haEntity struct {
	UniqueID    string `json:"uniq_id,omitempty"`
	Name        string `json:"name,omitempty"`
	DeviceClass string `json:"device_class,omitempty"`

	Device haDevice `json:"device,omitempty"`
}

type haCover struct {
	haEntity
	StateTopic       string `json:"stat_t"`
	CommandTopic     string `json:"cmd_t"`
	PositionTopic    string `json:"pos_t"`
	SetPositionTopic string `json:"set_pos_t"`
	PositionOpen     int    `json:"pos_open"`
	PositionClosed   int    `json:"pos_clsd"`
	PayloadOpen      string `json:"pl_open"`
	PayloadStop      string `json:"pl_stop"`
	PayloadClose     string `json:"pl_cls"`
	StateOpen        string `json:"stat_open"`
	StateOpening     string `json:"stat_opening"`
	StateClosed      string `json:"stat_clsd"`
	StateClosing     string `json:"stat_closing"`
}

func NewHACoverFromMQTTBridge(bridge *Bridge) haCover {
	name := bridge.blind.Name()

	return haCover{
		haEntity: haEntity{
			UniqueID:    "blinds2mqtt_" + name,
			Name:        name,
			DeviceClass: "blind",

			Device: haDevice{
				Identifiers:  []string{"blinds2mqtt_" + name},
				Manufacturer: "blinds2mqtt",
				Model:        "time-estimated blind",
				Name:         name,
				SWVersion:    "blinds2mqtt",
			},
		},
		StateTopic:       bridge.StateTopic,
		CommandTopic:     bridge.CommandTopic,
		PositionTopic:    bridge.PositionTopic,
		SetPositionTopic: bridge.PositionChangeTopic,
		PositionOpen:     covering.OpenPosition,
		PositionClosed:   covering.ClosedPosition,
		PayloadOpen:      mqttOpenCmd,
		PayloadStop:      mqttStopCmd,
		PayloadClose:     mqttCloseCmd,
		StateOpen:        openState,
		StateOpening:     openingState,
		StateClosed:      closedState,
		StateClosing:     closingState,
	}
}

func (c haCover) Topic(prefix string) string {
	return fmt.Sprintf("%s/cover/blinds2mqtt/%s/config", prefix, c.Name)
}

func PublishHAAutoDiscovery(client paho.Client, homeAssistantDiscoveryTopicPrefix string, haCover haCover) error {
	payload, err := json.Marshal(haCover)
	if err != nil {
		return err
	}

	if token := client.Publish(haCover.Topic(homeAssistantDiscoveryTopicPrefix), 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT Home Assistant discovery publish failed", haCover.Name)
	}

	return nil
}
