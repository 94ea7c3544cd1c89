package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/jkaflik/blinds2mqtt/internal/covering"
	"github.com/jkaflik/blinds2mqtt/internal/mqtt"
	"github.com/jkaflik/blinds2mqtt/internal/relay"
	"github.com/jkaflik/blinds2mqtt/internal/store"
	"github.com/pkg/errors"
	"github.com/racerxdl/go-mcp23017"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

const (
	commandKindMQTT   = "mqtt"
	commandKindRelays = "relays"

	storeKindFile   = "file"
	storeKindMQTT   = "mqtt"
	storeKindMemory = "memory"
)

type cfgWiredRelaySetPin struct {
	Kind string `yaml:"kind"`

	Pin uint8 `yaml:"pin"`

	Mcp23017 int `yaml:"mcp23017"`
}

type cfgRelay struct {
	Kind string `yaml:"kind"`

	Pin          cfgWiredRelaySetPin `yaml:"pin"`
	NormalClosed bool                `yaml:"normal_closed"`
}

type cfgRoute struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload"`
}

func (r cfgRoute) route() mqtt.Route {
	return mqtt.Route{Topic: r.Topic, Payload: r.Payload}
}

type cfgCommand struct {
	Kind string `yaml:"kind"`

	QoS  byte     `yaml:"qos"`
	Up   cfgRoute `yaml:"up"`
	Down cfgRoute `yaml:"down"`
	Stop cfgRoute `yaml:"stop"`

	Relays struct {
		Up   cfgRelay `yaml:"up"`
		Down cfgRelay `yaml:"down"`
	} `yaml:"relays"`
}

type cfgBlindMQTTBridge struct {
	Metadata map[string]interface{} `yaml:"metadata"`
}

type cfgBlind struct {
	Name string `yaml:"name"`

	DurationUpMs    int `yaml:"duration_up_ms"`
	DurationDownMs  int `yaml:"duration_down_ms"`
	EndStopOffsetMs int `yaml:"end_stop_offset_ms"`

	Command cfgCommand `yaml:"command"`

	MQTTBridge cfgBlindMQTTBridge `yaml:"mqtt_bridge"`
}

func (c cfgBlind) coveringConfig() covering.Config {
	return covering.Config{
		Name:          c.Name,
		DurationUp:    time.Duration(c.DurationUpMs) * time.Millisecond,
		DurationDown:  time.Duration(c.DurationDownMs) * time.Millisecond,
		EndStopOffset: time.Duration(c.EndStopOffsetMs) * time.Millisecond,
	}
}

func (c cfgBlind) commandKind() string {
	if c.Command.Kind == "" {
		return commandKindMQTT
	}
	return c.Command.Kind
}

type cfgDrivers struct {
	Relay struct {
		Mcp23017 map[int]struct {
			Bus          uint8 `yaml:"bus" default:"1"`
			DeviceNumber uint8 `yaml:"device_number" default:"0"`
		} `yaml:"mcp23017"`
	} `yaml:"relay"`
}

type cfgMQTT struct {
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`
	Broker   string `yaml:"broker" default:"127.0.0.1:1883" env:"BROKER"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
}

type cfgHASS struct {
	Enabled     bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	TopicPrefix string `yaml:"topic_prefix" default:"homeassistant" env:"TOPIC_PREFIX"`
}

type cfgHomeKit struct {
	Enabled     bool   `yaml:"enabled" default:"false" env:"ENABLED"`
	Pin         string `yaml:"pin" default:"00102003" env:"PIN"`
	Port        string `yaml:"port" env:"PORT"`
	StoragePath string `yaml:"storage_path" default:"homekit" env:"STORAGE_PATH"`
}

type cfgStore struct {
	Kind           string        `yaml:"kind" default:"file" env:"KIND"`
	Path           string        `yaml:"path" default:"positions" env:"PATH"`
	TopicPrefix    string        `yaml:"topic_prefix" default:"blinds2mqtt" env:"TOPIC_PREFIX"`
	RestoreTimeout time.Duration `yaml:"restore_timeout" default:"2s" env:"RESTORE_TIMEOUT"`
}

var Cfg struct {
	LogLevel string `yaml:"log_level" default:"info" env:"LOG_LEVEL"`

	MQTT    cfgMQTT    `yaml:"mqtt" env:"MQTT"`
	HASS    cfgHASS    `yaml:"hass" env:"HASS"`
	HomeKit cfgHomeKit `yaml:"homekit" env:"HOMEKIT"`
	Store   cfgStore   `yaml:"store" env:"STORE"`

	Blinds []cfgBlind `yaml:"blinds"`

	Drivers cfgDrivers `yaml:"drivers"`
}

var configLoader = aconfig.LoaderFor(&Cfg, aconfig.Config{
	EnvPrefix: "B2M",
	SkipFlags: true,
	SkipFiles: true,
})

func loadConfigFromYamlFile(filename string) {
	f, err := os.Open(filename)
	if err != nil {
		logrus.Error(err)
		return
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&Cfg); err != nil {
		logrus.Fatal(err)
	}
}

// validateConfig reports every configuration problem at once.
func validateConfig() error {
	var err error

	switch Cfg.Store.Kind {
	case storeKindFile, storeKindMQTT, storeKindMemory:
	default:
		err = multierr.Append(err, errors.Errorf("%s is not supported store kind", Cfg.Store.Kind))
	}

	if len(Cfg.Blinds) == 0 {
		err = multierr.Append(err, errors.New("no blinds configured"))
	}

	names := map[string]bool{}
	for i, blind := range Cfg.Blinds {
		if blind.Name != "" && names[blind.Name] {
			err = multierr.Append(err, errors.Errorf("%s: blind defined more than once", blind.Name))
		}
		names[blind.Name] = true

		if cfgErr := blind.coveringConfig().Validate(); cfgErr != nil {
			err = multierr.Append(err, errors.Wrapf(cfgErr, "blinds[%d]", i))
		}

		switch blind.commandKind() {
		case commandKindMQTT:
			for dir, r := range map[string]cfgRoute{"up": blind.Command.Up, "down": blind.Command.Down, "stop": blind.Command.Stop} {
				if r.Topic == "" {
					err = multierr.Append(err, errors.Errorf("%s: command.%s.topic is required", blind.Name, dir))
				}
			}
		case commandKindRelays:
		default:
			err = multierr.Append(err, errors.Errorf("%s: %s is not supported command kind", blind.Name, blind.Command.Kind))
		}
	}

	return err
}

func mqttClientID() string {
	if Cfg.MQTT.ClientID != "" {
		return Cfg.MQTT.ClientID
	}
	return fmt.Sprintf("blinds2mqtt_%s", uuid.NewString()[:8])
}

func pahoOptsFromConfig() *paho.ClientOptions {
	return paho.NewClientOptions().
		SetClientID(mqttClientID()).
		AddBroker(Cfg.MQTT.Broker).
		SetUsername(Cfg.MQTT.Username).
		SetPassword(Cfg.MQTT.Password).
		SetConnectTimeout(time.Second).
		SetPingTimeout(time.Second).
		SetWriteTimeout(time.Second).
		SetAutoReconnect(true)
}

func storeFromConfig(client paho.Client) covering.Store {
	switch Cfg.Store.Kind {
	case storeKindMQTT:
		return store.NewMQTT(client, Cfg.Store.TopicPrefix, Cfg.Store.RestoreTimeout)
	case storeKindMemory:
		logrus.Warn("memory store configured, positions are lost on restart")
		return store.NewMemory()
	}

	s, err := store.NewFile(Cfg.Store.Path)
	if err != nil {
		logrus.Fatal(err)
	}
	return s
}

func blindsFromConfig(ctx context.Context, client paho.Client, s covering.Store) *covering.Registry {
	registry := covering.NewRegistry()

	for _, cfg := range Cfg.Blinds {
		c, err := covering.New(cfg.coveringConfig(), commanderFromConfig(ctx, client, cfg), s)
		if err != nil {
			logrus.Fatal(err)
		}
		if err := registry.Add(c); err != nil {
			logrus.Fatal(err)
		}
	}

	return registry
}

func bridgesFromConfig(client paho.Client, registry *covering.Registry) (bridges []*mqtt.Bridge) {
	for _, cfg := range Cfg.Blinds {
		c, ok := registry.Get(cfg.Name)
		if !ok {
			continue
		}

		bridge := mqtt.NewBridge(client, c)
		if err := bridge.SetMetadata(cfg.MQTTBridge.Metadata); err != nil {
			logrus.Error(err)
		}
		bridges = append(bridges, bridge)
	}

	return bridges
}

func commanderFromConfig(ctx context.Context, client paho.Client, cfg cfgBlind) covering.Commander {
	if cfg.commandKind() == commandKindRelays {
		return relay.NewCommander(
			cfg.Name,
			relayFromConfig(ctx, cfg.Name+"_up", cfg.Command.Relays.Up),
			relayFromConfig(ctx, cfg.Name+"_down", cfg.Command.Relays.Down),
		)
	}

	cmd, err := mqtt.NewCommander(client, cfg.Name, cfg.Command.Up.route(), cfg.Command.Down.route(), cfg.Command.Stop.route())
	if err != nil {
		logrus.Fatal(err)
	}
	cmd.QoS = cfg.Command.QoS

	return cmd
}

func relayFromConfig(ctx context.Context, name string, cfg cfgRelay) relay.Relay {
	if cfg.Kind == "wired" {
		return &relay.Wired{
			Pin:          wiredRelaySetPinFromConfig(ctx, cfg.Pin),
			NormalClosed: cfg.NormalClosed,
		}
	}

	if cfg.Kind == "dumb" {
		return &relay.Dumb{Name: name}
	}

	logrus.Fatalf("%s is not supported relay kind", cfg.Kind)
	return nil
}

func wiredRelaySetPinFromConfig(ctx context.Context, cfg cfgWiredRelaySetPin) relay.SetPin {
	if cfg.Kind == "mcp23017" {
		device := mcp23017DeviceFromConfigByID(ctx, cfg.Mcp23017)

		p, err := relay.NewMcp23017Pin(device, cfg.Pin)
		if err != nil {
			logrus.Fatal(err)
		}
		return p
	}

	logrus.Fatalf("%s is not supported wired relay set pin kind", cfg.Kind)
	return nil
}

var mcpDevices = map[int]*mcp23017.Device{}

func mcp23017DeviceFromConfigByID(ctx context.Context, id int) *mcp23017.Device {
	if Cfg.Drivers.Relay.Mcp23017 == nil {
		logrus.Fatal("drivers.relay.mcp23017 not defined")
	}

	cfg, found := Cfg.Drivers.Relay.Mcp23017[id]
	if !found {
		logrus.Fatalf("%d is not valid defined drivers.relay.mcp23017", id)
		return nil
	}

	dev := mcpDevices[id]
	if dev == nil {
		var err error
		dev, err = mcp23017.Open(cfg.Bus, cfg.DeviceNumber)
		if err != nil {
			logrus.Fatal(err)
		}
		go func() {
			<-ctx.Done()
			if err := dev.Close(); err != nil {
				logrus.Errorf("mcp23017: close failed %s", err)
				return
			}

			logrus.Infof("mcp23017: close")
		}()
		if err := dev.Reset(); err != nil {
			logrus.Fatal(err)
		}

		mcpDevices[id] = dev
	}

	return dev
}
