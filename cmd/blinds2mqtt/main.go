package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/brutella/hc"
	"github.com/brutella/hc/accessory"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/blinds2mqtt/internal/covering"
	"github.com/jkaflik/blinds2mqtt/internal/hap"
	"github.com/jkaflik/blinds2mqtt/internal/mqtt"
	"github.com/sirupsen/logrus"
)

var (
	bridgesMu sync.Mutex
	bridges   []*mqtt.Bridge
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: false,
		FullTimestamp: true,
	})

	configPath := flag.String("config", "config.yaml", "config.yaml file path")
	flag.Parse()

	if err := configLoader.Load(); err != nil {
		logrus.Fatal(err)
	}
	loadConfigFromYamlFile(*configPath)

	level, err := logrus.ParseLevel(Cfg.LogLevel)
	if err != nil {
		logrus.Fatal(err)
	}
	logrus.SetLevel(level)

	if err := validateConfig(); err != nil {
		logrus.Fatalf("invalid configuration: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	// hardware outlives the coverings, so they can stop their motors on shutdown
	hwCtx, hwCancel := context.WithCancel(context.Background())
	defer hwCancel()

	cfg := pahoOptsFromConfig()
	cfg.OnConnect = func(m paho.Client) {
		logrus.Info("MQTT broker connected")
		subscribe(ctx, m)
	}
	cfg.OnConnectionLost = func(_ paho.Client, err error) {
		logrus.Errorf("MQTT broker connection lost: %s", err.Error())
	}

	m := paho.NewClient(cfg)
	if token := m.Connect(); token.Wait() && token.Error() != nil {
		logrus.Fatal(token.Error())
	}

	registry := blindsFromConfig(hwCtx, m, storeFromConfig(m))

	bridgesMu.Lock()
	bridges = bridgesFromConfig(m, registry)
	bridgesMu.Unlock()
	subscribe(ctx, m)

	var transport hc.Transport
	if Cfg.HomeKit.Enabled {
		transport = homeKitFromConfig(ctx, registry)
		go transport.Start()
	}

	done := make(chan error, 1)
	go func() {
		done <- registry.Run(ctx)
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		oscall := <-c
		log.Printf("system call:%+v", oscall)
		cancel()
	}()

	<-ctx.Done()

	if err := <-done; err != nil {
		logrus.Error(err)
	}
	if transport != nil {
		<-transport.Stop()
	}

	logrus.Info("blinds stopped, disconnecting")
	m.Disconnect(250)
}

func subscribe(ctx context.Context, m paho.Client) {
	bridgesMu.Lock()
	defer bridgesMu.Unlock()

	for _, bridge := range bridges {
		if Cfg.HASS.Enabled {
			entity := mqtt.NewHACoverFromMQTTBridge(bridge)
			if err := mqtt.PublishHAAutoDiscovery(m, Cfg.HASS.TopicPrefix, entity); err != nil {
				logrus.Error(err)
			}
		}

		if err := bridge.Subscribe(ctx); err != nil {
			logrus.Error(err)
		}
	}
}

func homeKitFromConfig(ctx context.Context, registry *covering.Registry) hc.Transport {
	bridge := accessory.NewBridge(accessory.Info{
		Name:         "blinds2mqtt",
		Manufacturer: "blinds2mqtt",
	})

	var accessories []*accessory.Accessory
	for _, c := range registry.All() {
		wc := hap.NewWindowCovering(ctx, c, accessory.Info{
			Name:         c.Name(),
			Manufacturer: "blinds2mqtt",
			Model:        "time-estimated blind",
			SerialNumber: c.Name(),
		})
		accessories = append(accessories, wc.Accessory)
	}

	t, err := hc.NewIPTransport(hc.Config{
		Pin:         Cfg.HomeKit.Pin,
		Port:        Cfg.HomeKit.Port,
		StoragePath: Cfg.HomeKit.StoragePath,
	}, bridge.Accessory, accessories...)
	if err != nil {
		logrus.Fatal(err)
	}

	logrus.Infof("HomeKit bridge with %d blinds ready", len(accessories))
	return t
}
