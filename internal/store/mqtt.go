package store

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MQTT keeps positions as retained messages on the broker. Positions of all
// coverings are restored through one wildcard subscription, so every Get
// shares the same restore window.
type MQTT struct {
	client      paho.Client
	topicPrefix string
	timeout     time.Duration

	restoreOnce sync.Once
	restoreErr  error
	deadline    time.Time

	mu       sync.Mutex
	payloads map[string][]byte
	arrived  chan struct{}
}

// NewMQTT creates a store keeping positions on <topicPrefix>/<name>/position.
// Retained positions are collected for timeout after the first Get.
func NewMQTT(client paho.Client, topicPrefix string, timeout time.Duration) *MQTT {
	return &MQTT{
		client:      client,
		topicPrefix: topicPrefix,
		timeout:     timeout,
		payloads:    map[string][]byte{},
		arrived:     make(chan struct{}),
	}
}

func (m *MQTT) Topic(name string) string {
	return fmt.Sprintf("%s/%s/position", m.topicPrefix, name)
}

func (m *MQTT) restoreTopic() string {
	return m.Topic("+")
}

func (m *MQTT) nameOf(topic string) string {
	return strings.TrimSuffix(strings.TrimPrefix(topic, m.topicPrefix+"/"), "/position")
}

func (m *MQTT) restore() {
	topic := m.restoreTopic()

	m.mu.Lock()
	m.deadline = time.Now().Add(m.timeout)
	m.mu.Unlock()

	if token := m.client.Subscribe(topic, 1, m.onRestoreHandler()); token.Wait() && token.Error() != nil {
		m.restoreErr = errors.Wrap(token.Error(), "MQTT position restore topic subscription failed")
		return
	}
	logrus.Debugf("MQTT position restore topic %s subscribed", topic)

	time.AfterFunc(m.timeout, func() {
		if token := m.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
			logrus.Errorf("MQTT position restore topic unsubscribe failed: %s", token.Error())
			return
		}
		logrus.Debugf("MQTT position restore topic %s unsubscribed", topic)
	})
}

func (m *MQTT) onRestoreHandler() paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		m.mu.Lock()
		defer m.mu.Unlock()

		m.payloads[m.nameOf(msg.Topic())] = msg.Payload()
		close(m.arrived)
		m.arrived = make(chan struct{})
	}
}

func (m *MQTT) Get(name string) (int, error) {
	m.restoreOnce.Do(m.restore)
	if m.restoreErr != nil {
		return 0, errors.Wrap(m.restoreErr, name)
	}

	for {
		m.mu.Lock()
		payload, ok := m.payloads[name]
		arrived, remaining := m.arrived, time.Until(m.deadline)
		m.mu.Unlock()

		if ok {
			position, err := strconv.Atoi(strings.TrimSpace(string(payload)))
			if err != nil {
				return 0, errors.Wrapf(err, "%s: MQTT position restore", name)
			}
			return position, nil
		}
		if remaining <= 0 {
			return 0, errors.Wrap(ErrNotFound, name)
		}

		select {
		case <-arrived:
		case <-time.After(remaining):
		}
	}
}

// Set publishes the position without waiting for the broker.
func (m *MQTT) Set(name string, position int) error {
	topic := m.Topic(name)
	token := m.client.Publish(topic, 1, true, strconv.Itoa(position))

	go func() {
		if token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT position publish failed: %s", name, token.Error())
		}
	}()

	return nil
}
