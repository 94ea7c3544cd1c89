// Package mqtttest provides an in-memory paho client for tests.
package mqtttest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  string
}

// Client records publishes and subscriptions. Retained messages matching a
// subscription filter are handed to the subscriber on Subscribe, like a broker
// does. Methods not overridden here panic through the nil embedded interface.
type Client struct {
	paho.Client

	PublishErr   error
	SubscribeErr error

	mu        sync.Mutex
	published []Published
	retained  map[string]string
	handlers  map[string]paho.MessageHandler
}

func NewClient() *Client {
	return &Client{
		retained: map[string]string{},
		handlers: map[string]paho.MessageHandler{},
	}
}

func (c *Client) IsConnected() bool {
	return true
}

func (c *Client) IsConnectionOpen() bool {
	return true
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	p := Published{Topic: topic, QoS: qos, Retained: retained, Payload: payloadString(payload)}

	c.mu.Lock()
	c.published = append(c.published, p)
	if retained && c.PublishErr == nil {
		c.retained[topic] = p.Payload
	}
	c.mu.Unlock()

	return &Token{err: c.PublishErr}
}

func (c *Client) Subscribe(topic string, _ byte, callback paho.MessageHandler) paho.Token {
	if c.SubscribeErr != nil {
		return &Token{err: c.SubscribeErr}
	}

	c.mu.Lock()
	c.handlers[topic] = callback
	var matching []*Message
	for retainedTopic, payload := range c.retained {
		if Match(topic, retainedTopic) {
			matching = append(matching, &Message{topic: retainedTopic, payload: []byte(payload), retained: true})
		}
	}
	c.mu.Unlock()

	if callback != nil {
		for _, msg := range matching {
			callback(c, msg)
		}
	}

	return &Token{}
}

func (c *Client) Unsubscribe(topics ...string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, topic := range topics {
		delete(c.handlers, topic)
	}
	return &Token{}
}

// Retain stores a retained message as if another client had published it.
func (c *Client) Retain(topic, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.retained[topic] = payload
}

// Deliver hands a message to every subscriber whose filter matches topic. It
// reports false when nothing is subscribed.
func (c *Client) Deliver(topic, payload string) bool {
	var callbacks []paho.MessageHandler

	c.mu.Lock()
	for filter, callback := range c.handlers {
		if callback != nil && Match(filter, topic) {
			callbacks = append(callbacks, callback)
		}
	}
	c.mu.Unlock()

	for _, callback := range callbacks {
		callback(c, &Message{topic: topic, payload: []byte(payload)})
	}
	return len(callbacks) > 0
}

// Match reports whether topic matches a subscription filter with + and #
// wildcards.
func Match(filter, topic string) bool {
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	for i, level := range filterLevels {
		if level == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != "+" && level != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}

func (c *Client) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.handlers[topic]
	return ok
}

func (c *Client) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Published(nil), c.published...)
}

// PublishedTo returns the payloads published to topic, oldest first.
func (c *Client) PublishedTo(topic string) []string {
	var payloads []string
	for _, p := range c.Published() {
		if p.Topic == topic {
			payloads = append(payloads, p.Payload)
		}
	}
	return payloads
}

func payloadString(payload interface{}) string {
	switch p := payload.(type) {
	case string:
		return p
	case []byte:
		return string(p)
	default:
		return fmt.Sprint(p)
	}
}

// Token is an already completed token.
type Token struct {
	err error
}

func NewToken(err error) *Token {
	return &Token{err: err}
}

func (t *Token) Wait() bool {
	return true
}

func (t *Token) WaitTimeout(time.Duration) bool {
	return true
}

func (t *Token) Done() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

func (t *Token) Error() error {
	return t.err
}

type Message struct {
	topic    string
	payload  []byte
	retained bool
}

func (m *Message) Duplicate() bool {
	return false
}

func (m *Message) Qos() byte {
	return 0
}

func (m *Message) Retained() bool {
	return m.retained
}

func (m *Message) Topic() string {
	return m.topic
}

func (m *Message) MessageID() uint16 {
	return 0
}

func (m *Message) Payload() []byte {
	return m.payload
}

func (m *Message) Ack() {}
