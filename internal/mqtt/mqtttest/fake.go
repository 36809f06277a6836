// Package mqtttest provides an in-memory stand-in for the MQTT client.
package mqtttest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"vpdcalc/internal/mqtt"
)

// Message is a recorded publish.
type Message struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  string
}

// Messenger records publishes and routes Deliver calls to subscriptions.
// It implements mqtt.Messenger.
type Messenger struct {
	mu       sync.Mutex
	messages []Message
	retained map[string]string
	subs     map[string]mqtt.MessageHandler
	failing  bool
}

// NewMessenger returns an empty fake.
func NewMessenger() *Messenger {
	return &Messenger{
		retained: make(map[string]string),
		subs:     make(map[string]mqtt.MessageHandler),
	}
}

// Fail makes every following publish return an error until called with false.
func (m *Messenger) Fail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = fail
}

// PublishRaw implements mqtt.Messenger.
func (m *Messenger) PublishRaw(topic string, qos byte, retained bool, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failing {
		return errors.New("mqtttest: publish failed")
	}

	var s string
	switch p := payload.(type) {
	case string:
		s = p
	case []byte:
		s = string(p)
	default:
		s = fmt.Sprint(p)
	}

	m.messages = append(m.messages, Message{Topic: topic, QoS: qos, Retained: retained, Payload: s})
	if retained {
		if s == "" {
			delete(m.retained, topic)
		} else {
			m.retained[topic] = s
		}
	}
	return nil
}

// Subscribe implements mqtt.Messenger.
func (m *Messenger) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topic] = handler
	return nil
}

// Unsubscribe implements mqtt.Messenger.
func (m *Messenger) Unsubscribe(topics ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		delete(m.subs, t)
	}
	return nil
}

// Deliver sends payload to every matching subscription, synchronously.
func (m *Messenger) Deliver(topic, payload string) {
	m.mu.Lock()
	var handlers []mqtt.MessageHandler
	for filter, h := range m.subs {
		if Match(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(topic, []byte(payload))
	}
}

// Messages returns every recorded publish.
func (m *Messenger) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// On returns the publishes made on topic, in order.
func (m *Messenger) On(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// Retained returns the retained payload of topic.
func (m *Messenger) Retained(topic string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.retained[topic]
	return p, ok
}

// Subscribed reports whether a subscription for filter exists.
func (m *Messenger) Subscribed(filter string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[filter]
	return ok
}

// Reset forgets recorded publishes but keeps retained state and subscriptions.
func (m *Messenger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

// Match reports whether topic matches an MQTT filter with + and # wildcards.
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
