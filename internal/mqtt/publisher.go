package mqtt

import (
	"encoding/json"
	"errors"
	"log"
	"strconv"

	"vpdcalc/internal/metrics"
)

// stateQoS is used for state, availability and attribute messages
const stateQoS = 0

// Publisher publishes calculator state messages and counts them
type Publisher struct {
	messenger Messenger
	logger    *log.Logger
	metrics   *metrics.Metrics
}

// NewPublisher creates a new Publisher instance
func NewPublisher(messenger Messenger, m *metrics.Metrics, logger *log.Logger) *Publisher {
	return &Publisher{
		messenger: messenger,
		logger:    logger,
		metrics:   m,
	}
}

// PublishAvailability publishes "online" or "offline", retained
func (p *Publisher) PublishAvailability(topic string, available bool) error {
	payload := PayloadOffline
	if available {
		payload = PayloadOnline
	}
	return p.publish("availability", topic, true, payload)
}

// PublishNumber publishes a float in its shortest decimal form, retained
func (p *Publisher) PublishNumber(kind, topic string, value float64) error {
	return p.publish(kind, topic, true, FormatNumber(value))
}

// PublishJSON marshals v and publishes it, retained
func (p *Publisher) PublishJSON(kind, topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		if p.logger != nil {
			p.logger.Printf("[MQTT Publisher] Failed to marshal %s: %v", kind, err)
		}
		return err
	}
	return p.publish(kind, topic, true, payload)
}

// ClearRetained publishes an empty retained message on every topic
func (p *Publisher) ClearRetained(topics ...string) error {
	var errs []error
	for _, topic := range topics {
		if err := p.publish("clear", topic, true, ""); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) publish(kind, topic string, retained bool, payload interface{}) error {
	err := p.messenger.PublishRaw(topic, stateQoS, retained, payload)
	p.metrics.IncPublish(kind, err)
	if err != nil && p.logger != nil {
		p.logger.Printf("[MQTT Publisher] Failed to publish %s to %s: %v", kind, topic, err)
	}
	return err
}

// FormatNumber renders v without trailing zeros, e.g. 1.2 rather than 1.20
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
