package hass

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"vpdcalc/internal/mqtt"
)

// Statestream is a StateSource fed by the mqtt_statestream integration.
// Home Assistant publishes <base>/<domain>/<object_id>/state and, with
// publish_attributes enabled, one topic per attribute.
type Statestream struct {
	*Tracker

	messenger mqtt.Messenger
	base      string
	logger    *log.Logger
	now       func() time.Time

	mu          sync.Mutex
	deviceClass map[string]string
	subscribed  []string
}

// NewStatestream creates a source reading statestream topics under base
func NewStatestream(messenger mqtt.Messenger, base string, logger *log.Logger) *Statestream {
	return &Statestream{
		Tracker:     NewTracker(),
		messenger:   messenger,
		base:        strings.TrimRight(base, "/"),
		logger:      logger,
		now:         time.Now,
		deviceClass: make(map[string]string),
	}
}

// Start subscribes to the state and device_class topics.
// Subscriptions survive broker reconnects.
func (s *Statestream) Start() error {
	filters := []string{
		s.base + "/+/+/state",
		s.base + "/+/+/device_class",
	}
	for _, f := range filters {
		if err := s.messenger.Subscribe(f, 0, s.handle); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", f, err)
		}
	}

	s.mu.Lock()
	s.subscribed = filters
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Printf("[HASS] Reading states from statestream topics under %s", s.base)
	}
	return nil
}

// Stop removes the subscriptions
func (s *Statestream) Stop() error {
	s.mu.Lock()
	filters := s.subscribed
	s.subscribed = nil
	s.mu.Unlock()

	if len(filters) == 0 {
		return nil
	}
	return s.messenger.Unsubscribe(filters...)
}

// Connected reports whether the statestream topics are subscribed
func (s *Statestream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribed) > 0
}

func (s *Statestream) handle(topic string, payload []byte) {
	entityID, leaf, ok := s.parseTopic(topic)
	if !ok {
		return
	}

	switch leaf {
	case "state":
		s.handleState(entityID, string(payload))
	case "device_class":
		s.handleDeviceClass(entityID, payload)
	}
}

// parseTopic splits <base>/<domain>/<object_id>/<leaf>
func (s *Statestream) parseTopic(topic string) (entityID, leaf string, ok bool) {
	rest, found := strings.CutPrefix(topic, s.base+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0] + "." + parts[1], parts[2], true
}

func (s *Statestream) handleState(entityID, value string) {
	// An empty retained payload means the entity was removed
	if value == "" {
		if _, exists := s.State(entityID); exists {
			s.Dispatch(StateChangedEvent{EntityID: entityID})
		}
		return
	}

	next := &State{
		EntityID:    entityID,
		State:       value,
		Attributes:  s.attributes(entityID),
		LastChanged: s.now().UTC(),
	}
	if prev, ok := s.State(entityID); ok && prev.State == value {
		next.LastChanged = prev.LastChanged
	}
	s.Dispatch(StateChangedEvent{EntityID: entityID, NewState: next})
}

func (s *Statestream) handleDeviceClass(entityID string, payload []byte) {
	// Attribute values are JSON encoded; tolerate bare strings too
	var dc string
	if err := json.Unmarshal(payload, &dc); err != nil {
		dc = strings.TrimSpace(string(payload))
	}

	s.mu.Lock()
	if dc == "" {
		delete(s.deviceClass, entityID)
	} else {
		s.deviceClass[entityID] = dc
	}
	s.mu.Unlock()

	if prev, ok := s.State(entityID); ok {
		updated := *prev
		updated.Attributes = s.attributes(entityID)
		s.Update(&updated)
	}
}

func (s *Statestream) attributes(entityID string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	dc, ok := s.deviceClass[entityID]
	if !ok {
		return nil
	}
	return map[string]interface{}{"device_class": dc}
}
