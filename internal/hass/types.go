// Package hass reads entity state from Home Assistant.
//
// Two sources are supported: the WebSocket API and the MQTT topics written by
// the mqtt_statestream integration. Both keep a local state cache and notify
// listeners of state changes through a Tracker.
package hass

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrAuthInvalid is returned when Home Assistant rejects the access token
	ErrAuthInvalid = errors.New("home assistant rejected the access token")

	// ErrEntityNotFound is returned when an entity does not exist
	ErrEntityNotFound = errors.New("entity not found")

	// ErrDeviceNotFound is returned when a device is not in the registry
	ErrDeviceNotFound = errors.New("device not found")

	// ErrNotConnected is returned by calls made while the source is offline
	ErrNotConnected = errors.New("home assistant is not connected")
)

// Special entity states
const (
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
)

// State is a snapshot of one entity
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	LastChanged time.Time              `json:"last_changed"`
}

// DeviceClass returns the device_class attribute, if any
func (s *State) DeviceClass() string {
	if s == nil {
		return ""
	}
	dc, _ := s.Attributes["device_class"].(string)
	return dc
}

// Domain returns the part of the entity ID before the dot
func (s *State) Domain() string {
	if s == nil {
		return ""
	}
	domain, _, _ := strings.Cut(s.EntityID, ".")
	return domain
}

// StateChangedEvent is delivered to listeners when an entity changes.
// OldState or NewState is nil when the entity was added or removed.
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

// StateHandler receives state change events
type StateHandler func(StateChangedEvent)

// StateSource provides entity states and change notifications
type StateSource interface {
	// State returns the cached state of an entity
	State(entityID string) (*State, bool)

	// TrackStateChange calls handler for every change of the given entities.
	// The returned function removes the listener.
	TrackStateChange(entityIDs []string, handler StateHandler) (remove func())
}

// DeviceRegistry resolves device registry entries
type DeviceRegistry interface {
	// DeviceIdentifiers returns the identifier values of a device
	DeviceIdentifiers(ctx context.Context, deviceID string) ([]string, error)
}

// ParseNumeric extracts a numeric reading from a state.
// ok is false for a missing state, an empty state, "unknown" and
// "unavailable". A non-numeric state returns an error and ok false.
func ParseNumeric(s *State) (value float64, ok bool, err error) {
	if s == nil {
		return 0, false, nil
	}
	raw := strings.TrimSpace(s.State)
	switch raw {
	case "", StateUnknown, StateUnavailable:
		return 0, false, nil
	}

	value, err = strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("could not parse state of %s: %q", s.EntityID, s.State)
	}
	return value, true, nil
}
