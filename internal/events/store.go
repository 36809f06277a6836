package events

import (
	"sync"
	"time"
)

// EventType represents the type of audit event
type EventType string

const (
	// Auth events
	EventLogin           EventType = "login"
	EventLoginFailed     EventType = "login_failed"
	EventLogout          EventType = "logout"
	EventPasswordChanged EventType = "password_changed"

	// Entry events
	EventEntryCreated EventType = "entry_created"
	EventEntryUpdated EventType = "entry_updated"
	EventEntryRemoved EventType = "entry_removed"

	// Threshold events
	EventThresholdChanged  EventType = "threshold_changed"
	EventThresholdRejected EventType = "threshold_rejected"

	// Publisher events
	EventAvailabilityChanged EventType = "availability_changed"

	// State source events
	EventSourceConnected    EventType = "source_connected"
	EventSourceDisconnected EventType = "source_disconnected"
)

// Event represents an audit event
type Event struct {
	ID        int64     `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	EntryID   string    `json:"entry_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
}

// Store holds events in memory with a fixed capacity (ring buffer)
type Store struct {
	mu      sync.RWMutex
	events  []Event
	maxSize int
	nextID  int64
}

// NewStore creates a new event store with specified max capacity
func NewStore(maxSize int) *Store {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Store{
		events:  make([]Event, 0, maxSize),
		maxSize: maxSize,
	}
}

// Add adds a user-initiated event to the store
func (s *Store) Add(eventType EventType, username, ip string, success bool, details string) {
	s.add(Event{
		Type:     eventType,
		Username: username,
		IP:       ip,
		Success:  success,
		Details:  details,
	})
}

// Record adds an event raised by a calculator entry or the state source.
// A nil store is allowed and ignores the event.
func (s *Store) Record(eventType EventType, entryID string, success bool, details string) {
	if s == nil {
		return
	}
	s.add(Event{
		Type:    eventType,
		EntryID: entryID,
		Success: success,
		Details: details,
	})
}

func (s *Store) add(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	event.ID = s.nextID
	event.Timestamp = time.Now()

	// Ring buffer: remove oldest if at max capacity
	if len(s.events) >= s.maxSize {
		s.events = s.events[1:]
	}
	s.events = append(s.events, event)
}

// GetLast returns the last N events (newest first)
func (s *Store) GetLast(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.events) {
		n = len(s.events)
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		result[i] = s.events[len(s.events)-1-i]
	}
	return result
}

// GetSince returns events newer than the given ID (newest first)
func (s *Store) GetSince(lastID int64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].ID > lastID {
			result = append(result, s.events[i])
		} else {
			break
		}
	}
	return result
}

// ForEntry returns up to n events of one entry (newest first)
func (s *Store) ForEntry(entryID string, n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if n > 0 && len(result) >= n {
			break
		}
		if s.events[i].EntryID == entryID {
			result = append(result, s.events[i])
		}
	}
	return result
}

// Count returns the total number of events
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// LastID returns the ID of the most recent event
func (s *Store) LastID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}
