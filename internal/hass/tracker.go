package hass

import (
	"sort"
	"sync"
)

type listener struct {
	id       uint64
	entities map[string]struct{}
	handler  StateHandler
}

// Tracker caches entity states and fans out change events to listeners.
// It implements StateSource and is embedded by the concrete sources.
type Tracker struct {
	mu        sync.RWMutex
	states    map[string]*State
	listeners map[uint64]*listener
	nextID    uint64
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		states:    make(map[string]*State),
		listeners: make(map[uint64]*listener),
	}
}

// State returns the cached state of an entity
func (t *Tracker) State(entityID string) (*State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[entityID]
	return s, ok
}

// Entities returns the cached entity IDs, sorted
func (t *Tracker) Entities() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TrackStateChange registers handler for changes of entityIDs
func (t *Tracker) TrackStateChange(entityIDs []string, handler StateHandler) func() {
	l := &listener{
		entities: make(map[string]struct{}, len(entityIDs)),
		handler:  handler,
	}
	for _, id := range entityIDs {
		l.entities[id] = struct{}{}
	}

	t.mu.Lock()
	t.nextID++
	l.id = t.nextID
	t.listeners[l.id] = l
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.listeners, l.id)
			t.mu.Unlock()
		})
	}
}

// Listeners returns the number of registered listeners
func (t *Tracker) Listeners() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.listeners)
}

// Dispatch stores the new state and notifies the listeners of the entity.
// A nil NewState removes the entity from the cache.
func (t *Tracker) Dispatch(event StateChangedEvent) {
	t.mu.Lock()
	if event.OldState == nil {
		event.OldState = t.states[event.EntityID]
	}
	if event.NewState == nil {
		delete(t.states, event.EntityID)
	} else {
		t.states[event.EntityID] = event.NewState
	}
	handlers := t.handlersFor(event.EntityID)
	t.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// Update stores a state without notifying anyone
func (t *Tracker) Update(s *State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[s.EntityID] = s
}

// Replace swaps the whole cache for states and fires a synthetic event for
// every tracked entity whose state string differs from the cached one.
// It returns the number of events fired.
func (t *Tracker) Replace(states []State) int {
	next := make(map[string]*State, len(states))
	for i := range states {
		s := states[i]
		next[s.EntityID] = &s
	}

	type pending struct {
		event    StateChangedEvent
		handlers []StateHandler
	}
	var fire []pending

	t.mu.Lock()
	tracked := make(map[string]struct{})
	for _, l := range t.listeners {
		for id := range l.entities {
			tracked[id] = struct{}{}
		}
	}
	for id := range tracked {
		oldState, newState := t.states[id], next[id]
		if stateString(oldState) == stateString(newState) && (oldState == nil) == (newState == nil) {
			continue
		}
		fire = append(fire, pending{
			event:    StateChangedEvent{EntityID: id, OldState: oldState, NewState: newState},
			handlers: t.handlersFor(id),
		})
	}
	t.states = next
	t.mu.Unlock()

	sort.Slice(fire, func(i, j int) bool { return fire[i].event.EntityID < fire[j].event.EntityID })
	for _, p := range fire {
		for _, h := range p.handlers {
			h(p.event)
		}
	}
	return len(fire)
}

// handlersFor must be called with t.mu held
func (t *Tracker) handlersFor(entityID string) []StateHandler {
	ids := make([]uint64, 0, len(t.listeners))
	for id, l := range t.listeners {
		if _, ok := l.entities[entityID]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	handlers := make([]StateHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, t.listeners[id].handler)
	}
	return handlers
}

func stateString(s *State) string {
	if s == nil {
		return ""
	}
	return s.State
}
