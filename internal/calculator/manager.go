package calculator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"vpdcalc/internal/entry"
	"vpdcalc/internal/events"
	"vpdcalc/internal/history"
)

// ErrEntryNotFound is returned for unknown entry IDs
var ErrEntryNotFound = entry.ErrNotFound

type subscriber struct {
	entryID string
	ch      chan history.Reading
}

// entryLock serialises lifecycle changes of one entry
type entryLock struct {
	mu   sync.Mutex
	refs int
}

// Manager owns the running publishers, one per entry
type Manager struct {
	deps *Deps

	mu         sync.RWMutex
	publishers map[string]*Publisher

	locksMu sync.Mutex
	locks   map[string]*entryLock

	subsMu  sync.Mutex
	subs    map[uint64]*subscriber
	nextSub uint64
}

// NewManager creates an empty manager
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:       &deps,
		publishers: make(map[string]*Publisher),
		locks:      make(map[string]*entryLock),
		subs:       make(map[uint64]*subscriber),
	}
}

// lockEntry holds id's lifecycle lock until the returned function is called.
// Create, update and remove of one entry never overlap.
func (m *Manager) lockEntry(id string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &entryLock{}
		m.locks[id] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.locksMu.Unlock()
	}
}

func (m *Manager) logf(format string, args ...interface{}) {
	if m.deps.Logger != nil {
		m.deps.Logger.Printf("[Calculator] "+format, args...)
	}
}

// LoadAll starts a publisher for every stored entry. If one fails, the
// publishers already started are stopped again and the error is returned.
func (m *Manager) LoadAll(ctx context.Context) error {
	entries, err := m.deps.Entries.List()
	if err != nil {
		return err
	}

	started := make([]*Publisher, 0, len(entries))
	for _, e := range entries {
		p := NewPublisher(m.deps, *e, m.broadcast)
		if err := p.Setup(ctx); err != nil {
			for _, s := range started {
				s.Stop()
			}
			return fmt.Errorf("failed to set up entry %s (%s): %w", e.ID, e.Title, err)
		}
		started = append(started, p)
	}

	m.mu.Lock()
	for _, p := range started {
		m.publishers[p.Entry().ID] = p
	}
	count := len(m.publishers)
	m.mu.Unlock()

	m.deps.Metrics.SetEntries(count)
	m.logf("Loaded %d entries", len(started))
	return nil
}

// CreateEntry stores a new entry and starts its publisher.
// The entry is deleted again if the publisher cannot start.
func (m *Manager) CreateEntry(ctx context.Context, data entry.Data) (*entry.Entry, error) {
	e, err := m.deps.Entries.Create(data.Name, data)
	if err != nil {
		return nil, err
	}

	unlock := m.lockEntry(e.ID)
	defer unlock()

	// Removed before we got the lock
	if _, err := m.deps.Entries.Get(e.ID); err != nil {
		return nil, err
	}

	p := NewPublisher(m.deps, *e, m.broadcast)
	if err := p.Setup(ctx); err != nil {
		p.Unload()
		if delErr := m.deps.Entries.Delete(e.ID); delErr != nil {
			err = errors.Join(err, delErr)
		}
		return nil, fmt.Errorf("failed to start entry: %w", err)
	}

	m.add(p)
	m.deps.Events.Record(events.EventEntryCreated, e.ID, true, e.Title)
	m.logf("Created entry %s (%s)", e.ID, e.Title)
	return e, nil
}

// UpdateEntry replaces the data of an entry and reloads its publisher
func (m *Manager) UpdateEntry(ctx context.Context, id string, data entry.Data) (*entry.Entry, error) {
	unlock := m.lockEntry(id)
	defer unlock()

	e, err := m.deps.Entries.Update(id, func(d *entry.Data) error {
		*d = data
		return nil
	})
	if err != nil {
		return nil, err
	}

	if old, running := m.publisher(id); running {
		previous := old.Entry()
		old.Stop()

		// Thresholds switched off: forget the number entities
		if previous.Data.CreateThresholds && !e.Data.CreateThresholds {
			t := old.Topics()
			m.deps.Discovery.Clear(id, t.MinConfig, t.MaxConfig)
			old.out.ClearRetained(t.MinState, t.MaxState)
		}
	}

	// Series are labelled by name; a rename must not leave the old one behind
	m.deps.Metrics.ForgetEntry(id)

	p := NewPublisher(m.deps, *e, m.broadcast)
	if err := p.Setup(ctx); err != nil {
		m.remove(id)
		return nil, fmt.Errorf("failed to reload entry %s: %w", id, err)
	}

	m.add(p)
	m.deps.Events.Record(events.EventEntryUpdated, id, true, e.Title)
	m.logf("Reloaded entry %s (%s)", id, e.Title)
	return e, nil
}

// RemoveEntry unloads the publisher and deletes the entry and its history
func (m *Manager) RemoveEntry(ctx context.Context, id string) error {
	unlock := m.lockEntry(id)
	defer unlock()

	if _, err := m.deps.Entries.Get(id); err != nil {
		return err
	}

	var errs []error
	if p, ok := m.remove(id); ok {
		errs = append(errs, p.Unload())
	} else {
		// Never started; still clear whatever an earlier run published
		errs = append(errs, m.deps.Discovery.Remove(id))
	}

	errs = append(errs, m.deps.Entries.Delete(id))
	if m.deps.History != nil {
		errs = append(errs, m.deps.History.Delete(id))
	}
	m.closeSubscribers(id)

	m.deps.Events.Record(events.EventEntryRemoved, id, true, "")
	m.logf("Removed entry %s", id)
	return errors.Join(errs...)
}

// Get returns a stored entry
func (m *Manager) Get(id string) (*entry.Entry, error) {
	return m.deps.Entries.Get(id)
}

// List returns every stored entry
func (m *Manager) List() ([]*entry.Entry, error) {
	return m.deps.Entries.List()
}

// Running reports whether the publisher of id is active
func (m *Manager) Running(id string) bool {
	_, ok := m.publisher(id)
	return ok
}

// Reading returns the current reading of an entry
func (m *Manager) Reading(id string) (history.Reading, error) {
	p, ok := m.publisher(id)
	if !ok {
		return history.Reading{}, ErrEntryNotFound
	}
	return p.Reading(), nil
}

// History returns up to limit stored readings of an entry, oldest first
func (m *Manager) History(id string, limit int) ([]history.Reading, error) {
	if _, err := m.deps.Entries.Get(id); err != nil {
		return nil, err
	}
	if m.deps.History == nil {
		return []history.Reading{}, nil
	}
	return m.deps.History.History(id, limit)
}

// SubscribeReadings streams new readings of entryID, or of every entry when
// entryID is empty. Slow subscribers miss readings rather than block.
// The returned function cancels the subscription.
func (m *Manager) SubscribeReadings(entryID string, buffer int) (<-chan history.Reading, func()) {
	if buffer < 1 {
		buffer = 1
	}
	s := &subscriber{entryID: entryID, ch: make(chan history.Reading, buffer)}

	m.subsMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = s
	m.subsMu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(s.ch)
			}
		})
	}
}

func (m *Manager) broadcast(r history.Reading) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, s := range m.subs {
		if s.entryID != "" && s.entryID != r.EntryID {
			continue
		}
		select {
		case s.ch <- r:
		default:
		}
	}
}

// closeSubscribers ends the streams of a removed entry
func (m *Manager) closeSubscribers(entryID string) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for id, s := range m.subs {
		if s.entryID == entryID {
			delete(m.subs, id)
			close(s.ch)
		}
	}
}

// CleanupStale clears discovery configs recorded for entries that no longer exist
func (m *Manager) CleanupStale() (int, error) {
	entries, err := m.deps.Entries.List()
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		known[e.ID] = true
	}

	cleaned, err := m.deps.Discovery.CleanupStale(func(id string) bool { return known[id] })
	if cleaned > 0 {
		m.logf("Cleared discovery of %d stale entries", cleaned)
	}
	return cleaned, err
}

// RepublishAll sends the state messages of every publisher again.
// It runs after Home Assistant comes back online.
func (m *Manager) RepublishAll() {
	for _, p := range m.snapshot() {
		p.Republish()
	}
}

// Shutdown marks every entry offline and stops the publishers
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	publishers := m.publishers
	m.publishers = make(map[string]*Publisher)
	m.mu.Unlock()

	var errs []error
	for _, p := range publishers {
		errs = append(errs, p.Shutdown())
	}

	m.subsMu.Lock()
	for id, s := range m.subs {
		delete(m.subs, id)
		close(s.ch)
	}
	m.subsMu.Unlock()

	return errors.Join(errs...)
}

func (m *Manager) publisher(id string) (*Publisher, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.publishers[id]
	return p, ok
}

func (m *Manager) snapshot() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Publisher, 0, len(m.publishers))
	for _, p := range m.publishers {
		out = append(out, p)
	}
	return out
}

func (m *Manager) add(p *Publisher) {
	m.mu.Lock()
	m.publishers[p.Entry().ID] = p
	count := len(m.publishers)
	m.mu.Unlock()
	m.deps.Metrics.SetEntries(count)
}

func (m *Manager) remove(id string) (*Publisher, bool) {
	m.mu.Lock()
	p, ok := m.publishers[id]
	delete(m.publishers, id)
	count := len(m.publishers)
	m.mu.Unlock()
	m.deps.Metrics.SetEntries(count)
	return p, ok
}
