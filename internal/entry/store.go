package entry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"vpdcalc/internal/storage"
)

// Store persists entries in the entries namespace of the storage.
type Store struct {
	mu      sync.Mutex
	storage storage.Storage
	now     func() time.Time
}

// NewStore creates a store on top of the given storage.
func NewStore(s storage.Storage) *Store {
	return &Store{
		storage: s,
		now:     time.Now,
	}
}

// Create normalizes, validates and saves a new entry.
func (s *Store) Create(title string, data Data) (*Entry, error) {
	data.Normalize()
	if err := data.Validate(); err != nil {
		return nil, err
	}
	if title == "" {
		title = data.Name
	}

	now := s.now().UTC()
	e := &Entry{
		ID:        NewID(),
		Version:   Version,
		Title:     title,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.SetJSON(storage.NamespaceEntries, e.ID, e); err != nil {
		return nil, fmt.Errorf("failed to save entry: %w", err)
	}
	return e, nil
}

// Get returns the entry with the given ID.
func (s *Store) Get(id string) (*Entry, error) {
	var e Entry
	if err := s.storage.GetJSON(storage.NamespaceEntries, id, &e); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load entry %s: %w", id, err)
	}
	return &e, nil
}

// List returns every entry, oldest first.
func (s *Store) List() ([]*Entry, error) {
	raw, err := s.storage.List(storage.NamespaceEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	entries := make([]*Entry, 0, len(raw))
	for id := range raw {
		e, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// Update applies fn to the entry data and saves the result if it is still valid.
// The read-modify-write is serialized against other updates.
func (s *Store) Update(id string, fn func(*Data) error) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	data := e.Data
	if err := fn(&data); err != nil {
		return nil, err
	}
	data.Normalize()
	if err := data.Validate(); err != nil {
		return nil, err
	}

	e.Data = data
	e.Title = data.Name
	e.UpdatedAt = s.now().UTC()

	if err := s.storage.SetJSON(storage.NamespaceEntries, e.ID, e); err != nil {
		return nil, fmt.Errorf("failed to save entry: %w", err)
	}
	return e, nil
}

// Delete removes the entry. Removing a missing entry returns ErrNotFound.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.Get(id); err != nil {
		return err
	}
	if err := s.storage.Delete(storage.NamespaceEntries, id); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}
