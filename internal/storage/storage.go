package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("key not found")
)

// Namespaces used by vpdcalc inside the data bucket.
const (
	NamespaceEntries   = "entries"
	NamespaceDiscovery = "discovery"
)

// Record is a single stored history item.
type Record struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Storage is the interface for entry data and reading history
type Storage interface {
	// Namespaced Data Methods

	// Get retrieves data in a namespace by key
	// Returns ErrNotFound if the key doesn't exist
	Get(namespace, key string) ([]byte, error)

	// GetJSON retrieves and unmarshals JSON data by key
	GetJSON(namespace, key string, v interface{}) error

	// Set stores data in a namespace by key
	Set(namespace, key string, value []byte) error

	// SetJSON marshals and stores JSON data by key
	SetJSON(namespace, key string, v interface{}) error

	// Delete removes data by key
	Delete(namespace, key string) error

	// List returns all keys and values in a namespace
	List(namespace string) (map[string][]byte, error)

	// DeleteAll removes a namespace and everything in it
	DeleteAll(namespace string) error

	// History Methods

	// AppendHistory stores an item in the series and keeps only the newest maxItems
	AppendHistory(series string, timestamp time.Time, data []byte, maxItems int) error

	// GetHistory returns up to limit items, ordered from oldest to newest
	GetHistory(series string, limit int) ([]Record, error)

	// DeleteHistory removes a whole series
	DeleteHistory(series string) error

	// Lifecycle Methods

	// Close closes the storage
	Close() error
}
