package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// dataBucket stores namespaced key/value data
	dataBucket = "_data"

	// historyBucket stores one sub-bucket per series
	historyBucket = "_history"
)

// BoltStorage is a bbolt implementation of the Storage interface
type BoltStorage struct {
	db *bbolt.DB
}

// NewBoltStorage creates a new BoltStorage instance
// The database file will be created if it doesn't exist
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(dataBucket)); err != nil {
			return fmt.Errorf("failed to create data bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(historyBucket)); err != nil {
			return fmt.Errorf("failed to create history bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Namespaced Data Methods

// Get retrieves data in a namespace by key
func (s *BoltStorage) Get(namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		nsBucket := bucket.Bucket([]byte(namespace))
		if nsBucket == nil {
			return ErrNotFound
		}

		data := nsBucket.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}

		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})

	return value, err
}

// GetJSON retrieves and unmarshals JSON data by key
func (s *BoltStorage) GetJSON(namespace, key string, v interface{}) error {
	data, err := s.Get(namespace, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return nil
}

// Set stores data in a namespace by key
func (s *BoltStorage) Set(namespace, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		nsBucket, err := bucket.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("failed to create namespace bucket: %w", err)
		}

		return nsBucket.Put([]byte(key), value)
	})
}

// SetJSON marshals and stores JSON data by key
func (s *BoltStorage) SetJSON(namespace, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return s.Set(namespace, key, data)
}

// Delete removes data by key. Deleting a missing key is not an error.
func (s *BoltStorage) Delete(namespace, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		nsBucket := bucket.Bucket([]byte(namespace))
		if nsBucket == nil {
			return nil
		}

		return nsBucket.Delete([]byte(key))
	})
}

// List returns all keys and values in a namespace
func (s *BoltStorage) List(namespace string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		nsBucket := bucket.Bucket([]byte(namespace))
		if nsBucket == nil {
			// Nothing stored yet - return empty map
			return nil
		}

		return nsBucket.ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			result[string(k)] = value
			return nil
		})
	})

	return result, err
}

// DeleteAll removes a namespace and everything in it
func (s *BoltStorage) DeleteAll(namespace string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		if bucket == nil {
			return fmt.Errorf("data bucket not found")
		}

		err := bucket.DeleteBucket([]byte(namespace))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// History Methods

// historyItem is the stored form of a Record.
type historyItem struct {
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// AppendHistory stores an item in the series and trims it to maxItems
func (s *BoltStorage) AppendHistory(series string, timestamp time.Time, data []byte, maxItems int) error {
	if !json.Valid(data) {
		return fmt.Errorf("history data for %s is not valid JSON", series)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket))
		if bucket == nil {
			return fmt.Errorf("history bucket not found")
		}

		seriesBucket, err := bucket.CreateBucketIfNotExists([]byte(series))
		if err != nil {
			return fmt.Errorf("failed to create series bucket: %w", err)
		}

		seq, err := seriesBucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		item, err := json.Marshal(historyItem{Timestamp: timestamp, Data: data})
		if err != nil {
			return fmt.Errorf("failed to marshal history item: %w", err)
		}

		if err := seriesBucket.Put(seqKey(seq), item); err != nil {
			return err
		}

		if maxItems <= 0 {
			return nil
		}

		// Count total entries
		var count int
		cursor := seriesBucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			count++
		}

		// Delete oldest entries
		toDelete := count - maxItems
		for k, _ := cursor.First(); k != nil && toDelete > 0; k, _ = cursor.First() {
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("failed to delete old entry: %w", err)
			}
			toDelete--
		}

		return nil
	})
}

// GetHistory returns up to limit items, ordered from oldest to newest
func (s *BoltStorage) GetHistory(series string, limit int) ([]Record, error) {
	var records []Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket))
		if bucket == nil {
			return fmt.Errorf("history bucket not found")
		}

		seriesBucket := bucket.Bucket([]byte(series))
		if seriesBucket == nil {
			return nil
		}

		// Walk backwards from the newest item, then reverse.
		cursor := seriesBucket.Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}

			var item historyItem
			if err := json.Unmarshal(v, &item); err != nil {
				continue // Skip corrupted entries
			}

			data := make(json.RawMessage, len(item.Data))
			copy(data, item.Data)
			records = append(records, Record{
				Seq:       binary.BigEndian.Uint64(k),
				Timestamp: item.Timestamp,
				Data:      data,
			})
		}

		for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}

		return nil
	})

	return records, err
}

// DeleteHistory removes a whole series
func (s *BoltStorage) DeleteHistory(series string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket))
		if bucket == nil {
			return fmt.Errorf("history bucket not found")
		}

		err := bucket.DeleteBucket([]byte(series))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Close closes the storage
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
