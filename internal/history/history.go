// Package history records VPD readings to local storage and InfluxDB.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"vpdcalc/internal/metrics"
	"vpdcalc/internal/storage"
)

// Reading is one recomputation of an entry
type Reading struct {
	EntryID     string    `json:"entry_id"`
	Name        string    `json:"name"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature *float64  `json:"temperature,omitempty"`
	Humidity    *float64  `json:"humidity,omitempty"`
	LeafDelta   float64   `json:"leaf_delta"`
	VPD         *float64  `json:"vpd,omitempty"`
	Available   bool      `json:"available"`
	MinVPD      float64   `json:"min_vpd,omitempty"`
	MaxVPD      float64   `json:"max_vpd,omitempty"`
	Status      string    `json:"status,omitempty"`
}

// Recorder persists readings
type Recorder interface {
	Name() string
	Record(ctx context.Context, r Reading) error
	Close() error
}

// BoltRecorder keeps the newest readings of every entry in bbolt
type BoltRecorder struct {
	storage  storage.Storage
	maxItems int
}

// NewBoltRecorder creates a recorder keeping maxItems readings per entry
func NewBoltRecorder(s storage.Storage, maxItems int) *BoltRecorder {
	return &BoltRecorder{storage: s, maxItems: maxItems}
}

func seriesKey(entryID string) string {
	return "readings:" + entryID
}

// Name implements Recorder
func (b *BoltRecorder) Name() string { return "bolt" }

// Record implements Recorder
func (b *BoltRecorder) Record(_ context.Context, r Reading) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.storage.AppendHistory(seriesKey(r.EntryID), r.Timestamp, data, b.maxItems)
}

// History returns up to limit readings of an entry, oldest first.
// A limit of 0 returns everything kept.
func (b *BoltRecorder) History(entryID string, limit int) ([]Reading, error) {
	records, err := b.storage.GetHistory(seriesKey(entryID), limit)
	if err != nil {
		return nil, err
	}

	readings := make([]Reading, 0, len(records))
	for _, rec := range records {
		var r Reading
		if err := json.Unmarshal(rec.Data, &r); err != nil {
			return nil, fmt.Errorf("corrupt reading %d of %s: %w", rec.Seq, entryID, err)
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// Delete removes the readings of an entry
func (b *BoltRecorder) Delete(entryID string) error {
	return b.storage.DeleteHistory(seriesKey(entryID))
}

// Close implements Recorder. The storage is owned by the caller.
func (b *BoltRecorder) Close() error { return nil }

// Multi fans a reading out to several recorders
type Multi struct {
	recorders []Recorder
	metrics   *metrics.Metrics
	logger    *log.Logger
}

// NewMulti combines recorders. nil recorders are skipped.
func NewMulti(m *metrics.Metrics, logger *log.Logger, recorders ...Recorder) *Multi {
	multi := &Multi{metrics: m, logger: logger}
	for _, r := range recorders {
		if r != nil {
			multi.recorders = append(multi.recorders, r)
		}
	}
	return multi
}

// Name implements Recorder
func (m *Multi) Name() string { return "multi" }

// Record writes to every recorder and joins their errors
func (m *Multi) Record(ctx context.Context, r Reading) error {
	var errs []error
	for _, rec := range m.recorders {
		if err := rec.Record(ctx, r); err != nil {
			m.metrics.IncHistoryError(rec.Name())
			if m.logger != nil {
				m.logger.Printf("[History] %s failed to record %s: %v", rec.Name(), r.EntryID, err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", rec.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every recorder
func (m *Multi) Close() error {
	var errs []error
	for _, rec := range m.recorders {
		if err := rec.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
