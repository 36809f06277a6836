package history

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpdcalc/internal/metrics"
	"vpdcalc/internal/storage"
)

func ptr(v float64) *float64 { return &v }

func newBolt(t *testing.T, max int) *BoltRecorder {
	t.Helper()
	s, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewBoltRecorder(s, max)
}

func TestBoltRecorder(t *testing.T) {
	b := newBolt(t, 3)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Record(ctx, Reading{
			EntryID:   "abc",
			Name:      "Tent",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			VPD:       ptr(float64(i) / 10),
			Available: true,
		}))
	}
	require.NoError(t, b.Record(ctx, Reading{EntryID: "other", Timestamp: base}))

	readings, err := b.History("abc", 0)
	require.NoError(t, err)
	require.Len(t, readings, 3)
	assert.InDelta(t, 0.2, *readings[0].VPD, 1e-9)
	assert.InDelta(t, 0.4, *readings[2].VPD, 1e-9)
	assert.True(t, readings[2].Timestamp.Equal(base.Add(4*time.Minute)))

	readings, err = b.History("abc", 1)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.InDelta(t, 0.4, *readings[0].VPD, 1e-9)

	require.NoError(t, b.Delete("abc"))
	readings, err = b.History("abc", 0)
	require.NoError(t, err)
	assert.Empty(t, readings)

	readings, err = b.History("other", 0)
	require.NoError(t, err)
	assert.Len(t, readings, 1)
}

func TestInfluxRecorder(t *testing.T) {
	var (
		mu    sync.Mutex
		body  string
		query string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			http.NotFound(w, r)
			return
		}
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = string(data)
		query = r.URL.RawQuery
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec := NewInfluxRecorder(srv.URL, "token", "home", "vpd")
	defer rec.Close()

	err := rec.Record(context.Background(), Reading{
		EntryID:     "abc",
		Name:        "Tent",
		Timestamp:   time.Now(),
		Temperature: ptr(25),
		Humidity:    ptr(60),
		VPD:         ptr(1.27),
		Available:   true,
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, query, "org=home")
	assert.Contains(t, query, "bucket=vpd")
	assert.True(t, strings.HasPrefix(body, "vpd,entry_id=abc,name=Tent "), body)
	assert.Contains(t, body, "vpd=1.27")
	assert.NotContains(t, body, "min_vpd")
}

type failing struct{}

func (failing) Name() string                          { return "broken" }
func (failing) Record(context.Context, Reading) error { return errors.New("disk full") }
func (failing) Close() error                          { return nil }

func TestMulti(t *testing.T) {
	m := metrics.New()
	b := newBolt(t, 10)
	multi := NewMulti(m, nil, b, nil, failing{})

	err := multi.Record(context.Background(), Reading{EntryID: "abc", Timestamp: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: disk full")

	readings, err := b.History("abc", 0)
	require.NoError(t, err)
	assert.Len(t, readings, 1)

	expected := `
# HELP vpdcalc_history_write_errors_total Failed history writes by sink.
# TYPE vpdcalc_history_write_errors_total counter
vpdcalc_history_write_errors_total{sink="broken"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "vpdcalc_history_write_errors_total"))
	assert.NoError(t, multi.Close())
}
