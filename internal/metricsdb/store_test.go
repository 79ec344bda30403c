package metricsdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "metrics.db")
	db, err := Open(databasePath, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open metrics database: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func TestSeriesWindowFiltersAndOrders(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	samples := []Sample{
		{Series: "volume.iops", ObjectID: "vol-1", TimestampSeconds: base.Add(2 * time.Minute).Unix(), Value: 300},
		{Series: "volume.iops", ObjectID: "vol-1", TimestampSeconds: base.Unix(), Value: 100},
		{Series: "volume.iops", ObjectID: "vol-2", TimestampSeconds: base.Add(time.Minute).Unix(), Value: 200},
		{Series: "volume.latency", ObjectID: "vol-1", TimestampSeconds: base.Unix(), Value: 5},
	}
	for _, sample := range samples {
		if err := store.Insert(ctx, sample); err != nil {
			t.Fatalf("failed to insert sample: %v", err)
		}
	}

	window, err := store.SeriesWindow(ctx, SeriesQuery{Series: "volume.iops", ObjectID: "vol-1"})
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(window) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(window))
	}
	if window[0].Value != 100 || window[1].Value != 300 {
		t.Fatalf("expected ascending timestamp order, got %v then %v", window[0].Value, window[1].Value)
	}
}

func TestSeriesWindowHonorsTimeRangeAndLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		sample := Sample{
			Series:           "node.cpu",
			TimestampSeconds: base.Add(time.Duration(i) * time.Minute).Unix(),
			Value:            float64(i),
		}
		if err := store.Insert(ctx, sample); err != nil {
			t.Fatalf("failed to insert sample: %v", err)
		}
	}

	window, err := store.SeriesWindow(ctx, SeriesQuery{
		Series: "node.cpu",
		From:   base.Add(2 * time.Minute),
		To:     base.Add(8 * time.Minute),
		Limit:  3,
	})
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(window) != 3 {
		t.Fatalf("expected limit of 3 samples, got %d", len(window))
	}
	if window[0].Value != 2 {
		t.Fatalf("expected window to start at minute 2, got value %v", window[0].Value)
	}
}

func TestSeriesWindowRequiresSeries(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.SeriesWindow(context.Background(), SeriesQuery{}); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected invalid query error, got %v", err)
	}
}

func TestInsertStampsMissingTimestamp(t *testing.T) {
	now := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)
	databasePath := filepath.Join(t.TempDir(), "metrics.db")
	db, err := Open(databasePath, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open metrics database: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	if err := store.Insert(context.Background(), Sample{Series: "pool.capacity", Value: 42}); err != nil {
		t.Fatalf("failed to insert sample: %v", err)
	}

	window, err := store.SeriesWindow(context.Background(), SeriesQuery{Series: "pool.capacity"})
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(window) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(window))
	}
	if window[0].TimestampSeconds != now.Unix() {
		t.Fatalf("expected clock-stamped timestamp %d, got %d", now.Unix(), window[0].TimestampSeconds)
	}
}
