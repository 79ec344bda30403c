package metricsdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	defaultWindowLimit = 1000
	maxWindowLimit     = 10000
)

// ErrInvalidQuery indicates a series query missing required fields.
var ErrInvalidQuery = errors.New("metricsdb: invalid series query")

// StoreConfig describes the dependencies of the sample store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store reads and writes metric samples.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs the sample store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("metricsdb: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, now: clock}, nil
}

// Insert records one sample. A zero timestamp is stamped with the current time.
func (s *Store) Insert(ctx context.Context, sample Sample) error {
	if strings.TrimSpace(sample.Series) == "" {
		return fmt.Errorf("%w: series required", ErrInvalidQuery)
	}
	if sample.TimestampSeconds == 0 {
		sample.TimestampSeconds = s.now().UTC().Unix()
	}
	return s.db.WithContext(ctx).Create(&sample).Error
}

// SeriesQuery selects a window of samples for one series.
type SeriesQuery struct {
	Series   string
	ObjectID string
	From     time.Time
	To       time.Time
	Limit    int
}

// SeriesWindow returns the samples matching the query in ascending timestamp
// order, capped at the query limit.
func (s *Store) SeriesWindow(ctx context.Context, query SeriesQuery) ([]Sample, error) {
	if strings.TrimSpace(query.Series) == "" {
		return nil, fmt.Errorf("%w: series required", ErrInvalidQuery)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = defaultWindowLimit
	}
	if limit > maxWindowLimit {
		limit = maxWindowLimit
	}

	tx := s.db.WithContext(ctx).Where("series = ?", query.Series)
	if query.ObjectID != "" {
		tx = tx.Where("object_id = ?", query.ObjectID)
	}
	if !query.From.IsZero() {
		tx = tx.Where("timestamp_s >= ?", query.From.UTC().Unix())
	}
	if !query.To.IsZero() {
		tx = tx.Where("timestamp_s <= ?", query.To.UTC().Unix())
	}

	var samples []Sample
	err := tx.Order("timestamp_s ASC").Limit(limit).Find(&samples).Error
	if err != nil {
		return nil, err
	}
	return samples, nil
}
