package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/g960059/famsync/internal/config"
	"github.com/g960059/famsync/internal/db"
	"github.com/g960059/famsync/internal/metrics"
	"github.com/g960059/famsync/internal/model"
)

var ErrNonPositiveSeconds = errors.New("seconds must be positive")

// Aggregator folds observed foreground seconds into UsageRecords.
type Aggregator struct {
	store       *db.Store
	clock       quartz.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics
	mergeWindow time.Duration
	pointsUnit  time.Duration

	mu sync.Mutex
}

func NewAggregator(store *db.Store, cfg config.Config, clock quartz.Clock, logger *slog.Logger, m *metrics.Metrics) *Aggregator {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:       store,
		clock:       clock,
		logger:      logger,
		metrics:     m,
		mergeWindow: cfg.MergeWindow,
		pointsUnit:  cfg.PointsUnit,
	}
}

// Points returns the points earned by seconds of usage at rate points per
// unit.
func Points(rate float64, seconds int64, unit time.Duration) float64 {
	if unit <= 0 {
		return 0
	}
	return rate * float64(seconds) / unit.Seconds()
}

// Record adds seconds of usage ending now. The newest unsynced record for the
// same app, device and category is extended when it ended within the merge
// window; otherwise a new record starting seconds ago is created. Points are
// added at the current rate and earlier points are never recomputed.
func (a *Aggregator) Record(ctx context.Context, id model.LogicalAppID, deviceID string, seconds int64, category model.Category) (model.UsageRecord, error) {
	if seconds <= 0 {
		return model.UsageRecord{}, ErrNonPositiveSeconds
	}
	if !category.Valid() {
		return model.UsageRecord{}, fmt.Errorf("invalid category %q", category)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Remote stores keep microseconds; keys must survive the round trip.
	now := a.clock.Now().UTC().Truncate(time.Microsecond)
	rate, err := a.currentRate(ctx, id)
	if err != nil {
		return model.UsageRecord{}, err
	}
	increment := Points(rate, seconds, a.pointsUnit)

	open, err := a.store.LatestOpenUsage(ctx, deviceID, id, category)
	switch {
	case err == nil && !open.SessionEnd.Before(now.Add(-a.mergeWindow)):
		open.SessionEnd = now
		open.AccumulatedSeconds += seconds
		open.DerivedPoints += increment
		err := a.store.ExtendUsage(ctx, open)
		if err == nil {
			a.metrics.ObservationRecorded()
			return open, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return model.UsageRecord{}, err
		}
		// Synced between read and write; start a new record.
	case err != nil && !errors.Is(err, db.ErrNotFound):
		return model.UsageRecord{}, err
	}

	rec := model.UsageRecord{
		LogicalAppID:       id,
		DeviceID:           deviceID,
		SessionStart:       now.Add(-time.Duration(seconds) * time.Second),
		SessionEnd:         now,
		Category:           category,
		AccumulatedSeconds: seconds,
		DerivedPoints:      increment,
	}
	// session_start is part of the key but not the category; nudge forward on
	// the rare collision with a record of the other category.
	for attempt := 0; ; attempt++ {
		err := a.store.InsertUsage(ctx, rec)
		if err == nil {
			break
		}
		if !errors.Is(err, db.ErrDuplicate) || attempt >= 3 {
			return model.UsageRecord{}, err
		}
		rec.SessionStart = rec.SessionStart.Add(time.Microsecond)
	}
	a.logger.Debug("usage session started", "logical_app_id", id, "category", category, "seconds", seconds)
	a.metrics.ObservationRecorded()
	return rec, nil
}

// Reset deletes every usage record of deviceID, synced or not. It holds the
// aggregation lock so no session is extended while the rows go away.
func (a *Aggregator) Reset(ctx context.Context, deviceID string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.store.ResetUsage(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	a.logger.Info("usage reset", "device_id", deviceID, "deleted", n)
	return n, nil
}

func (a *Aggregator) currentRate(ctx context.Context, id model.LogicalAppID) (float64, error) {
	cfg, err := a.store.GetConfiguration(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load rate: %w", err)
	}
	return cfg.Rate, nil
}
