package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/g960059/famsync/internal/config"
	"github.com/g960059/famsync/internal/db"
	"github.com/g960059/famsync/internal/identity"
	"github.com/g960059/famsync/internal/metrics"
	"github.com/g960059/famsync/internal/model"
)

// Observation is one report from the platform usage-event source.
type Observation struct {
	Handle      []byte
	PlatformID  string
	DisplayName string
	Seconds     int64
}

// Collector is the usage-event source callback. It resolves identity, skips
// disabled apps and bounds each observation before handing it to the
// Aggregator.
type Collector struct {
	resolver   *identity.Resolver
	aggregator *Aggregator
	store      *db.Store
	deviceID   string
	clock      quartz.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics

	maxSeconds int64
	skew       time.Duration

	mu           sync.Mutex
	lastAccepted map[model.LogicalAppID]time.Time
}

func NewCollector(resolver *identity.Resolver, aggregator *Aggregator, store *db.Store, cfg config.Config, clock quartz.Clock, logger *slog.Logger, m *metrics.Metrics) *Collector {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		resolver:     resolver,
		aggregator:   aggregator,
		store:        store,
		deviceID:     cfg.DeviceID,
		clock:        clock,
		logger:       logger,
		metrics:      m,
		maxSeconds:   cfg.MaxObservationSeconds,
		skew:         cfg.ObservationSkew,
		lastAccepted: map[model.LogicalAppID]time.Time{},
	}
}

// Observe records an observation. It reports false when the observation was
// dropped.
func (c *Collector) Observe(ctx context.Context, obs Observation) (model.UsageRecord, bool, error) {
	id, err := c.resolver.Resolve(ctx, obs.Handle, obs.PlatformID, obs.DisplayName)
	if err != nil {
		if !errors.Is(err, identity.ErrUnparseableHandle) {
			return model.UsageRecord{}, false, fmt.Errorf("resolve identity: %w", err)
		}
		c.logger.Warn("usage observation with unparseable handle", "display_name", obs.DisplayName, "logical_app_id", id)
	}

	cfg, err := c.store.GetConfiguration(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		cfg = model.DefaultConfiguration(id)
	} else if err != nil {
		return model.UsageRecord{}, false, fmt.Errorf("load configuration: %w", err)
	}
	if !cfg.Enabled {
		c.metrics.ObservationDropped("disabled")
		return model.UsageRecord{}, false, nil
	}

	seconds := c.admit(id, obs.Seconds)
	if seconds <= 0 {
		c.metrics.ObservationDropped("non_positive")
		return model.UsageRecord{}, false, nil
	}

	rec, err := c.aggregator.Record(ctx, id, c.deviceID, seconds, cfg.Category)
	if err != nil {
		return model.UsageRecord{}, false, err
	}
	return rec, true, nil
}

// Usage lists this device's usage records, oldest first.
func (c *Collector) Usage(ctx context.Context) ([]model.UsageRecord, error) {
	return c.store.ListUsage(ctx, c.deviceID)
}

// Reset deletes this device's usage records. Admission state is kept so a
// report redelivered after the reset is still clamped.
func (c *Collector) Reset(ctx context.Context) (int64, error) {
	return c.aggregator.Reset(ctx, c.deviceID)
}

// admit bounds an observation by the wall time elapsed since the previous
// accepted observation of the same app (plus the skew budget) and by the
// single-observation cap.
func (c *Collector) admit(id model.LogicalAppID, seconds int64) int64 {
	if seconds <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if last, ok := c.lastAccepted[id]; ok {
		budget := int64(math.Floor((now.Sub(last) + c.skew).Seconds()))
		if seconds > budget {
			c.logger.Debug("clamping duplicate usage observation", "logical_app_id", id, "observed", seconds, "allowed", budget)
			c.metrics.ObservationDropped("clamped")
			seconds = budget
		}
	}
	if c.maxSeconds > 0 && seconds > c.maxSeconds {
		seconds = c.maxSeconds
	}
	if seconds > 0 {
		c.lastAccepted[id] = now
	}
	return seconds
}
