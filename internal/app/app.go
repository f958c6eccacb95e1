// Package app assembles a device's sync engine from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/g960059/famsync/internal/config"
	"github.com/g960059/famsync/internal/db"
	"github.com/g960059/famsync/internal/enforce"
	"github.com/g960059/famsync/internal/identity"
	"github.com/g960059/famsync/internal/metrics"
	"github.com/g960059/famsync/internal/outbox"
	"github.com/g960059/famsync/internal/remote"
	"github.com/g960059/famsync/internal/remote/memstore"
	"github.com/g960059/famsync/internal/remote/pgstore"
	"github.com/g960059/famsync/internal/security"
	"github.com/g960059/famsync/internal/syncer"
	"github.com/g960059/famsync/internal/usage"
	"github.com/g960059/famsync/internal/wake"
)

// MemoryRemote selects the in-process remote store.
const MemoryRemote = "memory"

const defaultConnectBudget = 30 * time.Second

type Options struct {
	Logger   *slog.Logger
	Clock    quartz.Clock
	Enforcer enforce.Enforcer
	// Registerer receives the engine's collectors. Nil disables metrics.
	Registerer prometheus.Registerer
	// Remote overrides the store selected by RemoteURL.
	Remote remote.Store
	// ConnectBudget bounds the startup retries against Postgres and Redis.
	ConnectBudget time.Duration
}

type App struct {
	Config       config.Config
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Store        *db.Store
	Remote       *remote.Guarded
	Queue        *outbox.Queue
	Collector    *usage.Collector
	Orchestrator *syncer.Orchestrator

	redis *redis.Client
}

// Open validates cfg, opens the local store and the remote backends and wires
// the engine. Call Close when done.
func Open(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	budget := opts.ConnectBudget
	if budget <= 0 {
		budget = defaultConnectBudget
	}
	var m *metrics.Metrics
	if opts.Registerer != nil {
		m = metrics.New(opts.Registerer)
	}
	enforcer := opts.Enforcer
	if enforcer == nil {
		enforcer = enforce.LogEnforcer{Logger: logger}
	}

	a := &App{Config: cfg, Logger: logger, Metrics: m}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.Store = store
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return nil, fmt.Errorf("migrate local store: %w", err)
	}

	inner := opts.Remote
	if inner == nil {
		inner, err = openRemote(ctx, cfg.RemoteURL, budget, logger)
		if err != nil {
			return nil, err
		}
	}
	health := remote.NewHealthTracker(cfg, func() time.Time { return clock.Now() }, m)
	a.Remote = remote.NewGuarded(inner, cfg.RemoteCallTimeout, health)

	var notifier wake.Notifier = wake.Nop{}
	var listener wake.Listener = wake.Nop{}
	if cfg.RedisURL != "" {
		opts, err := wake.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		client, err := retry(ctx, "redis", budget, logger, func() (*redis.Client, error) {
			return wake.Dial(ctx, opts)
		})
		if err != nil {
			return nil, err
		}
		a.redis = client
		r := wake.NewRedis(client, logger, m)
		notifier, listener = r, r
	}

	a.Queue = outbox.New(store, cfg, clock, logger, m)
	if _, err := a.Queue.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover queue: %w", err)
	}
	a.Orchestrator = syncer.New(cfg, syncer.Options{
		Store:    store,
		Remote:   a.Remote,
		Queue:    a.Queue,
		Enforcer: enforcer,
		Notifier: notifier,
		Listener: listener,
		Clock:    clock,
		Logger:   logger,
		Metrics:  m,
	})
	resolver := identity.NewResolver(store, cfg.DeviceID, logger)
	aggregator := usage.NewAggregator(store, cfg, clock, logger, m)
	a.Collector = usage.NewCollector(resolver, aggregator, store, cfg, clock, logger, m)

	ok = true
	return a, nil
}

func openRemote(ctx context.Context, remoteURL string, budget time.Duration, logger *slog.Logger) (remote.Store, error) {
	if remoteURL == "" || remoteURL == MemoryRemote {
		logger.Info("using in-memory remote store")
		return memstore.New(), nil
	}
	logger.Info("connecting remote store", "url", security.RedactURL(remoteURL))
	pgCfg, err := pgstore.ParseURL(remoteURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %s", security.RedactError(err.Error()))
	}
	pg, err := retry(ctx, "postgres", budget, logger, func() (*pgstore.Store, error) {
		return pgstore.Open(ctx, pgCfg)
	})
	if err != nil {
		return nil, err
	}
	if err := pgstore.ApplyMigrations(ctx, pg.DB()); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("migrate remote store: %w", err)
	}
	return pg, nil
}

// retry dials until it succeeds or budget runs out. Callers validate URLs
// first; every dial error here is treated as transient.
func retry[T any](ctx context.Context, what string, budget time.Duration, logger *slog.Logger, dial func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = budget
	var out T
	err := backoff.RetryNotify(func() error {
		v, err := dial()
		if err != nil {
			return err
		}
		out = v
		return nil
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn("connect failed, retrying", "backend", what, "wait", wait, "err", security.RedactError(err.Error()))
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("connect %s: %w", what, err)
	}
	return out, nil
}

func (a *App) Close() error {
	if a.Orchestrator != nil {
		a.Orchestrator.Close()
	}
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Remote != nil {
		errs = append(errs, a.Remote.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// NewLogger builds the daemon logger from LogFormat and LogLevel.
func NewLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.LogFormat) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
}
