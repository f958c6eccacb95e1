// Package syncer runs sync passes between a device's local stores and the
// shared remote store, on a timer and on wake signals.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/g960059/famsync/internal/command"
	"github.com/g960059/famsync/internal/config"
	"github.com/g960059/famsync/internal/db"
	"github.com/g960059/famsync/internal/enforce"
	"github.com/g960059/famsync/internal/metrics"
	"github.com/g960059/famsync/internal/model"
	"github.com/g960059/famsync/internal/outbox"
	"github.com/g960059/famsync/internal/remote"
	"github.com/g960059/famsync/internal/wake"
)

type Options struct {
	Store    *db.Store
	Remote   remote.Store
	Queue    *outbox.Queue
	Enforcer enforce.Enforcer
	Notifier wake.Notifier
	Listener wake.Listener
	Clock    quartz.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type Report struct {
	Role      model.Role
	Reason    string
	StartedAt time.Time
	Duration  time.Duration
	// Coalesced is set when more than one trigger shared this pass.
	Coalesced bool
	Health    model.RemoteHealth

	Drain outbox.DrainReport

	// Agent pass.
	Commands      command.ProcessReport
	Uploaded      int
	UploadsQueued int

	// Controller pass.
	CommandsRefreshed int
	ConfigsAdopted    int
	Summary           []UsageSummary
}

type Orchestrator struct {
	cfg       config.Config
	store     *db.Store
	remote    remote.Store
	queue     *outbox.Queue
	issuer    *command.Issuer
	processor *command.Processor
	notifier  wake.Notifier
	listener  wake.Listener
	clock     quartz.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics

	group  singleflight.Group
	passes atomic.Int64

	// life bounds every pass. Passes do not inherit the cancellation of the
	// trigger that started them, so a caller going away cannot strand the
	// pass half way.
	life     context.Context
	stop     context.CancelFunc
	inFlight sync.WaitGroup

	mu     sync.Mutex
	last   Report
	closed bool
}

// ErrClosed is returned by Sync after Close.
var ErrClosed = errors.New("orchestrator closed")

// New wires an orchestrator for cfg.Role and registers the queue handlers for
// every remote operation it may defer.
func New(cfg config.Config, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = wake.Nop{}
	}
	if opts.Listener == nil {
		opts.Listener = wake.Nop{}
	}
	logger := opts.Logger.With("device_id", cfg.DeviceID, "role", cfg.Role)
	life, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		life:     life,
		stop:     stop,
		cfg:      cfg,
		store:    opts.Store,
		remote:   opts.Remote,
		queue:    opts.Queue,
		notifier: opts.Notifier,
		listener: opts.Listener,
		clock:    opts.Clock,
		logger:   logger,
		metrics:  opts.Metrics,
	}
	o.issuer = command.NewIssuer(cfg.DeviceID, opts.Store, opts.Remote, opts.Queue, opts.Notifier, opts.Clock, logger)
	o.processor = command.NewProcessor(cfg.DeviceID, opts.Store, opts.Remote, opts.Queue, opts.Enforcer, opts.Clock, logger, opts.Metrics)
	command.RegisterQueueHandlers(opts.Queue, opts.Remote, logger)
	opts.Queue.Handle(model.OpUploadUsage, o.deliverUsage)
	return o
}

func (o *Orchestrator) Issuer() *command.Issuer {
	return o.issuer
}

// LastReport returns the report of the most recent completed pass.
func (o *Orchestrator) LastReport() Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Passes counts completed passes.
func (o *Orchestrator) Passes() int64 {
	return o.passes.Load()
}

// Sync runs one pass for the configured role. A call made while a pass is in
// flight waits for that pass and shares its result. If ctx ends first, Sync
// returns ctx.Err() and the pass carries on until it finishes or Close is
// called.
func (o *Orchestrator) Sync(ctx context.Context, reason string) (Report, error) {
	ch := o.group.DoChan("pass", func() (any, error) {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return Report{}, ErrClosed
		}
		o.inFlight.Add(1)
		o.mu.Unlock()
		defer o.inFlight.Done()
		return o.pass(o.life, reason)
	})
	select {
	case res := <-ch:
		report, _ := res.Val.(Report)
		report.Coalesced = res.Shared
		return report, res.Err
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// Close cancels any running pass, waits for it to return and makes later
// Sync calls fail with ErrClosed.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()
	o.inFlight.Wait()
}

func (o *Orchestrator) pass(ctx context.Context, reason string) (Report, error) {
	start := o.clock.Now().UTC()
	report := Report{Role: o.cfg.Role, Reason: reason, StartedAt: start}

	var err error
	if o.cfg.Role == model.RoleController {
		err = o.controllerPass(ctx, &report)
	} else {
		err = o.agentPass(ctx, &report)
	}
	report.Duration = o.clock.Since(start)
	report.Health = o.health()
	o.metrics.ObservePass(o.cfg.Role, err, report.Duration)

	if err != nil {
		o.logger.Warn("sync pass finished with errors", "reason", reason, "duration", report.Duration, "health", report.Health, "err", err)
	} else {
		o.logger.Debug("sync pass finished", "reason", reason, "duration", report.Duration, "health", report.Health)
	}
	o.mu.Lock()
	o.last = report
	o.mu.Unlock()
	o.passes.Add(1)
	return report, err
}

func (o *Orchestrator) health() model.RemoteHealth {
	if h, ok := o.remote.(interface{ Health() model.RemoteHealth }); ok {
		return h.Health()
	}
	return model.RemoteHealthOK
}

func (o *Orchestrator) drain(ctx context.Context, report *Report) error {
	dr, err := o.queue.Drain(ctx)
	report.Drain = dr
	if errors.Is(err, outbox.ErrDrainInProgress) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("drain queue: %w", err)
	}
	return nil
}

func (o *Orchestrator) register(ctx context.Context) error {
	err := o.remote.RegisterDevice(ctx, model.Device{
		DeviceID:    o.cfg.DeviceID,
		Role:        o.cfg.Role,
		DisplayName: o.cfg.DisplayName,
		LastSeenAt:  o.clock.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	return nil
}

func (o *Orchestrator) agentPass(ctx context.Context, report *Report) error {
	var errs []error
	if err := o.drain(ctx, report); err != nil {
		errs = append(errs, err)
	}
	if err := o.register(ctx); err != nil {
		errs = append(errs, err)
	}
	commands, err := o.processor.ProcessPending(ctx)
	report.Commands = commands
	if err != nil {
		errs = append(errs, err)
	}
	if err := o.uploadUsage(ctx, report); err != nil {
		errs = append(errs, err)
	}
	if report.Uploaded > 0 {
		o.wakeControllers(ctx)
	}
	return errors.Join(errs...)
}

// Run syncs once, then on every SyncInterval tick and on each wake signal
// until ctx is done. Wake-triggered passes are rate limited to one per
// WakeMinInterval; the timer covers anything dropped.
func (o *Orchestrator) Run(ctx context.Context) error {
	wakeCh, err := o.listener.Listen(ctx, o.cfg.DeviceID)
	if err != nil {
		o.logger.Warn("wake listener unavailable, timer only", "err", err)
		wakeCh = nil
	}
	limiter := rate.NewLimiter(rate.Every(o.cfg.WakeMinInterval), 1)
	ticker := o.clock.NewTicker(o.cfg.SyncInterval, "syncer", "tick")
	defer ticker.Stop()

	o.runPass(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.runPass(ctx, "timer")
		case _, ok := <-wakeCh:
			if !ok {
				wakeCh = nil
				continue
			}
			if !limiter.AllowN(o.clock.Now(), 1) {
				o.logger.Debug("wake signal throttled")
				continue
			}
			o.runPass(ctx, "wake")
		}
	}
}

func (o *Orchestrator) runPass(ctx context.Context, reason string) {
	if _, err := o.Sync(ctx, reason); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Debug("sync pass error", "reason", reason, "err", err)
	}
}
