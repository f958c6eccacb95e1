// Package outbox is the durable FIFO of outbound remote operations that could
// not be delivered when first attempted.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/g960059/famsync/internal/config"
	"github.com/g960059/famsync/internal/db"
	"github.com/g960059/famsync/internal/metrics"
	"github.com/g960059/famsync/internal/model"
	"github.com/g960059/famsync/internal/security"
)

var ErrDrainInProgress = errors.New("drain in progress")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// RFC 3339 keeps sub-second precision; the default encodes whole seconds.
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("outbox: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("outbox: cbor dec mode: %v", err))
	}
}

func Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Handler delivers one queued operation. The payload is the CBOR encoding of
// the value passed to Enqueue.
type Handler func(ctx context.Context, payload []byte) error

type DrainReport struct {
	Delivered    int
	Retried      int
	DeadLettered int
	Skipped      int
	// Superseded counts failed items dropped in favour of a newer queued
	// item with the same dedupe key.
	Superseded int
}

type Queue struct {
	store       *db.Store
	clock       quartz.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics
	maxRetries  int
	callTimeout time.Duration

	// owner serializes every mutation of the queue: a drain holds it for its
	// whole run, so an enqueue from another goroutine waits for the drain.
	owner sync.Mutex

	mu       sync.Mutex
	draining bool
	handlers map[model.OperationKind]Handler
}

func New(store *db.Store, cfg config.Config, clock quartz.Clock, logger *slog.Logger, m *metrics.Metrics) *Queue {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Queue{
		store:       store,
		clock:       clock,
		logger:      logger,
		metrics:     m,
		maxRetries:  maxRetries,
		callTimeout: cfg.RemoteCallTimeout,
		handlers:    map[model.OperationKind]Handler{},
	}
}

// Handle registers the delivery function for kind. Items of kinds with no
// handler stay queued.
func (q *Queue) Handle(kind model.OperationKind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Enqueue stores an operation for later delivery. A queued item with the same
// non-empty dedupeKey is superseded: its payload is replaced and it keeps its
// place in line.
func (q *Queue) Enqueue(ctx context.Context, kind model.OperationKind, dedupeKey string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	q.owner.Lock()
	defer q.owner.Unlock()
	replaced, err := q.store.EnqueueItem(ctx, model.QueueItem{
		QueueID:   uuid.NewString(),
		Kind:      kind,
		DedupeKey: dedupeKey,
		Payload:   data,
		CreatedAt: q.clock.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	q.logger.Debug("queued remote operation", "kind", kind, "dedupe_key", dedupeKey, "replaced", replaced)
	q.refreshDepth(ctx)
	return nil
}

// Drain delivers queued items oldest first. A delivered item is deleted; a
// failed one is re-queued with its retry count incremented, or dead-lettered
// once it reaches the retry limit. A failure on one item never stops the
// others; their errors are joined into the returned error. Bookkeeping for an
// item that was claimed is written even if ctx is cancelled mid-delivery.
// Concurrent calls return ErrDrainInProgress.
func (q *Queue) Drain(ctx context.Context) (DrainReport, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainReport{}, ErrDrainInProgress
	}
	q.draining = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	q.owner.Lock()
	defer q.owner.Unlock()

	var report DrainReport
	items, err := q.store.ListQueue(ctx, model.QueueQueued)
	if err != nil {
		return report, fmt.Errorf("list queue for drain: %w", err)
	}
	bookCtx := context.WithoutCancel(ctx)
	defer q.refreshDepth(bookCtx)

	var errs []error
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		handler := q.handler(item.Kind)
		if handler == nil {
			report.Skipped++
			continue
		}
		if err := q.store.MarkQueueInFlight(ctx, item.QueueID, q.clock.Now().UTC()); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("claim queue item %s: %w", item.QueueID, err))
			continue
		}

		deliverErr := q.deliver(ctx, handler, item)
		if deliverErr == nil {
			if err := q.store.DeleteQueueItem(bookCtx, item.QueueID); err != nil {
				errs = append(errs, fmt.Errorf("delete delivered item %s: %w", item.QueueID, err))
				continue
			}
			report.Delivered++
			q.metrics.QueueDelivery(item.Kind, "delivered")
			continue
		}

		status, superseded, err := q.store.RecordQueueFailure(bookCtx, item.QueueID, security.RedactError(deliverErr.Error()), q.maxRetries, q.clock.Now().UTC())
		if err != nil {
			errs = append(errs, fmt.Errorf("record failure for %s: %w", item.QueueID, err))
			continue
		}
		switch {
		case superseded:
			report.Superseded++
			q.metrics.QueueDelivery(item.Kind, "superseded")
			q.logger.Info("failed operation superseded by a newer queued one", "queue_id", item.QueueID, "kind", item.Kind, "dedupe_key", item.DedupeKey, "err", deliverErr)
		case status == model.QueueFailed:
			report.DeadLettered++
			q.metrics.QueueDelivery(item.Kind, "dead_letter")
			q.logger.Warn("queued operation dead-lettered", "queue_id", item.QueueID, "kind", item.Kind, "retries", item.RetryCount+1, "err", deliverErr)
		default:
			report.Retried++
			q.metrics.QueueDelivery(item.Kind, "retry")
			q.logger.Info("queued operation failed, will retry", "queue_id", item.QueueID, "kind", item.Kind, "retries", item.RetryCount+1, "err", deliverErr)
		}
	}
	return report, errors.Join(errs...)
}

func (q *Queue) deliver(ctx context.Context, h Handler, item model.QueueItem) error {
	callCtx := ctx
	if q.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, q.callTimeout)
		defer cancel()
	}
	return h(callCtx, item.Payload)
}

func (q *Queue) handler(kind model.OperationKind) Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlers[kind]
}

// Recover returns items left in flight by an interrupted process to the
// queue. Call it once before the first Drain.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	q.owner.Lock()
	defer q.owner.Unlock()
	n, dropped, err := q.store.ResetInFlight(ctx, q.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 || dropped > 0 {
		q.logger.Info("recovered in-flight queue items", "count", n, "superseded", dropped)
	}
	q.refreshDepth(ctx)
	return n, nil
}

func (q *Queue) List(ctx context.Context, status model.QueueStatus) ([]model.QueueItem, error) {
	return q.store.ListQueue(ctx, status)
}

// Retry moves a dead-lettered item back to the queue with a fresh retry
// budget.
func (q *Queue) Retry(ctx context.Context, queueID string) error {
	q.owner.Lock()
	defer q.owner.Unlock()
	if err := q.store.RequeueFailed(ctx, queueID, q.clock.Now().UTC()); err != nil {
		return fmt.Errorf("retry %s: %w", queueID, err)
	}
	q.refreshDepth(ctx)
	return nil
}

func (q *Queue) Discard(ctx context.Context, queueID string) error {
	q.owner.Lock()
	defer q.owner.Unlock()
	if err := q.store.DeleteQueueItem(ctx, queueID); err != nil {
		return fmt.Errorf("discard %s: %w", queueID, err)
	}
	q.refreshDepth(ctx)
	return nil
}

func (q *Queue) Depth(ctx context.Context) (map[model.QueueStatus]int, error) {
	items, err := q.store.ListQueue(ctx, "")
	if err != nil {
		return nil, err
	}
	out := map[model.QueueStatus]int{}
	for _, item := range items {
		out[item.Status]++
	}
	return out, nil
}

func (q *Queue) refreshDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		q.logger.Debug("queue depth unavailable", "err", err)
		return
	}
	q.metrics.SetQueueDepth(depth)
}
