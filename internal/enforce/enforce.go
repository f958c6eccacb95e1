// Package enforce connects the sync engine to the platform mechanism that
// applies per-app restrictions.
package enforce

import (
	"context"
	"log/slog"
	"sync"

	"github.com/g960059/famsync/internal/model"
)

type Enforcer interface {
	ApplyConfiguration(ctx context.Context, id model.LogicalAppID, category model.Category, rate float64, enabled, enforced bool) error
}

// LogEnforcer reports applied configurations to a logger. It stands in for a
// platform enforcement mechanism.
type LogEnforcer struct {
	Logger *slog.Logger
}

func (e LogEnforcer) ApplyConfiguration(ctx context.Context, id model.LogicalAppID, category model.Category, rate float64, enabled, enforced bool) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "apply configuration",
		"logical_app_id", id,
		"category", category,
		"rate", rate,
		"enabled", enabled,
		"enforced", enforced,
	)
	return nil
}

type Call struct {
	LogicalAppID model.LogicalAppID
	Category     model.Category
	Rate         float64
	Enabled      bool
	Enforced     bool
}

// Recorder remembers every call. Err, when set, is returned from each call.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	Err   error
}

func (r *Recorder) ApplyConfiguration(_ context.Context, id model.LogicalAppID, category model.Category, rate float64, enabled, enforced bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{LogicalAppID: id, Category: category, Rate: rate, Enabled: enabled, Enforced: enforced})
	return r.Err
}

func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}
