package remote

import (
	"sync"
	"time"

	"github.com/g960059/famsync/internal/config"
	"github.com/g960059/famsync/internal/metrics"
	"github.com/g960059/famsync/internal/model"
)

type HealthState struct {
	Current              model.RemoteHealth
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

func NextHealth(cfg config.Config, state HealthState, success bool, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = model.RemoteHealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if (state.Current == model.RemoteHealthDegraded || state.Current == model.RemoteHealthDown) && state.ConsecutiveSuccesses >= cfg.RemoteRecoverSuccesses {
			state.Current = model.RemoteHealthOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case model.RemoteHealthOK:
		state.Current = model.RemoteHealthDegraded
		state.LastTransitionAt = now
	case model.RemoteHealthDegraded:
		if now.Sub(state.LastTransitionAt) > cfg.RemoteDownWindow {
			// Failure window expired; start a new degraded window from this failure.
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= cfg.RemoteDownFailures {
			state.Current = model.RemoteHealthDown
			state.LastTransitionAt = now
		}
	case model.RemoteHealthDown:
		// keep down until enough successful calls arrive
	}
	return state
}

// HealthTracker feeds remote call outcomes through NextHealth.
type HealthTracker struct {
	cfg     config.Config
	now     func() time.Time
	metrics *metrics.Metrics

	mu    sync.Mutex
	state HealthState
}

func NewHealthTracker(cfg config.Config, now func() time.Time, m *metrics.Metrics) *HealthTracker {
	if now == nil {
		now = time.Now
	}
	h := &HealthTracker{cfg: cfg, now: now, metrics: m, state: HealthState{Current: model.RemoteHealthOK}}
	m.SetRemoteHealth(model.RemoteHealthOK)
	return h
}

func (h *HealthTracker) Observe(success bool) model.RemoteHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = NextHealth(h.cfg, h.state, success, h.now().UTC())
	h.metrics.SetRemoteHealth(h.state.Current)
	return h.state.Current
}

func (h *HealthTracker) Current() model.RemoteHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Current
}
