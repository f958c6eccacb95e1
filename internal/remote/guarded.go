package remote

import (
	"context"
	"time"

	"github.com/g960059/famsync/internal/model"
)

// Guarded bounds every call with a timeout and reports its outcome to a
// HealthTracker.
type Guarded struct {
	inner   Store
	timeout time.Duration
	health  *HealthTracker
}

func NewGuarded(inner Store, timeout time.Duration, health *HealthTracker) *Guarded {
	return &Guarded{inner: inner, timeout: timeout, health: health}
}

func (g *Guarded) Health() model.RemoteHealth {
	if g.health == nil {
		return model.RemoteHealthOK
	}
	return g.health.Current()
}

func (g *Guarded) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	err := fn(callCtx)
	if g.health != nil {
		g.health.Observe(err == nil || IsDomainError(err))
	}
	return err
}

func (g *Guarded) RegisterDevice(ctx context.Context, d model.Device) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.RegisterDevice(ctx, d) })
}

func (g *Guarded) ListDevices(ctx context.Context) ([]model.Device, error) {
	var out []model.Device
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.ListDevices(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) PutConfiguration(ctx context.Context, rec model.ConfigurationRecord) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.PutConfiguration(ctx, rec) })
}

func (g *Guarded) GetConfiguration(ctx context.Context, id model.LogicalAppID) (model.ConfigurationRecord, error) {
	var out model.ConfigurationRecord
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.GetConfiguration(ctx, id)
		return err
	})
	return out, err
}

func (g *Guarded) ListConfigurations(ctx context.Context) ([]model.ConfigurationRecord, error) {
	var out []model.ConfigurationRecord
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.ListConfigurations(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) CreateCommand(ctx context.Context, cmd model.Command) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.CreateCommand(ctx, cmd) })
}

func (g *Guarded) GetCommand(ctx context.Context, commandID string) (model.Command, error) {
	var out model.Command
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.GetCommand(ctx, commandID)
		return err
	})
	return out, err
}

func (g *Guarded) ListPendingCommands(ctx context.Context, targetDeviceID string) ([]model.Command, error) {
	var out []model.Command
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.ListPendingCommands(ctx, targetDeviceID)
		return err
	})
	return out, err
}

func (g *Guarded) UpdateCommandStatus(ctx context.Context, ack model.CommandAck) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.UpdateCommandStatus(ctx, ack) })
}

func (g *Guarded) UpsertUsage(ctx context.Context, rec model.UsageRecord) error {
	return g.call(ctx, func(ctx context.Context) error { return g.inner.UpsertUsage(ctx, rec) })
}

func (g *Guarded) ListUsageSince(ctx context.Context, since time.Time) ([]model.UsageRecord, error) {
	var out []model.UsageRecord
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.ListUsageSince(ctx, since)
		return err
	})
	return out, err
}

func (g *Guarded) Close() error {
	return g.inner.Close()
}
