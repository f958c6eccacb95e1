package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/g960059/famsync/internal/db"
	"github.com/g960059/famsync/internal/model"
	"github.com/g960059/famsync/internal/outbox"
	"github.com/g960059/famsync/internal/remote"
	"github.com/g960059/famsync/internal/wake"
)

// ErrNotReissuable is returned by Reissue for commands that have not failed.
var ErrNotReissuable = errors.New("only failed commands can be reissued")

// Issuer is the controller side of command propagation.
type Issuer struct {
	deviceID string
	store    *db.Store
	remote   remote.Store
	queue    *outbox.Queue
	notifier wake.Notifier
	clock    quartz.Clock
	logger   *slog.Logger
}

func NewIssuer(deviceID string, store *db.Store, rs remote.Store, q *outbox.Queue, notifier wake.Notifier, clock quartz.Clock, logger *slog.Logger) *Issuer {
	if notifier == nil {
		notifier = wake.Nop{}
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{deviceID: deviceID, store: store, remote: rs, queue: q, notifier: notifier, clock: clock, logger: logger}
}

// SetConfiguration applies delta to the controller's own copy, publishes the
// full record, and issues a Command carrying delta to targetDeviceID.
// Remote failures are queued; only local failures are returned.
func (i *Issuer) SetConfiguration(ctx context.Context, targetDeviceID string, delta model.ConfigurationDelta) (model.Command, error) {
	if targetDeviceID == "" {
		return model.Command{}, errors.New("target device is required")
	}
	now := i.clock.Now().UTC()
	delta.LastModified = now
	delta.OriginDeviceID = i.deviceID
	delta.OriginRole = model.RoleController
	payload, err := EncodeDelta(delta)
	if err != nil {
		return model.Command{}, err
	}

	base, err := i.store.GetConfiguration(ctx, delta.LogicalAppID)
	if errors.Is(err, db.ErrNotFound) {
		base = model.DefaultConfiguration(delta.LogicalAppID)
	} else if err != nil {
		return model.Command{}, fmt.Errorf("load configuration: %w", err)
	}
	rec := delta.Apply(base)
	if err := i.store.UpsertConfiguration(ctx, rec); err != nil {
		return model.Command{}, err
	}
	if err := i.remote.PutConfiguration(ctx, rec); err != nil {
		i.logger.Warn("publish configuration failed, queued", "logical_app_id", rec.LogicalAppID, "err", err)
		if err := i.queue.Enqueue(ctx, model.OpPutConfiguration, configurationDedupeKey(rec.LogicalAppID), rec); err != nil {
			return model.Command{}, err
		}
	}

	cmd := model.Command{
		CommandID:      uuid.NewString(),
		TargetDeviceID: targetDeviceID,
		Kind:           model.CommandSetConfiguration,
		Payload:        payload,
		CreatedAt:      now,
		Status:         model.CommandPending,
	}
	if err := i.issue(ctx, cmd); err != nil {
		return model.Command{}, err
	}
	return cmd, nil
}

func (i *Issuer) issue(ctx context.Context, cmd model.Command) error {
	if err := i.store.InsertCommand(ctx, db.CommandOutbound, cmd); err != nil {
		return err
	}
	if err := i.remote.CreateCommand(ctx, cmd); err != nil {
		i.logger.Warn("create command failed, queued", "command_id", cmd.CommandID, "target", cmd.TargetDeviceID, "err", err)
		if err := i.queue.Enqueue(ctx, model.OpCreateCommand, createDedupeKey(cmd.CommandID), cmd); err != nil {
			return err
		}
		return nil
	}
	if err := i.notifier.Notify(ctx, cmd.TargetDeviceID); err != nil {
		i.logger.Debug("wake signal not sent", "target", cmd.TargetDeviceID, "err", err)
	}
	return nil
}

// Reissue issues a fresh Command with the payload of a failed one. The failed
// command itself stays failed.
func (i *Issuer) Reissue(ctx context.Context, commandID string) (model.Command, error) {
	if _, err := i.RefreshOutbound(ctx); err != nil {
		i.logger.Debug("refresh before reissue failed", "err", err)
	}
	old, err := i.store.GetCommand(ctx, commandID)
	if err != nil {
		return model.Command{}, fmt.Errorf("load command %s: %w", commandID, err)
	}
	if old.Status != model.CommandFailed {
		return model.Command{}, fmt.Errorf("command %s is %s: %w", commandID, old.Status, ErrNotReissuable)
	}
	delta, err := DecodeDelta(old.Payload)
	if err != nil {
		return model.Command{}, fmt.Errorf("command %s: %w", commandID, err)
	}
	return i.SetConfiguration(ctx, old.TargetDeviceID, delta)
}

// RefreshOutbound copies terminal statuses reported by agents onto the
// controller's outbound command rows. It returns how many rows changed.
func (i *Issuer) RefreshOutbound(ctx context.Context) (int, error) {
	pending, err := i.store.ListCommands(ctx, db.CommandOutbound, model.CommandPending)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, local := range pending {
		current, err := i.remote.GetCommand(ctx, local.CommandID)
		if errors.Is(err, remote.ErrNotFound) {
			continue
		}
		if err != nil {
			return changed, fmt.Errorf("fetch command %s: %w", local.CommandID, err)
		}
		if !current.Status.Terminal() {
			continue
		}
		executedAt := i.clock.Now().UTC()
		if current.ExecutedAt != nil {
			executedAt = *current.ExecutedAt
		}
		err = i.store.UpdateCommandStatus(ctx, local.CommandID, current.Status, executedAt, current.Error)
		if err != nil && !errors.Is(err, db.ErrTerminal) {
			return changed, err
		}
		if err == nil {
			changed++
		}
	}
	return changed, nil
}
