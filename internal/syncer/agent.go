package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/g960059/famsync/internal/db"
	"github.com/g960059/famsync/internal/model"
	"github.com/g960059/famsync/internal/outbox"
)

func usageDedupeKey(rec model.UsageRecord) string {
	return fmt.Sprintf("usage/%s/%s/%d", rec.LogicalAppID, rec.DeviceID, rec.SessionStart.UnixNano())
}

// uploadUsage sends unsynced records in (LogicalAppID, SessionStart) order.
// After the first failure for an id, and for any id that already has a queued
// upload, the remaining records of that id are queued so they reach the
// remote store in order.
func (o *Orchestrator) uploadUsage(ctx context.Context, report *Report) error {
	records, err := o.store.ListUnsyncedUsage(ctx, o.cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("list unsynced usage: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	blocked, err := o.queuedUploadIDs(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if blocked[rec.LogicalAppID] {
			if err := o.queueUpload(ctx, rec); err != nil {
				errs = append(errs, err)
				continue
			}
			report.UploadsQueued++
			continue
		}
		if err := o.remote.UpsertUsage(ctx, rec); err != nil {
			o.metrics.UsageUpload("queued")
			o.logger.Info("usage upload failed, queued", "logical_app_id", rec.LogicalAppID, "session_start", rec.SessionStart, "err", err)
			blocked[rec.LogicalAppID] = true
			if err := o.queueUpload(ctx, rec); err != nil {
				errs = append(errs, err)
				continue
			}
			report.UploadsQueued++
			continue
		}
		o.metrics.UsageUpload("ok")
		report.Uploaded++
		frozen, err := o.store.MarkUsageSynced(ctx, rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !frozen {
			o.logger.Debug("usage record extended during upload", "logical_app_id", rec.LogicalAppID, "session_start", rec.SessionStart)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) queueUpload(ctx context.Context, rec model.UsageRecord) error {
	if err := o.queue.Enqueue(ctx, model.OpUploadUsage, usageDedupeKey(rec), rec); err != nil {
		return fmt.Errorf("queue usage upload: %w", err)
	}
	return nil
}

func (o *Orchestrator) queuedUploadIDs(ctx context.Context) (map[model.LogicalAppID]bool, error) {
	items, err := o.queue.List(ctx, model.QueueQueued)
	if err != nil {
		return nil, fmt.Errorf("list queued uploads: %w", err)
	}
	out := map[model.LogicalAppID]bool{}
	for _, item := range items {
		if item.Kind != model.OpUploadUsage {
			continue
		}
		var rec model.UsageRecord
		if err := outbox.Decode(item.Payload, &rec); err != nil {
			o.logger.Warn("undecodable queued upload", "queue_id", item.QueueID, "err", err)
			continue
		}
		out[rec.LogicalAppID] = true
	}
	return out, nil
}

// deliverUsage is the queue handler for upload_usage. It sends the current
// local copy of the record when one exists, so a snapshot queued before a
// later extension never overwrites newer remote values.
func (o *Orchestrator) deliverUsage(ctx context.Context, payload []byte) error {
	var rec model.UsageRecord
	if err := outbox.Decode(payload, &rec); err != nil {
		return fmt.Errorf("decode usage: %w", err)
	}
	current, err := o.store.GetUsage(ctx, rec.Key())
	switch {
	case err == nil:
		rec = current
	case errors.Is(err, db.ErrNotFound):
	default:
		return err
	}
	if err := o.remote.UpsertUsage(ctx, rec); err != nil {
		return err
	}
	o.metrics.UsageUpload("ok")
	if _, err := o.store.MarkUsageSynced(ctx, rec); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) wakeControllers(ctx context.Context) {
	devices, err := o.remote.ListDevices(ctx)
	if err != nil {
		o.logger.Debug("list devices for wake failed", "err", err)
		return
	}
	for _, d := range devices {
		if d.Role != model.RoleController || d.DeviceID == o.cfg.DeviceID {
			continue
		}
		if err := o.notifier.Notify(ctx, d.DeviceID); err != nil {
			o.logger.Debug("wake controller failed", "target", d.DeviceID, "err", err)
		}
	}
}
