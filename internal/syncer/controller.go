package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/g960059/famsync/internal/conflict"
	"github.com/g960059/famsync/internal/db"
	"github.com/g960059/famsync/internal/model"
)

// UsageSummary totals one app's usage on one device over the report window.
type UsageSummary struct {
	DeviceID     string
	DisplayName  string
	LogicalAppID model.LogicalAppID
	Category     model.Category
	Seconds      int64
	Points       float64
	Sessions     int
}

func (o *Orchestrator) controllerPass(ctx context.Context, report *Report) error {
	var errs []error
	if err := o.drain(ctx, report); err != nil {
		errs = append(errs, err)
	}
	if err := o.register(ctx); err != nil {
		errs = append(errs, err)
	}
	refreshed, err := o.issuer.RefreshOutbound(ctx)
	report.CommandsRefreshed = refreshed
	if err != nil {
		errs = append(errs, fmt.Errorf("refresh outbound commands: %w", err))
	}
	summary, err := o.summarize(ctx)
	report.Summary = summary
	if err != nil {
		errs = append(errs, err)
	}
	adopted, err := o.reconcileConfigurations(ctx)
	report.ConfigsAdopted = adopted
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) summarize(ctx context.Context) ([]UsageSummary, error) {
	since := o.clock.Now().UTC().Add(-o.cfg.ReportWindow)
	records, err := o.remote.ListUsageSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list usage since %s: %w", since.Format("2006-01-02T15:04:05Z07:00"), err)
	}
	names := map[string]string{}
	devices, err := o.remote.ListDevices(ctx)
	if err != nil {
		o.logger.Debug("list devices for summary failed", "err", err)
	}
	for _, d := range devices {
		names[d.DeviceID] = d.DisplayName
	}
	return Summarize(records, names), nil
}

// Summarize groups records by (device, app, category), ordered by those keys.
func Summarize(records []model.UsageRecord, displayNames map[string]string) []UsageSummary {
	type key struct {
		device   string
		id       model.LogicalAppID
		category model.Category
	}
	byKey := map[key]*UsageSummary{}
	for _, rec := range records {
		k := key{device: rec.DeviceID, id: rec.LogicalAppID, category: rec.Category}
		s, ok := byKey[k]
		if !ok {
			s = &UsageSummary{DeviceID: rec.DeviceID, DisplayName: displayNames[rec.DeviceID], LogicalAppID: rec.LogicalAppID, Category: rec.Category}
			byKey[k] = s
		}
		s.Seconds += rec.AccumulatedSeconds
		s.Points += rec.DerivedPoints
		s.Sessions++
	}
	out := make([]UsageSummary, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		if out[i].LogicalAppID != out[j].LogicalAppID {
			return out[i].LogicalAppID < out[j].LogicalAppID
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// reconcileConfigurations adopts remote configuration records that beat the
// local copy. It returns how many local records changed.
func (o *Orchestrator) reconcileConfigurations(ctx context.Context) (int, error) {
	remoteRecs, err := o.remote.ListConfigurations(ctx)
	if err != nil {
		return 0, fmt.Errorf("list remote configurations: %w", err)
	}
	adopted := 0
	var errs []error
	for _, rec := range remoteRecs {
		local, err := o.store.GetConfiguration(ctx, rec.LogicalAppID)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			errs = append(errs, err)
			continue
		default:
			if conflict.Winner(local, rec) == conflict.Local || sameConfiguration(local, rec) {
				continue
			}
		}
		if err := o.store.UpsertConfiguration(ctx, rec); err != nil {
			errs = append(errs, err)
			continue
		}
		adopted++
		o.logger.Info("adopted remote configuration", "logical_app_id", rec.LogicalAppID, "origin_device_id", rec.OriginDeviceID, "origin_role", rec.OriginRole)
	}
	return adopted, errors.Join(errs...)
}

func sameConfiguration(a, b model.ConfigurationRecord) bool {
	if !a.LastModified.Equal(b.LastModified) {
		return false
	}
	a.LastModified = b.LastModified
	return a == b
}
