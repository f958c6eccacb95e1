// Package remotetest holds behaviour tests shared by remote.Store
// implementations.
package remotetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/g960059/famsync/internal/model"
	"github.com/g960059/famsync/internal/remote"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// Run exercises newStore against the remote.Store contract. Each subtest gets
// a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) remote.Store) {
	t.Run("Devices", func(t *testing.T) { testDevices(t, newStore(t)) })
	t.Run("Configurations", func(t *testing.T) { testConfigurations(t, newStore(t)) })
	t.Run("Commands", func(t *testing.T) { testCommands(t, newStore(t)) })
	t.Run("Usage", func(t *testing.T) { testUsage(t, newStore(t)) })
}

func testDevices(t *testing.T, s remote.Store) {
	ctx := context.Background()
	for _, d := range []model.Device{
		{DeviceID: "parent-1", Role: model.RoleController, DisplayName: "Parent", LastSeenAt: base},
		{DeviceID: "child-1", Role: model.RoleAgent, DisplayName: "Tablet", LastSeenAt: base},
	} {
		if err := s.RegisterDevice(ctx, d); err != nil {
			t.Fatalf("register %s: %v", d.DeviceID, err)
		}
	}
	if err := s.RegisterDevice(ctx, model.Device{DeviceID: "child-1", Role: model.RoleAgent, DisplayName: "Tablet", LastSeenAt: base.Add(time.Hour)}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	devices, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	for _, d := range devices {
		if d.DeviceID == "child-1" && !d.LastSeenAt.Equal(base.Add(time.Hour)) {
			t.Fatalf("re-registration must update last_seen_at, got %v", d.LastSeenAt)
		}
	}
}

func testConfigurations(t *testing.T, s remote.Store) {
	ctx := context.Background()
	if _, err := s.GetConfiguration(ctx, "L1"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	rec := model.ConfigurationRecord{
		LogicalAppID:   "L1",
		Category:       model.CategoryPrimary,
		Rate:           10,
		Enabled:        true,
		LastModified:   base,
		OriginDeviceID: "parent-1",
		OriginRole:     model.RoleController,
	}
	if err := s.PutConfiguration(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec.Rate = 20
	rec.LastModified = base.Add(time.Minute)
	if err := s.PutConfiguration(ctx, rec); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := s.GetConfiguration(ctx, "L1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Rate != 20 || !got.LastModified.Equal(rec.LastModified) || got.OriginRole != model.RoleController {
		t.Fatalf("unexpected configuration: %+v", got)
	}
	all, err := s.ListConfigurations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 configuration, got %d", len(all))
	}
}

func testCommands(t *testing.T, s remote.Store) {
	ctx := context.Background()
	cmd := model.Command{
		CommandID:      "c1",
		TargetDeviceID: "child-1",
		Kind:           model.CommandSetConfiguration,
		Payload:        []byte(`{"logical_app_id":"L1"}`),
		CreatedAt:      base,
		Status:         model.CommandPending,
	}
	if err := s.CreateCommand(ctx, cmd); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateCommand(ctx, cmd); err != nil {
		t.Fatalf("create must be idempotent: %v", err)
	}
	other := cmd
	other.CommandID = "c2"
	other.TargetDeviceID = "child-2"
	if err := s.CreateCommand(ctx, other); err != nil {
		t.Fatalf("create other: %v", err)
	}

	pending, err := s.ListPendingCommands(ctx, "child-1")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].CommandID != "c1" || string(pending[0].Payload) != string(cmd.Payload) {
		t.Fatalf("unexpected pending commands: %+v", pending)
	}

	ack := model.CommandAck{CommandID: "c1", Status: model.CommandExecuted, ExecutedAt: base.Add(time.Minute)}
	if err := s.UpdateCommandStatus(ctx, ack); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := s.UpdateCommandStatus(ctx, ack); err != nil {
		t.Fatalf("repeated ack must succeed: %v", err)
	}
	if err := s.UpdateCommandStatus(ctx, model.CommandAck{CommandID: "c1", Status: model.CommandFailed, ExecutedAt: base}); !errors.Is(err, remote.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if err := s.UpdateCommandStatus(ctx, model.CommandAck{CommandID: "missing", Status: model.CommandExecuted, ExecutedAt: base}); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := s.GetCommand(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.CommandExecuted || got.ExecutedAt == nil || !got.ExecutedAt.Equal(ack.ExecutedAt) {
		t.Fatalf("unexpected command: %+v", got)
	}
	pending, err = s.ListPendingCommands(ctx, "child-1")
	if err != nil {
		t.Fatalf("list pending after ack: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("executed command must not be pending: %+v", pending)
	}
}

func testUsage(t *testing.T, s remote.Store) {
	ctx := context.Background()
	rec := model.UsageRecord{
		LogicalAppID:       "L1",
		DeviceID:           "child-1",
		SessionStart:       base,
		SessionEnd:         base.Add(time.Minute),
		Category:           model.CategoryPrimary,
		AccumulatedSeconds: 60,
		DerivedPoints:      10,
	}
	if err := s.UpsertUsage(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec.SessionEnd = base.Add(2 * time.Minute)
	rec.AccumulatedSeconds = 120
	rec.DerivedPoints = 20
	if err := s.UpsertUsage(ctx, rec); err != nil {
		t.Fatalf("upsert extension: %v", err)
	}
	old := rec
	old.SessionStart = base.Add(-2 * time.Hour)
	old.SessionEnd = base.Add(-time.Hour)
	if err := s.UpsertUsage(ctx, old); err != nil {
		t.Fatalf("upsert old: %v", err)
	}

	got, err := s.ListUsageSince(ctx, base)
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 recent record, got %d", len(got))
	}
	if got[0].AccumulatedSeconds != 120 || !got[0].SessionStart.Equal(base) || got[0].Category != model.CategoryPrimary {
		t.Fatalf("unexpected usage: %+v", got[0])
	}
}
