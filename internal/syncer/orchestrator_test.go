package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/g960059/famsync/internal/command"
	"github.com/g960059/famsync/internal/config"
	"github.com/g960059/famsync/internal/db"
	"github.com/g960059/famsync/internal/enforce"
	"github.com/g960059/famsync/internal/identity"
	"github.com/g960059/famsync/internal/metrics"
	"github.com/g960059/famsync/internal/model"
	"github.com/g960059/famsync/internal/outbox"
	"github.com/g960059/famsync/internal/remote"
	"github.com/g960059/famsync/internal/remote/memstore"
	"github.com/g960059/famsync/internal/testutil"
	"github.com/g960059/famsync/internal/usage"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu      sync.Mutex
	targets []string
}

func (n *recordingNotifier) Notify(_ context.Context, deviceID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, deviceID)
	return nil
}

func (n *recordingNotifier) Targets() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.targets...)
}

type device struct {
	cfg       config.Config
	store     *db.Store
	queue     *outbox.Queue
	orch      *Orchestrator
	collector *usage.Collector
	enforcer  *enforce.Recorder
	notifier  *recordingNotifier
}

func testConfig(deviceID string, role model.Role) config.Config {
	cfg := config.DefaultConfig()
	cfg.DeviceID = deviceID
	cfg.DisplayName = deviceID
	cfg.Role = role
	cfg.MaxRetries = 3
	return cfg
}

func newDevice(t *testing.T, cfg config.Config, rs remote.Store, clock quartz.Clock, listener interface {
	Listen(ctx context.Context, deviceID string) (<-chan struct{}, error)
}) *device {
	t.Helper()
	store, _ := testutil.NewStore(t)
	m := metrics.New(prometheus.NewRegistry())
	d := &device{cfg: cfg, store: store, enforcer: &enforce.Recorder{}, notifier: &recordingNotifier{}}
	d.queue = outbox.New(store, cfg, clock, nil, m)
	opts := Options{
		Store:    store,
		Remote:   rs,
		Queue:    d.queue,
		Enforcer: d.enforcer,
		Notifier: d.notifier,
		Clock:    clock,
		Metrics:  m,
	}
	if listener != nil {
		opts.Listener = listener
	}
	d.orch = New(cfg, opts)
	t.Cleanup(d.orch.Close)
	resolver := identity.NewResolver(store, cfg.DeviceID, nil)
	agg := usage.NewAggregator(store, cfg, clock, nil, m)
	d.collector = usage.NewCollector(resolver, agg, store, cfg, clock, nil, m)
	return d
}

func observe(t *testing.T, d *device, ctx context.Context, handle string, seconds int64) model.UsageRecord {
	t.Helper()
	rec, ok, err := d.collector.Observe(ctx, usage.Observation{Handle: []byte(handle), DisplayName: "App X", Seconds: seconds})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !ok {
		t.Fatalf("observation dropped")
	}
	return rec
}

func mustSync(t *testing.T, d *device, ctx context.Context) Report {
	t.Helper()
	report, err := d.orch.Sync(ctx, "test")
	if err != nil {
		t.Fatalf("%s sync: %v", d.cfg.DeviceID, err)
	}
	return report
}

func TestControllerCommandReachesAgentOnce(t *testing.T) {
	ctx := t.Context()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	rs := memstore.New()
	parent := newDevice(t, testConfig("parent-1", model.RoleController), rs, clock, nil)
	child := newDevice(t, testConfig("child-1", model.RoleAgent), rs, clock, nil)

	// child-1 has no platform id for app X and mints L1.
	clock.Advance(time.Minute).MustWait(ctx)
	first := observe(t, child, ctx, "app-x-handle", 60)
	l1 := first.LogicalAppID
	if l1 == "" {
		t.Fatalf("expected a minted logical app id")
	}

	report := mustSync(t, child, ctx)
	if report.Uploaded != 1 || report.UploadsQueued != 0 {
		t.Fatalf("unexpected agent report: %+v", report)
	}
	report = mustSync(t, parent, ctx)
	if len(report.Summary) != 1 {
		t.Fatalf("expected one summary row, got %+v", report.Summary)
	}
	if got := report.Summary[0]; got.DeviceID != "child-1" || got.LogicalAppID != l1 || got.Seconds != 60 || got.DisplayName != "child-1" {
		t.Fatalf("unexpected summary: %+v", got)
	}

	cat := model.CategoryPrimary
	rate := 10.0
	enabled := true
	c1, err := parent.orch.Issuer().SetConfiguration(ctx, "child-1", model.ConfigurationDelta{LogicalAppID: l1, Category: &cat, Rate: &rate, Enabled: &enabled})
	if err != nil {
		t.Fatalf("set configuration: %v", err)
	}

	report = mustSync(t, child, ctx)
	if report.Commands.Executed != 1 {
		t.Fatalf("expected C1 executed, got %+v", report.Commands)
	}
	calls := child.enforcer.Calls()
	want := enforce.Call{LogicalAppID: l1, Category: model.CategoryPrimary, Rate: 10, Enabled: true}
	if len(calls) != 1 || calls[0] != want {
		t.Fatalf("enforcer calls = %+v, want [%+v]", calls, want)
	}
	remoteC1, err := rs.GetCommand(ctx, c1.CommandID)
	if err != nil {
		t.Fatalf("remote C1: %v", err)
	}
	if remoteC1.Status != model.CommandExecuted {
		t.Fatalf("C1 status = %s, want executed", remoteC1.Status)
	}

	report = mustSync(t, parent, ctx)
	if report.CommandsRefreshed != 1 {
		t.Fatalf("expected controller to see C1 executed, got %+v", report)
	}
	outbound, err := parent.store.GetCommand(ctx, c1.CommandID)
	if err != nil {
		t.Fatalf("controller C1: %v", err)
	}
	if outbound.Status != model.CommandExecuted {
		t.Fatalf("controller C1 status = %s", outbound.Status)
	}

	// Later passes never re-apply C1.
	for i := 0; i < 2; i++ {
		report = mustSync(t, child, ctx)
		if report.Commands != (command.ProcessReport{}) {
			t.Fatalf("pass %d re-processed commands: %+v", i, report.Commands)
		}
	}
	if got := len(child.enforcer.Calls()); got != 1 {
		t.Fatalf("enforcer called %d times, want 1", got)
	}

	// New usage is priced at the configured rate and wakes the controller.
	clock.Advance(time.Minute).MustWait(ctx)
	second := observe(t, child, ctx, "app-x-handle", 60)
	if second.LogicalAppID != l1 || !testutil.Float64Equal(second.DerivedPoints, 10) {
		t.Fatalf("unexpected second record: %+v", second)
	}
	report = mustSync(t, child, ctx)
	if report.Uploaded != 1 {
		t.Fatalf("expected second upload, got %+v", report)
	}
	if targets := child.notifier.Targets(); len(targets) == 0 || targets[len(targets)-1] != "parent-1" {
		t.Fatalf("controller not woken: %v", targets)
	}
}

func TestAgentQueuesUploadsWhileOffline(t *testing.T) {
	ctx := t.Context()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	rs := memstore.New()
	child := newDevice(t, testConfig("child-1", model.RoleAgent), rs, clock, nil)

	clock.Advance(time.Minute).MustWait(ctx)
	rec := observe(t, child, ctx, "app-x-handle", 60)

	rs.SetOffline(true)
	report, err := child.orch.Sync(ctx, "test")
	if err == nil {
		t.Fatalf("expected offline pass to report errors")
	}
	if report.UploadsQueued != 1 || report.Uploaded != 0 {
		t.Fatalf("unexpected offline report: %+v", report)
	}

	// The record keeps growing while offline; the queued upload follows it.
	clock.Advance(time.Minute).MustWait(ctx)
	observe(t, child, ctx, "app-x-handle", 60)
	report, _ = child.orch.Sync(ctx, "test")
	if report.Drain.Retried != 1 || report.UploadsQueued != 1 {
		t.Fatalf("unexpected second offline report: %+v", report)
	}
	items, err := child.queue.List(ctx, model.QueueQueued)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(items) != 1 || items[0].Kind != model.OpUploadUsage {
		t.Fatalf("expected one deduplicated upload, got %+v", items)
	}

	rs.SetOffline(false)
	report = mustSync(t, child, ctx)
	if report.Drain.Delivered != 1 || report.Uploaded != 0 {
		t.Fatalf("unexpected recovery report: %+v", report)
	}
	uploaded, err := rs.ListUsageSince(ctx, testNow)
	if err != nil {
		t.Fatalf("remote usage: %v", err)
	}
	if len(uploaded) != 1 || uploaded[0].AccumulatedSeconds != 120 || !uploaded[0].SessionStart.Equal(rec.SessionStart) {
		t.Fatalf("unexpected remote usage: %+v", uploaded)
	}
	local, err := child.store.GetUsage(ctx, rec.Key())
	if err != nil {
		t.Fatalf("local usage: %v", err)
	}
	if !local.Synced {
		t.Fatalf("delivered record not marked synced")
	}
}

func TestAgentDeadLettersAfterMaxRetries(t *testing.T) {
	ctx := t.Context()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	rs := memstore.New()
	child := newDevice(t, testConfig("child-1", model.RoleAgent), rs, clock, nil)

	clock.Advance(time.Minute).MustWait(ctx)
	rec := observe(t, child, ctx, "app-x-handle", 60)
	rs.SetOffline(true)

	var report Report
	for i := 0; i < 4; i++ {
		report, _ = child.orch.Sync(ctx, "test")
	}
	if report.Drain.DeadLettered != 1 {
		t.Fatalf("expected dead letter on the fourth pass, got %+v", report.Drain)
	}
	dead, err := child.queue.List(ctx, model.QueueFailed)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(dead) != 1 || dead[0].RetryCount != 3 || dead[0].LastError == "" {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}

	rs.SetOffline(false)
	mustSync(t, child, ctx)
	local, err := child.store.GetUsage(ctx, rec.Key())
	if err != nil {
		t.Fatalf("local usage: %v", err)
	}
	if !local.Synced {
		t.Fatalf("record not synced after recovery")
	}
	dead, err = child.queue.List(ctx, model.QueueFailed)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead letter must stay queryable, got %d", len(dead))
	}
}

func TestControllerAdoptsWinningRemoteConfiguration(t *testing.T) {
	ctx := t.Context()
	clock := quartz.NewMock(t)
	clock.Set(testNow)
	rs := memstore.New()
	parent := newDevice(t, testConfig("parent-1", model.RoleController), rs, clock, nil)

	testutil.SeedConfiguration(t, parent.store, ctx, "L1", model.CategoryPrimary, 10, testNow)
	newer := model.ConfigurationRecord{LogicalAppID: "L1", Category: model.CategorySecondary, Rate: 20, Enabled: true, LastModified: testNow.Add(time.Minute), OriginDeviceID: "parent-2", OriginRole: model.RoleController}
	agentOwned := model.ConfigurationRecord{LogicalAppID: "L2", Category: model.CategoryPrimary, Rate: 5, Enabled: true, LastModified: testNow, OriginDeviceID: "child-1", OriginRole: model.RoleAgent}
	for _, rec := range []model.ConfigurationRecord{newer, agentOwned} {
		if err := rs.PutConfiguration(ctx, rec); err != nil {
			t.Fatalf("put remote configuration: %v", err)
		}
	}

	report := mustSync(t, parent, ctx)
	if report.ConfigsAdopted != 2 {
		t.Fatalf("expected 2 adopted, got %+v", report)
	}
	got, err := parent.store.GetConfiguration(ctx, "L1")
	if err != nil {
		t.Fatalf("local L1: %v", err)
	}
	if got.Rate != 20 || got.OriginDeviceID != "parent-2" {
		t.Fatalf("newer remote record not adopted: %+v", got)
	}

	report = mustSync(t, parent, ctx)
	if report.ConfigsAdopted != 0 {
		t.Fatalf("second pass should adopt nothing, got %d", report.ConfigsAdopted)
	}
}

func TestSummarize(t *testing.T) {
	start := testNow
	records := []model.UsageRecord{
		{DeviceID: "child-2", LogicalAppID: "L1", Category: model.CategoryPrimary, SessionStart: start, AccumulatedSeconds: 30, DerivedPoints: 1},
		{DeviceID: "child-1", LogicalAppID: "L1", Category: model.CategoryPrimary, SessionStart: start, AccumulatedSeconds: 60, DerivedPoints: 10},
		{DeviceID: "child-1", LogicalAppID: "L1", Category: model.CategoryPrimary, SessionStart: start.Add(time.Hour), AccumulatedSeconds: 120, DerivedPoints: 20},
		{DeviceID: "child-1", LogicalAppID: "L1", Category: model.CategorySecondary, SessionStart: start, AccumulatedSeconds: 10},
	}
	got := Summarize(records, map[string]string{"child-1": "Kid"})
	if len(got) != 3 {
		t.Fatalf("expected 3 rows, got %+v", got)
	}
	if got[0].DeviceID != "child-1" || got[0].Category != model.CategoryPrimary || got[0].Seconds != 180 || got[0].Sessions != 2 || !testutil.Float64Equal(got[0].Points, 30) || got[0].DisplayName != "Kid" {
		t.Fatalf("unexpected first row: %+v", got[0])
	}
	if got[1].Category != model.CategorySecondary || got[2].DeviceID != "child-2" {
		t.Fatalf("unexpected order: %+v", got)
	}
}
