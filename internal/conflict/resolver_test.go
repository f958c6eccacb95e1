package conflict

import (
	"testing"
	"time"

	"github.com/g960059/famsync/internal/model"
)

func record(role model.Role, device string, modified time.Time, rate float64) model.ConfigurationRecord {
	return model.ConfigurationRecord{
		LogicalAppID:   "L1",
		Category:       model.CategoryPrimary,
		Rate:           rate,
		Enabled:        true,
		LastModified:   modified,
		OriginDeviceID: device,
		OriginRole:     role,
	}
}

func TestWinnerRules(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	tests := []struct {
		name   string
		local  model.ConfigurationRecord
		remote model.ConfigurationRecord
		want   Side
	}{
		{
			name:   "remote controller beats newer local agent",
			local:  record(model.RoleAgent, "child-1", t1, 1),
			remote: record(model.RoleController, "parent-1", t0, 2),
			want:   Remote,
		},
		{
			name:   "local controller beats newer remote agent",
			local:  record(model.RoleController, "parent-1", t0, 1),
			remote: record(model.RoleAgent, "child-1", t1, 2),
			want:   Local,
		},
		{
			name:   "newer remote wins between controllers",
			local:  record(model.RoleController, "parent-1", t0, 1),
			remote: record(model.RoleController, "parent-2", t1, 2),
			want:   Remote,
		},
		{
			name:   "newer local wins between agents",
			local:  record(model.RoleAgent, "child-1", t1, 1),
			remote: record(model.RoleAgent, "child-2", t0, 2),
			want:   Local,
		},
		{
			name:   "equal timestamps remote controller wins",
			local:  record(model.RoleController, "parent-z", t0, 1),
			remote: record(model.RoleController, "parent-a", t0, 2),
			want:   Remote,
		},
		{
			name:   "equal timestamps agents higher device id wins",
			local:  record(model.RoleAgent, "child-1", t0, 1),
			remote: record(model.RoleAgent, "child-2", t0, 2),
			want:   Remote,
		},
		{
			name:   "equal timestamps agents lower remote device id keeps local",
			local:  record(model.RoleAgent, "child-2", t0, 1),
			remote: record(model.RoleAgent, "child-1", t0, 2),
			want:   Local,
		},
		{
			name:   "identical records keep local",
			local:  record(model.RoleAgent, "child-1", t0, 1),
			remote: record(model.RoleAgent, "child-1", t0, 1),
			want:   Local,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Winner(tc.local, tc.remote); got != tc.want {
				t.Fatalf("Winner() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestResolveIsDeterministicAcrossDevices(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := record(model.RoleAgent, "child-1", t0, 1)
	b := record(model.RoleAgent, "child-2", t0, 2)

	// Each device sees the other's record as remote; both must keep the same one.
	onA := Resolve(a, b)
	onB := Resolve(b, a)
	if onA.OriginDeviceID != onB.OriginDeviceID || onA.Rate != onB.Rate {
		t.Fatalf("devices diverged: %+v vs %+v", onA, onB)
	}

	c := record(model.RoleController, "parent-1", t0.Add(-time.Hour), 3)
	if got := Resolve(a, c); got.Rate != 3 {
		t.Fatalf("controller record must win, got %+v", got)
	}
	if got := Resolve(c, a); got.Rate != 3 {
		t.Fatalf("controller record must win as local, got %+v", got)
	}
}
