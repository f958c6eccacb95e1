package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/famsync/internal/db"
	"github.com/g960059/famsync/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "famsync-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedConfiguration stores a configuration with the given rate and category,
// attributed to a controller.
func SeedConfiguration(t *testing.T, store *db.Store, ctx context.Context, id model.LogicalAppID, category model.Category, rate float64, modified time.Time) model.ConfigurationRecord {
	t.Helper()
	rec := model.ConfigurationRecord{
		LogicalAppID:   id,
		Category:       category,
		Rate:           rate,
		Enabled:        true,
		LastModified:   modified.UTC(),
		OriginDeviceID: "parent-1",
		OriginRole:     model.RoleController,
	}
	if err := store.UpsertConfiguration(ctx, rec); err != nil {
		t.Fatalf("seed configuration: %v", err)
	}
	return rec
}

// Float64Equal compares derived point values produced by repeated float
// arithmetic.
func Float64Equal(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}
