package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/g960059/famsync/internal/remote"
	"github.com/g960059/famsync/internal/remote/remotetest"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("FAMSYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FAMSYNC_TEST_DATABASE_URL not set; skipping postgres integration test")
	}
	return url
}

func TestParseURLRejectsMalformedURL(t *testing.T) {
	if _, err := ParseURL("postgres://parent@%zz/famsync"); err == nil {
		t.Fatalf("expected parse error")
	}
	cfg, err := ParseURL("postgres://parent@db.example:5433/famsync")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Host != "db.example" || cfg.Port != 5433 || cfg.Database != "famsync" {
		t.Fatalf("unexpected config: host=%s port=%d db=%s", cfg.Host, cfg.Port, cfg.Database)
	}
}

func TestStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := getTestDatabaseURL(t)

	remotetest.Run(t, func(t *testing.T) remote.Store {
		ctx := context.Background()
		cfg, err := ParseURL(databaseURL)
		if err != nil {
			t.Fatalf("parse url: %v", err)
		}
		s, err := Open(ctx, cfg)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := RollbackAll(ctx, s.DB()); err != nil {
			t.Fatalf("reset schema: %v", err)
		}
		if err := ApplyMigrations(ctx, s.DB()); err != nil {
			t.Fatalf("apply migrations: %v", err)
		}
		t.Cleanup(func() {
			_ = s.Close()
		})
		return s
	})
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := getTestDatabaseURL(t)
	ctx := context.Background()
	cfg, err := ParseURL(databaseURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	s, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close() //nolint:errcheck

	if err := ApplyMigrations(ctx, s.DB()); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := ApplyMigrations(ctx, s.DB()); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	var n int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	files, err := migrationFiles(".up.sql")
	if err != nil {
		t.Fatalf("list migration files: %v", err)
	}
	if n != len(files) {
		t.Fatalf("recorded %d migrations, want %d", n, len(files))
	}
}

func TestMigrationFilesArePaired(t *testing.T) {
	ups, err := migrationFiles(".up.sql")
	if err != nil {
		t.Fatalf("list up files: %v", err)
	}
	downs, err := migrationFiles(".down.sql")
	if err != nil {
		t.Fatalf("list down files: %v", err)
	}
	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("expected paired migrations, up=%v down=%v", ups, downs)
	}
}
