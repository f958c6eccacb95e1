package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/famsync/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
	ErrTerminal  = errors.New("already terminal")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) GetHandleMapping(ctx context.Context, deviceID, handleHash string) (model.HandleMapping, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT device_id, handle_hash, logical_app_id, display_name, created_at
FROM handle_mappings
WHERE device_id = ? AND handle_hash = ?
`, deviceID, handleHash)
	return scanHandleMapping(row)
}

// InsertHandleMapping writes a new mapping. Existing mappings are never
// overwritten; a second insert for the same (device, hash) returns ErrDuplicate.
func (s *Store) InsertHandleMapping(ctx context.Context, m model.HandleMapping) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO handle_mappings(device_id, handle_hash, logical_app_id, display_name, created_at)
VALUES (?, ?, ?, ?, ?)
`, m.DeviceID, m.HandleHash, string(m.LogicalAppID), strings.TrimSpace(m.DisplayName), ts(m.CreatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert handle mapping: %w", err)
	}
	return nil
}

func (s *Store) ListHandleMappings(ctx context.Context, deviceID string) ([]model.HandleMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT device_id, handle_hash, logical_app_id, display_name, created_at
FROM handle_mappings
WHERE device_id = ?
ORDER BY created_at ASC, handle_hash ASC
`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list handle mappings: %w", err)
	}
	defer rows.Close()

	out := make([]model.HandleMapping, 0)
	for rows.Next() {
		m, err := scanHandleMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter handle mappings: %w", err)
	}
	return out, nil
}

func scanHandleMapping(scanner interface{ Scan(dest ...any) error }) (model.HandleMapping, error) {
	var (
		m         model.HandleMapping
		logicalID string
		createdAt string
	)
	if err := scanner.Scan(&m.DeviceID, &m.HandleHash, &logicalID, &m.DisplayName, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.HandleMapping{}, ErrNotFound
		}
		return model.HandleMapping{}, fmt.Errorf("scan handle mapping: %w", err)
	}
	m.LogicalAppID = model.LogicalAppID(logicalID)
	var err error
	m.CreatedAt, err = parseTS(createdAt)
	if err != nil {
		return model.HandleMapping{}, fmt.Errorf("parse handle mapping created_at: %w", err)
	}
	return m, nil
}

func (s *Store) UpsertConfiguration(ctx context.Context, rec model.ConfigurationRecord) error {
	if rec.LogicalAppID == "" {
		return fmt.Errorf("logical_app_id is required")
	}
	if rec.LastModified.IsZero() {
		rec.LastModified = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO configurations(logical_app_id, category, rate, enabled, enforced, last_modified, origin_device_id, origin_role)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(logical_app_id) DO UPDATE SET
	category=excluded.category,
	rate=excluded.rate,
	enabled=excluded.enabled,
	enforced=excluded.enforced,
	last_modified=excluded.last_modified,
	origin_device_id=excluded.origin_device_id,
	origin_role=excluded.origin_role
`, string(rec.LogicalAppID), string(rec.Category), rec.Rate, boolToInt(rec.Enabled), boolToInt(rec.Enforced), ts(rec.LastModified), rec.OriginDeviceID, string(rec.OriginRole))
	if err != nil {
		return fmt.Errorf("upsert configuration: %w", err)
	}
	return nil
}

func (s *Store) GetConfiguration(ctx context.Context, id model.LogicalAppID) (model.ConfigurationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT logical_app_id, category, rate, enabled, enforced, last_modified, origin_device_id, origin_role
FROM configurations
WHERE logical_app_id = ?
`, string(id))
	return scanConfiguration(row)
}

func (s *Store) ListConfigurations(ctx context.Context) ([]model.ConfigurationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT logical_app_id, category, rate, enabled, enforced, last_modified, origin_device_id, origin_role
FROM configurations
ORDER BY logical_app_id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list configurations: %w", err)
	}
	defer rows.Close()

	out := make([]model.ConfigurationRecord, 0)
	for rows.Next() {
		rec, err := scanConfiguration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter configurations: %w", err)
	}
	return out, nil
}

func scanConfiguration(scanner interface{ Scan(dest ...any) error }) (model.ConfigurationRecord, error) {
	var (
		rec          model.ConfigurationRecord
		logicalID    string
		category     string
		enabled      int
		enforced     int
		lastModified string
		originRole   string
	)
	if err := scanner.Scan(&logicalID, &category, &rec.Rate, &enabled, &enforced, &lastModified, &rec.OriginDeviceID, &originRole); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ConfigurationRecord{}, ErrNotFound
		}
		return model.ConfigurationRecord{}, fmt.Errorf("scan configuration: %w", err)
	}
	rec.LogicalAppID = model.LogicalAppID(logicalID)
	rec.Category = model.Category(category)
	rec.Enabled = enabled == 1
	rec.Enforced = enforced == 1
	rec.OriginRole = model.Role(originRole)
	var err error
	rec.LastModified, err = parseTS(lastModified)
	if err != nil {
		return model.ConfigurationRecord{}, fmt.Errorf("parse configuration last_modified: %w", err)
	}
	return rec, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "handle_mappings", "configurations", "usage_records", "commands", "queue_items":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

// tsLayout is fixed width so stored timestamps sort lexically in time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullableTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg,
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
		"PRIMARY KEY constraint failed",
		"constraint failed: PRIMARY KEY",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
