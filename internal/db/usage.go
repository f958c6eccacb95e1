package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/g960059/famsync/internal/model"
)

const usageColumns = `logical_app_id, device_id, session_start, session_end, category, accumulated_seconds, derived_points, synced`

// LatestOpenUsage returns the most recently extended unsynced record for the
// app on the device, or ErrNotFound.
func (s *Store) LatestOpenUsage(ctx context.Context, deviceID string, id model.LogicalAppID, category model.Category) (model.UsageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+usageColumns+`
FROM usage_records
WHERE device_id = ? AND logical_app_id = ? AND category = ? AND synced = 0
ORDER BY session_end DESC
LIMIT 1
`, deviceID, string(id), string(category))
	return scanUsage(row)
}

func (s *Store) GetUsage(ctx context.Context, key model.UsageKey) (model.UsageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+usageColumns+`
FROM usage_records
WHERE logical_app_id = ? AND device_id = ? AND session_start = ?
`, string(key.LogicalAppID), key.DeviceID, ts(key.SessionStart))
	return scanUsage(row)
}

func (s *Store) InsertUsage(ctx context.Context, rec model.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_records(`+usageColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, string(rec.LogicalAppID), rec.DeviceID, ts(rec.SessionStart), ts(rec.SessionEnd), string(rec.Category), rec.AccumulatedSeconds, rec.DerivedPoints, boolToInt(rec.Synced))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// ExtendUsage rewrites the mutable fields of an open record. Synced records
// are immutable and yield ErrNotFound.
func (s *Store) ExtendUsage(ctx context.Context, rec model.UsageRecord) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE usage_records
SET session_end = ?, accumulated_seconds = ?, derived_points = ?
WHERE logical_app_id = ? AND device_id = ? AND session_start = ? AND synced = 0
`, ts(rec.SessionEnd), rec.AccumulatedSeconds, rec.DerivedPoints, string(rec.LogicalAppID), rec.DeviceID, ts(rec.SessionStart))
	if err != nil {
		return fmt.Errorf("extend usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("extend usage rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnsyncedUsage orders by app then session start so an extension is never
// uploaded ahead of the record it extends.
func (s *Store) ListUnsyncedUsage(ctx context.Context, deviceID string) ([]model.UsageRecord, error) {
	return s.listUsage(ctx, `
SELECT `+usageColumns+`
FROM usage_records
WHERE device_id = ? AND synced = 0
ORDER BY logical_app_id ASC, session_start ASC
`, deviceID)
}

func (s *Store) ListUsage(ctx context.Context, deviceID string) ([]model.UsageRecord, error) {
	return s.listUsage(ctx, `
SELECT `+usageColumns+`
FROM usage_records
WHERE device_id = ?
ORDER BY session_start ASC, logical_app_id ASC
`, deviceID)
}

func (s *Store) listUsage(ctx context.Context, query string, args ...any) ([]model.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	out := make([]model.UsageRecord, 0)
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter usage: %w", err)
	}
	return out, nil
}

// MarkUsageSynced freezes a record, but only if it still holds the uploaded
// snapshot. It reports false when the record was extended after the snapshot
// was taken; the newer values go out on the next upload.
func (s *Store) MarkUsageSynced(ctx context.Context, snapshot model.UsageRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE usage_records
SET synced = 1
WHERE logical_app_id = ? AND device_id = ? AND session_start = ? AND accumulated_seconds = ? AND synced = 0
`, string(snapshot.LogicalAppID), snapshot.DeviceID, ts(snapshot.SessionStart), snapshot.AccumulatedSeconds)
	if err != nil {
		return false, fmt.Errorf("mark usage synced: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark usage synced rows affected: %w", err)
	}
	return affected == 1, nil
}

// ResetUsage is the only path that deletes usage records.
func (s *Store) ResetUsage(ctx context.Context, deviceID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_records WHERE device_id = ?`, deviceID)
	if err != nil {
		return 0, fmt.Errorf("reset usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset usage rows affected: %w", err)
	}
	return n, nil
}

func scanUsage(scanner interface{ Scan(dest ...any) error }) (model.UsageRecord, error) {
	var (
		rec          model.UsageRecord
		logicalID    string
		sessionStart string
		sessionEnd   string
		category     string
		synced       int
	)
	if err := scanner.Scan(&logicalID, &rec.DeviceID, &sessionStart, &sessionEnd, &category, &rec.AccumulatedSeconds, &rec.DerivedPoints, &synced); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.UsageRecord{}, ErrNotFound
		}
		return model.UsageRecord{}, fmt.Errorf("scan usage: %w", err)
	}
	rec.LogicalAppID = model.LogicalAppID(logicalID)
	rec.Category = model.Category(category)
	rec.Synced = synced == 1
	var err error
	if rec.SessionStart, err = parseTS(sessionStart); err != nil {
		return model.UsageRecord{}, fmt.Errorf("parse usage session_start: %w", err)
	}
	if rec.SessionEnd, err = parseTS(sessionEnd); err != nil {
		return model.UsageRecord{}, fmt.Errorf("parse usage session_end: %w", err)
	}
	return rec, nil
}
