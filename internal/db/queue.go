package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/g960059/famsync/internal/model"
)

const queueColumns = `queue_id, kind, dedupe_key, payload, created_at, updated_at, retry_count, last_error, status`

// EnqueueItem stores a new queued item. When a queued item with the same
// non-empty dedupe key exists, its payload is replaced in place and the
// existing item keeps its position. It reports whether an item was replaced.
func (s *Store) EnqueueItem(ctx context.Context, item model.QueueItem) (bool, error) {
	if item.QueueID == "" {
		return false, fmt.Errorf("queue_id is required")
	}
	now := item.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if item.DedupeKey != "" {
		res, err := tx.ExecContext(ctx, `
UPDATE queue_items
SET payload = ?, updated_at = ?
WHERE dedupe_key = ? AND status = 'queued'
`, item.Payload, ts(now), item.DedupeKey)
		if err != nil {
			return false, fmt.Errorf("replace queue item: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("replace queue item rows affected: %w", err)
		}
		if affected > 0 {
			if err := tx.Commit(); err != nil {
				return false, fmt.Errorf("commit enqueue tx: %w", err)
			}
			return true, nil
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_items(`+queueColumns+`)
VALUES (?, ?, ?, ?, ?, ?, 0, '', 'queued')
`, item.QueueID, string(item.Kind), item.DedupeKey, item.Payload, ts(now), ts(now)); err != nil {
		if isUniqueErr(err) {
			return false, ErrDuplicate
		}
		return false, fmt.Errorf("insert queue item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit enqueue tx: %w", err)
	}
	return false, nil
}

func (s *Store) GetQueueItem(ctx context.Context, queueID string) (model.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+queueColumns+`
FROM queue_items
WHERE queue_id = ?
`, queueID)
	return scanQueueItem(row)
}

// ListQueue returns items oldest first. An empty status matches all.
func (s *Store) ListQueue(ctx context.Context, status model.QueueStatus) ([]model.QueueItem, error) {
	query := `
SELECT ` + queueColumns + `
FROM queue_items`
	args := []any{}
	if status != "" {
		query += `
WHERE status = ?`
		args = append(args, string(status))
	}
	query += `
ORDER BY created_at ASC, queue_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	out := make([]model.QueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter queue: %w", err)
	}
	return out, nil
}

// MarkQueueInFlight claims a queued item for delivery.
func (s *Store) MarkQueueInFlight(ctx context.Context, queueID string, now time.Time) error {
	return s.transitionQueueItem(ctx, `
UPDATE queue_items
SET status = 'in_flight', updated_at = ?
WHERE queue_id = ? AND status = 'queued'
`, ts(now), queueID)
}

// RecordQueueFailure returns an in-flight item to the queue with its retry
// count incremented, or dead-letters it when maxRetries is reached. When a
// newer queued item carries the same dedupe key, the failed item is
// superseded and deleted instead. It returns the resulting status.
func (s *Store) RecordQueueFailure(ctx context.Context, queueID string, lastError string, maxRetries int, now time.Time) (model.QueueStatus, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin queue failure tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		dedupeKey  string
		retryCount int
	)
	err = tx.QueryRowContext(ctx, `
SELECT dedupe_key, retry_count
FROM queue_items
WHERE queue_id = ? AND status = 'in_flight'
`, queueID).Scan(&dedupeKey, &retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("load in-flight item: %w", err)
	}

	if dedupeKey != "" {
		var live int
		if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM queue_items WHERE dedupe_key = ? AND status = 'queued'
`, dedupeKey).Scan(&live); err != nil {
			return "", false, fmt.Errorf("check live dedupe key: %w", err)
		}
		if live > 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE queue_id = ?`, queueID); err != nil {
				return "", false, fmt.Errorf("delete superseded item: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return "", false, fmt.Errorf("commit queue failure tx: %w", err)
			}
			return model.QueueQueued, true, nil
		}
	}

	status := model.QueueQueued
	if retryCount+1 >= maxRetries {
		status = model.QueueFailed
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE queue_items
SET retry_count = retry_count + 1, last_error = ?, updated_at = ?, status = ?
WHERE queue_id = ?
`, lastError, ts(now), string(status), queueID); err != nil {
		return "", false, fmt.Errorf("record queue failure: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit queue failure tx: %w", err)
	}
	return status, false, nil
}

func (s *Store) DeleteQueueItem(ctx context.Context, queueID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE queue_id = ?`, queueID)
	if err != nil {
		return fmt.Errorf("delete queue item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete queue item rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetInFlight returns items left in flight by an interrupted drain to the
// queue. An in-flight item whose dedupe key already has a queued successor is
// dropped. It returns the number of requeued and dropped items.
func (s *Store) ResetInFlight(ctx context.Context, now time.Time) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
DELETE FROM queue_items
WHERE status = 'in_flight' AND dedupe_key != '' AND EXISTS (
	SELECT 1 FROM queue_items live
	WHERE live.dedupe_key = queue_items.dedupe_key AND live.status = 'queued'
)
`)
	if err != nil {
		return 0, 0, fmt.Errorf("drop superseded in-flight items: %w", err)
	}
	dropped, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("drop superseded rows affected: %w", err)
	}

	res, err = tx.ExecContext(ctx, `
UPDATE queue_items
SET status = 'queued', updated_at = ?
WHERE status = 'in_flight'
`, ts(now))
	if err != nil {
		return 0, 0, fmt.Errorf("reset in-flight queue items: %w", err)
	}
	requeued, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("reset in-flight rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit reset tx: %w", err)
	}
	return requeued, dropped, nil
}

// RequeueFailed moves a dead-lettered item back to the queue with a fresh
// retry budget. A queued item with the same dedupe key supersedes it, so the
// dead letter is dropped in that case.
func (s *Store) RequeueFailed(ctx context.Context, queueID string, now time.Time) error {
	item, err := s.GetQueueItem(ctx, queueID)
	if err != nil {
		return err
	}
	if item.Status != model.QueueFailed {
		return fmt.Errorf("queue item %s is %s, not failed", queueID, item.Status)
	}
	err = s.transitionQueueItem(ctx, `
UPDATE queue_items
SET status = 'queued', retry_count = 0, last_error = '', updated_at = ?
WHERE queue_id = ? AND status = 'failed'
`, ts(now), queueID)
	if err != nil && isUniqueErr(err) {
		return s.DeleteQueueItem(ctx, queueID)
	}
	return err
}

func (s *Store) transitionQueueItem(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueErr(err) {
			return err
		}
		return fmt.Errorf("update queue item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update queue item rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanQueueItem(scanner interface{ Scan(dest ...any) error }) (model.QueueItem, error) {
	var (
		item      model.QueueItem
		kind      string
		createdAt string
		updatedAt string
		status    string
	)
	if err := scanner.Scan(&item.QueueID, &kind, &item.DedupeKey, &item.Payload, &createdAt, &updatedAt, &item.RetryCount, &item.LastError, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.QueueItem{}, ErrNotFound
		}
		return model.QueueItem{}, fmt.Errorf("scan queue item: %w", err)
	}
	item.Kind = model.OperationKind(kind)
	item.Status = model.QueueStatus(status)
	var err error
	if item.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.QueueItem{}, fmt.Errorf("parse queue created_at: %w", err)
	}
	if item.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.QueueItem{}, fmt.Errorf("parse queue updated_at: %w", err)
	}
	return item, nil
}
