// Package pgstore implements remote.Store on PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/g960059/famsync/internal/model"
	"github.com/g960059/famsync/internal/remote"
)

type Store struct {
	db *sql.DB
}

var _ remote.Store = (*Store)(nil)

// ParseURL validates a connection string without connecting.
func ParseURL(databaseURL string) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	return cfg, nil
}

// Open connects with cfg and checks the connection.
func Open(ctx context.Context, cfg *pgx.ConnConfig) (*Store, error) {
	db := stdlib.OpenDB(*cfg)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Store{db: db}, nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) RegisterDevice(ctx context.Context, d model.Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, role, display_name, last_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO UPDATE SET
			role = EXCLUDED.role,
			display_name = EXCLUDED.display_name,
			last_seen_at = EXCLUDED.last_seen_at
	`, d.DeviceID, string(d.Role), d.DisplayName, d.LastSeenAt.UTC())
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	return nil
}

func (s *Store) ListDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, role, display_name, last_seen_at
		FROM devices
		ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := make([]model.Device, 0)
	for rows.Next() {
		var (
			d    model.Device
			role string
		)
		if err := rows.Scan(&d.DeviceID, &role, &d.DisplayName, &d.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.Role = model.Role(role)
		d.LastSeenAt = d.LastSeenAt.UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter devices: %w", err)
	}
	return out, nil
}

const configurationColumns = `logical_app_id, category, rate, enabled, enforced, last_modified, origin_device_id, origin_role`

func (s *Store) PutConfiguration(ctx context.Context, rec model.ConfigurationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO configurations (`+configurationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (logical_app_id) DO UPDATE SET
			category = EXCLUDED.category,
			rate = EXCLUDED.rate,
			enabled = EXCLUDED.enabled,
			enforced = EXCLUDED.enforced,
			last_modified = EXCLUDED.last_modified,
			origin_device_id = EXCLUDED.origin_device_id,
			origin_role = EXCLUDED.origin_role
	`, string(rec.LogicalAppID), string(rec.Category), rec.Rate, rec.Enabled, rec.Enforced, rec.LastModified.UTC(), rec.OriginDeviceID, string(rec.OriginRole))
	if err != nil {
		return fmt.Errorf("put configuration: %w", err)
	}
	return nil
}

func (s *Store) GetConfiguration(ctx context.Context, id model.LogicalAppID) (model.ConfigurationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+configurationColumns+` FROM configurations WHERE logical_app_id = $1`, string(id))
	rec, err := scanConfiguration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConfigurationRecord{}, remote.ErrNotFound
	}
	return rec, err
}

func (s *Store) ListConfigurations(ctx context.Context) ([]model.ConfigurationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+configurationColumns+` FROM configurations ORDER BY logical_app_id`)
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
		rec        model.ConfigurationRecord
		id         string
		category   string
		originRole string
	)
	if err := scanner.Scan(&id, &category, &rec.Rate, &rec.Enabled, &rec.Enforced, &rec.LastModified, &rec.OriginDeviceID, &originRole); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ConfigurationRecord{}, err
		}
		return model.ConfigurationRecord{}, fmt.Errorf("scan configuration: %w", err)
	}
	rec.LogicalAppID = model.LogicalAppID(id)
	rec.Category = model.Category(category)
	rec.OriginRole = model.Role(originRole)
	rec.LastModified = rec.LastModified.UTC()
	return rec, nil
}

const commandColumns = `command_id, target_device_id, kind, payload, created_at, executed_at, status, error`

func (s *Store) CreateCommand(ctx context.Context, cmd model.Command) error {
	status := cmd.Status
	if status == "" {
		status = model.CommandPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (`+commandColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (command_id) DO NOTHING
	`, cmd.CommandID, cmd.TargetDeviceID, string(cmd.Kind), cmd.Payload, cmd.CreatedAt.UTC(), nullableTime(cmd.ExecutedAt), string(status), cmd.Error)
	if err != nil {
		return fmt.Errorf("create command: %w", err)
	}
	return nil
}

func (s *Store) GetCommand(ctx context.Context, commandID string) (model.Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE command_id = $1`, commandID)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Command{}, remote.ErrNotFound
	}
	return cmd, err
}

func (s *Store) ListPendingCommands(ctx context.Context, targetDeviceID string) ([]model.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandColumns+`
		FROM commands
		WHERE target_device_id = $1 AND status = 'pending'
		ORDER BY created_at, command_id
	`, targetDeviceID)
	if err != nil {
		return nil, fmt.Errorf("list pending commands: %w", err)
	}
	defer rows.Close()

	out := make([]model.Command, 0)
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter pending commands: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateCommandStatus(ctx context.Context, ack model.CommandAck) error {
	if !model.CommandPending.CanTransition(ack.Status) {
		return fmt.Errorf("invalid command status %q", ack.Status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands
		SET status = $2, executed_at = $3, error = $4
		WHERE command_id = $1 AND status = 'pending'
	`, ack.CommandID, string(ack.Status), ack.ExecutedAt.UTC(), ack.Error)
	if err != nil {
		return fmt.Errorf("update command status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update command status rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM commands WHERE command_id = $1`, ack.CommandID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return remote.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read command status: %w", err)
	}
	if model.CommandStatus(current) == ack.Status {
		return nil
	}
	return remote.ErrTerminal
}

func scanCommand(scanner interface{ Scan(dest ...any) error }) (model.Command, error) {
	var (
		cmd        model.Command
		kind       string
		executedAt sql.NullTime
		status     string
	)
	if err := scanner.Scan(&cmd.CommandID, &cmd.TargetDeviceID, &kind, &cmd.Payload, &cmd.CreatedAt, &executedAt, &status, &cmd.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Command{}, err
		}
		return model.Command{}, fmt.Errorf("scan command: %w", err)
	}
	cmd.Kind = model.CommandKind(kind)
	cmd.Status = model.CommandStatus(status)
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	if executedAt.Valid {
		t := executedAt.Time.UTC()
		cmd.ExecutedAt = &t
	}
	return cmd, nil
}

func (s *Store) UpsertUsage(ctx context.Context, rec model.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (logical_app_id, device_id, session_start, session_end, category, accumulated_seconds, derived_points)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (logical_app_id, device_id, session_start) DO UPDATE SET
			session_end = EXCLUDED.session_end,
			category = EXCLUDED.category,
			accumulated_seconds = EXCLUDED.accumulated_seconds,
			derived_points = EXCLUDED.derived_points
	`, string(rec.LogicalAppID), rec.DeviceID, rec.SessionStart.UTC(), rec.SessionEnd.UTC(), string(rec.Category), rec.AccumulatedSeconds, rec.DerivedPoints)
	if err != nil {
		return fmt.Errorf("upsert usage: %w", err)
	}
	return nil
}

func (s *Store) ListUsageSince(ctx context.Context, since time.Time) ([]model.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT logical_app_id, device_id, session_start, session_end, category, accumulated_seconds, derived_points
		FROM usage_records
		WHERE session_end >= $1
		ORDER BY device_id, logical_app_id, session_start
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	out := make([]model.UsageRecord, 0)
	for rows.Next() {
		var (
			rec      model.UsageRecord
			id       string
			category string
		)
		if err := rows.Scan(&id, &rec.DeviceID, &rec.SessionStart, &rec.SessionEnd, &category, &rec.AccumulatedSeconds, &rec.DerivedPoints); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		rec.LogicalAppID = model.LogicalAppID(id)
		rec.Category = model.Category(category)
		rec.SessionStart = rec.SessionStart.UTC()
		rec.SessionEnd = rec.SessionEnd.UTC()
		rec.Synced = true
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter usage: %w", err)
	}
	return out, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
