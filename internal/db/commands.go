package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/g960059/famsync/internal/model"
)

// CommandDirection distinguishes commands this device issued (outbound) from
// commands it received and processed (inbound).
type CommandDirection string

const (
	CommandInbound  CommandDirection = "inbound"
	CommandOutbound CommandDirection = "outbound"
)

const commandColumns = `command_id, target_device_id, kind, payload, created_at, executed_at, status, error`

func (s *Store) InsertCommand(ctx context.Context, dir CommandDirection, cmd model.Command) error {
	if cmd.CommandID == "" {
		return fmt.Errorf("command_id is required")
	}
	if cmd.Status == "" {
		cmd.Status = model.CommandPending
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO commands(command_id, direction, target_device_id, kind, payload, created_at, executed_at, status, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, cmd.CommandID, string(dir), cmd.TargetDeviceID, string(cmd.Kind), cmd.Payload, ts(cmd.CreatedAt), nullableTS(cmd.ExecutedAt), string(cmd.Status), cmd.Error)
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

func (s *Store) GetCommand(ctx context.Context, commandID string) (model.Command, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE command_id = ?
`, commandID)
	return scanCommand(row)
}

// UpdateCommandStatus moves a pending command to a terminal status. A command
// that is already terminal is left untouched and ErrTerminal is returned.
func (s *Store) UpdateCommandStatus(ctx context.Context, commandID string, status model.CommandStatus, executedAt time.Time, errMsg string) error {
	if !model.CommandPending.CanTransition(status) {
		return fmt.Errorf("invalid command status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE commands
SET status = ?, executed_at = ?, error = ?
WHERE command_id = ? AND status = 'pending'
`, string(status), ts(executedAt), errMsg, commandID)
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
	if _, err := s.GetCommand(ctx, commandID); err != nil {
		return err
	}
	return ErrTerminal
}

// ListCommands returns commands in CreatedAt order. An empty status matches all.
func (s *Store) ListCommands(ctx context.Context, dir CommandDirection, status model.CommandStatus) ([]model.Command, error) {
	query := `
SELECT ` + commandColumns + `
FROM commands
WHERE direction = ?`
	args := []any{string(dir)}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += `
ORDER BY created_at ASC, command_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
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
		return nil, fmt.Errorf("iter commands: %w", err)
	}
	return out, nil
}

func scanCommand(scanner interface{ Scan(dest ...any) error }) (model.Command, error) {
	var (
		cmd        model.Command
		kind       string
		createdAt  string
		executedAt sql.NullString
		status     string
	)
	if err := scanner.Scan(&cmd.CommandID, &cmd.TargetDeviceID, &kind, &cmd.Payload, &createdAt, &executedAt, &status, &cmd.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Command{}, ErrNotFound
		}
		return model.Command{}, fmt.Errorf("scan command: %w", err)
	}
	cmd.Kind = model.CommandKind(kind)
	cmd.Status = model.CommandStatus(status)
	var err error
	if cmd.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Command{}, fmt.Errorf("parse command created_at: %w", err)
	}
	if cmd.ExecutedAt, err = parseNullableTS(executedAt); err != nil {
		return model.Command{}, fmt.Errorf("parse command executed_at: %w", err)
	}
	return cmd, nil
}
