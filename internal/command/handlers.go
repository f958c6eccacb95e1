package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/g960059/famsync/internal/model"
	"github.com/g960059/famsync/internal/outbox"
	"github.com/g960059/famsync/internal/remote"
)

// RegisterQueueHandlers wires the command-related queued operations to rs.
func RegisterQueueHandlers(q *outbox.Queue, rs remote.Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	q.Handle(model.OpAckCommand, func(ctx context.Context, payload []byte) error {
		var ack model.CommandAck
		if err := outbox.Decode(payload, &ack); err != nil {
			return fmt.Errorf("decode ack: %w", err)
		}
		err := rs.UpdateCommandStatus(ctx, ack)
		if remote.IsDomainError(err) {
			// Nothing a retry could change.
			logger.Warn("queued command ack rejected", "command_id", ack.CommandID, "status", ack.Status, "err", err)
			return nil
		}
		return err
	})
	q.Handle(model.OpPutConfiguration, func(ctx context.Context, payload []byte) error {
		var rec model.ConfigurationRecord
		if err := outbox.Decode(payload, &rec); err != nil {
			return fmt.Errorf("decode configuration: %w", err)
		}
		return rs.PutConfiguration(ctx, rec)
	})
	q.Handle(model.OpCreateCommand, func(ctx context.Context, payload []byte) error {
		var cmd model.Command
		if err := outbox.Decode(payload, &cmd); err != nil {
			return fmt.Errorf("decode command: %w", err)
		}
		err := rs.CreateCommand(ctx, cmd)
		if errors.Is(err, remote.ErrTerminal) {
			return nil
		}
		return err
	})
}

func ackDedupeKey(commandID string) string {
	return "ack/" + commandID
}

func configurationDedupeKey(id model.LogicalAppID) string {
	return "config/" + string(id)
}

func createDedupeKey(commandID string) string {
	return "command/" + commandID
}
