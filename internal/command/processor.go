package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/coder/quartz"

	"github.com/g960059/famsync/internal/conflict"
	"github.com/g960059/famsync/internal/db"
	"github.com/g960059/famsync/internal/enforce"
	"github.com/g960059/famsync/internal/metrics"
	"github.com/g960059/famsync/internal/model"
	"github.com/g960059/famsync/internal/outbox"
	"github.com/g960059/famsync/internal/remote"
)

type ProcessReport struct {
	Executed int
	Failed   int
	Skipped  int
}

// Processor is the agent side of command propagation.
type Processor struct {
	deviceID string
	store    *db.Store
	remote   remote.Store
	queue    *outbox.Queue
	enforcer enforce.Enforcer
	clock    quartz.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewProcessor(deviceID string, store *db.Store, rs remote.Store, q *outbox.Queue, enforcer enforce.Enforcer, clock quartz.Clock, logger *slog.Logger, m *metrics.Metrics) *Processor {
	if enforcer == nil {
		enforcer = enforce.LogEnforcer{Logger: logger}
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{deviceID: deviceID, store: store, remote: rs, queue: q, enforcer: enforcer, clock: clock, logger: logger, metrics: m}
}

// ProcessPending applies this device's pending commands in creation order.
// Listing failures are returned; a single command's failure never stops the
// rest.
func (p *Processor) ProcessPending(ctx context.Context) (ProcessReport, error) {
	var report ProcessReport
	pending, err := p.remote.ListPendingCommands(ctx, p.deviceID)
	if err != nil {
		return report, fmt.Errorf("list pending commands: %w", err)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].CommandID < pending[j].CommandID
	})

	for _, cmd := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result, err := p.process(ctx, cmd)
		if err != nil {
			p.logger.Error("process command failed", "command_id", cmd.CommandID, "err", err)
			p.metrics.CommandApplied("error")
			continue
		}
		switch result {
		case model.CommandExecuted:
			report.Executed++
		case model.CommandFailed:
			report.Failed++
		case resultSkipped:
			report.Skipped++
		}
		p.metrics.CommandApplied(string(result))
	}
	return report, nil
}

const resultSkipped model.CommandStatus = "skipped"

func (p *Processor) process(ctx context.Context, cmd model.Command) (model.CommandStatus, error) {
	local, err := p.store.GetCommand(ctx, cmd.CommandID)
	switch {
	case err == nil:
		if local.Status.Terminal() {
			// Already handled; the remote row is stale because the ack is
			// still queued or was lost. Re-send it.
			p.ack(ctx, local)
			return resultSkipped, nil
		}
	case errors.Is(err, db.ErrNotFound):
		inbound := cmd
		inbound.Status = model.CommandPending
		inbound.ExecutedAt = nil
		inbound.Error = ""
		if err := p.store.InsertCommand(ctx, db.CommandInbound, inbound); err != nil && !errors.Is(err, db.ErrDuplicate) {
			return "", err
		}
	default:
		return "", err
	}

	if cmd.Kind != model.CommandSetConfiguration {
		return p.finish(ctx, cmd.CommandID, model.CommandFailed, fmt.Sprintf("%s: unsupported command kind %q", model.ErrCodeKindUnsupported, cmd.Kind))
	}
	delta, err := DecodeDelta(cmd.Payload)
	if err != nil {
		p.logger.Warn("command payload rejected", "command_id", cmd.CommandID, "err", err)
		return p.finish(ctx, cmd.CommandID, model.CommandFailed, fmt.Sprintf("%s: %v", model.ErrCodePayloadInvalid, err))
	}

	winner, err := p.apply(ctx, delta)
	if err != nil {
		return "", err
	}
	// The enforcer is called once per command. A failure is terminal; the
	// controller can reissue the command.
	if err := p.enforcer.ApplyConfiguration(ctx, winner.LogicalAppID, winner.Category, winner.Rate, winner.Enabled, winner.Enforced); err != nil {
		p.logger.Warn("enforcement failed", "command_id", cmd.CommandID, "logical_app_id", winner.LogicalAppID, "err", err)
		return p.finish(ctx, cmd.CommandID, model.CommandFailed, fmt.Sprintf("%s: %v", model.ErrCodeEnforcement, err))
	}
	return p.finish(ctx, cmd.CommandID, model.CommandExecuted, "")
}

// apply merges delta into the local record and persists whichever side the
// conflict rules pick.
func (p *Processor) apply(ctx context.Context, delta model.ConfigurationDelta) (model.ConfigurationRecord, error) {
	local, err := p.store.GetConfiguration(ctx, delta.LogicalAppID)
	if errors.Is(err, db.ErrNotFound) {
		candidate := delta.Apply(model.DefaultConfiguration(delta.LogicalAppID))
		if err := p.store.UpsertConfiguration(ctx, candidate); err != nil {
			return model.ConfigurationRecord{}, err
		}
		return candidate, nil
	}
	if err != nil {
		return model.ConfigurationRecord{}, fmt.Errorf("load configuration: %w", err)
	}

	candidate := delta.Apply(local)
	if conflict.Winner(local, candidate) == conflict.Local {
		p.logger.Info("command lost to newer local configuration", "logical_app_id", delta.LogicalAppID,
			"local_modified", local.LastModified, "command_modified", delta.LastModified)
		return local, nil
	}
	if err := p.store.UpsertConfiguration(ctx, candidate); err != nil {
		return model.ConfigurationRecord{}, err
	}
	return candidate, nil
}

func (p *Processor) finish(ctx context.Context, commandID string, status model.CommandStatus, errMsg string) (model.CommandStatus, error) {
	now := p.clock.Now().UTC()
	if err := p.store.UpdateCommandStatus(ctx, commandID, status, now, errMsg); err != nil && !errors.Is(err, db.ErrTerminal) {
		return "", err
	}
	local, err := p.store.GetCommand(ctx, commandID)
	if err != nil {
		return "", err
	}
	p.ack(ctx, local)
	return local.Status, nil
}

// ack reports a terminal local row to the remote store, queueing the report
// when the store cannot be reached.
func (p *Processor) ack(ctx context.Context, local model.Command) {
	ack := model.CommandAck{CommandID: local.CommandID, Status: local.Status, Error: local.Error}
	if local.ExecutedAt != nil {
		ack.ExecutedAt = *local.ExecutedAt
	} else {
		ack.ExecutedAt = p.clock.Now().UTC()
	}
	err := p.remote.UpdateCommandStatus(ctx, ack)
	if err == nil {
		return
	}
	if remote.IsDomainError(err) {
		p.logger.Warn("command ack rejected", "command_id", ack.CommandID, "status", ack.Status, "err", err)
		return
	}
	if qerr := p.queue.Enqueue(ctx, model.OpAckCommand, ackDedupeKey(ack.CommandID), ack); qerr != nil {
		p.logger.Error("queue command ack failed", "command_id", ack.CommandID, "err", qerr)
		return
	}
	p.logger.Info("command ack queued", "command_id", ack.CommandID, "err", err)
}
