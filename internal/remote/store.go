// Package remote defines the intermediary record store shared by controller
// and agent devices. It offers last-write-wins records and no cross-record
// transactions.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/g960059/famsync/internal/model"
)

var (
	ErrNotFound = errors.New("remote record not found")
	// ErrTerminal is returned when a status update targets a command that
	// already reached a different terminal status.
	ErrTerminal = errors.New("remote command already terminal")
	// ErrUnavailable marks transport-level failures.
	ErrUnavailable = errors.New("remote store unavailable")
)

type Store interface {
	RegisterDevice(ctx context.Context, d model.Device) error
	ListDevices(ctx context.Context) ([]model.Device, error)

	PutConfiguration(ctx context.Context, rec model.ConfigurationRecord) error
	GetConfiguration(ctx context.Context, id model.LogicalAppID) (model.ConfigurationRecord, error)
	ListConfigurations(ctx context.Context) ([]model.ConfigurationRecord, error)

	// CreateCommand is idempotent on CommandID.
	CreateCommand(ctx context.Context, cmd model.Command) error
	GetCommand(ctx context.Context, commandID string) (model.Command, error)
	// ListPendingCommands returns the device's pending commands in no
	// particular order.
	ListPendingCommands(ctx context.Context, targetDeviceID string) ([]model.Command, error)
	// UpdateCommandStatus applies a terminal status. Repeating the same
	// transition succeeds; a different terminal status yields ErrTerminal.
	UpdateCommandStatus(ctx context.Context, ack model.CommandAck) error

	// UpsertUsage overwrites the record with the same key.
	UpsertUsage(ctx context.Context, rec model.UsageRecord) error
	// ListUsageSince returns records whose session ended at or after since.
	ListUsageSince(ctx context.Context, since time.Time) ([]model.UsageRecord, error)

	Close() error
}

// IsDomainError reports whether err is a well-formed answer from the store
// rather than a delivery failure.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrTerminal)
}
