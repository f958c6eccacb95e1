// Package memstore is an in-memory remote.Store with fault injection, used in
// tests and the daemon's demo mode.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/g960059/famsync/internal/model"
	"github.com/g960059/famsync/internal/remote"
)

const (
	OpRegisterDevice      = "RegisterDevice"
	OpListDevices         = "ListDevices"
	OpPutConfiguration    = "PutConfiguration"
	OpGetConfiguration    = "GetConfiguration"
	OpListConfigurations  = "ListConfigurations"
	OpCreateCommand       = "CreateCommand"
	OpGetCommand          = "GetCommand"
	OpListPendingCommands = "ListPendingCommands"
	OpUpdateCommandStatus = "UpdateCommandStatus"
	OpUpsertUsage         = "UpsertUsage"
	OpListUsageSince      = "ListUsageSince"
)

type Store struct {
	mu       sync.Mutex
	devices  map[string]model.Device
	configs  map[model.LogicalAppID]model.ConfigurationRecord
	commands map[string]model.Command
	usage    map[usageKey]model.UsageRecord

	offline bool
	faults  map[string]int
	calls   map[string]int
}

var _ remote.Store = (*Store)(nil)

type usageKey struct {
	id           model.LogicalAppID
	deviceID     string
	sessionStart int64
}

func keyOf(rec model.UsageRecord) usageKey {
	return usageKey{id: rec.LogicalAppID, deviceID: rec.DeviceID, sessionStart: rec.SessionStart.UnixNano()}
}

func New() *Store {
	return &Store{
		devices:  map[string]model.Device{},
		configs:  map[model.LogicalAppID]model.ConfigurationRecord{},
		commands: map[string]model.Command{},
		usage:    map[usageKey]model.UsageRecord{},
		faults:   map[string]int{},
		calls:    map[string]int{},
	}
}

// SetOffline makes every call fail with remote.ErrUnavailable until cleared.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailNext makes the next n calls of op fail with remote.ErrUnavailable.
func (s *Store) FailNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] += n
}

// Calls returns how many times op was invoked, including failed calls.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter must be called with s.mu held.
func (s *Store) enter(ctx context.Context, op string) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.offline {
		return fmt.Errorf("%s: %w", op, remote.ErrUnavailable)
	}
	if s.faults[op] > 0 {
		s.faults[op]--
		return fmt.Errorf("%s: injected fault: %w", op, remote.ErrUnavailable)
	}
	return nil
}

func (s *Store) RegisterDevice(ctx context.Context, d model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpRegisterDevice); err != nil {
		return err
	}
	s.devices[d.DeviceID] = d
	return nil
}

func (s *Store) ListDevices(ctx context.Context) ([]model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpListDevices); err != nil {
		return nil, err
	}
	out := make([]model.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *Store) PutConfiguration(ctx context.Context, rec model.ConfigurationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpPutConfiguration); err != nil {
		return err
	}
	s.configs[rec.LogicalAppID] = rec
	return nil
}

func (s *Store) GetConfiguration(ctx context.Context, id model.LogicalAppID) (model.ConfigurationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpGetConfiguration); err != nil {
		return model.ConfigurationRecord{}, err
	}
	rec, ok := s.configs[id]
	if !ok {
		return model.ConfigurationRecord{}, remote.ErrNotFound
	}
	return rec, nil
}

func (s *Store) ListConfigurations(ctx context.Context) ([]model.ConfigurationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpListConfigurations); err != nil {
		return nil, err
	}
	out := make([]model.ConfigurationRecord, 0, len(s.configs))
	for _, rec := range s.configs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalAppID < out[j].LogicalAppID })
	return out, nil
}

func (s *Store) CreateCommand(ctx context.Context, cmd model.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpCreateCommand); err != nil {
		return err
	}
	if _, ok := s.commands[cmd.CommandID]; ok {
		return nil
	}
	cmd.Payload = bytes.Clone(cmd.Payload)
	if cmd.Status == "" {
		cmd.Status = model.CommandPending
	}
	s.commands[cmd.CommandID] = cmd
	return nil
}

func (s *Store) GetCommand(ctx context.Context, commandID string) (model.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpGetCommand); err != nil {
		return model.Command{}, err
	}
	cmd, ok := s.commands[commandID]
	if !ok {
		return model.Command{}, remote.ErrNotFound
	}
	cmd.Payload = bytes.Clone(cmd.Payload)
	return cmd, nil
}

func (s *Store) ListPendingCommands(ctx context.Context, targetDeviceID string) ([]model.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpListPendingCommands); err != nil {
		return nil, err
	}
	out := make([]model.Command, 0)
	for _, cmd := range s.commands {
		if cmd.TargetDeviceID != targetDeviceID || cmd.Status != model.CommandPending {
			continue
		}
		cmd.Payload = bytes.Clone(cmd.Payload)
		out = append(out, cmd)
	}
	return out, nil
}

func (s *Store) UpdateCommandStatus(ctx context.Context, ack model.CommandAck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpUpdateCommandStatus); err != nil {
		return err
	}
	cmd, ok := s.commands[ack.CommandID]
	if !ok {
		return remote.ErrNotFound
	}
	if cmd.Status.Terminal() {
		if cmd.Status == ack.Status {
			return nil
		}
		return remote.ErrTerminal
	}
	if !cmd.Status.CanTransition(ack.Status) {
		return fmt.Errorf("invalid command status %q", ack.Status)
	}
	executedAt := ack.ExecutedAt
	cmd.Status = ack.Status
	cmd.ExecutedAt = &executedAt
	cmd.Error = ack.Error
	s.commands[ack.CommandID] = cmd
	return nil
}

func (s *Store) UpsertUsage(ctx context.Context, rec model.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpUpsertUsage); err != nil {
		return err
	}
	rec.Synced = true
	s.usage[keyOf(rec)] = rec
	return nil
}

func (s *Store) ListUsageSince(ctx context.Context, since time.Time) ([]model.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, OpListUsageSince); err != nil {
		return nil, err
	}
	out := make([]model.UsageRecord, 0)
	for _, rec := range s.usage {
		if rec.SessionEnd.Before(since) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		if out[i].LogicalAppID != out[j].LogicalAppID {
			return out[i].LogicalAppID < out[j].LogicalAppID
		}
		return out[i].SessionStart.Before(out[j].SessionStart)
	})
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
