package model

import "time"

// LogicalAppID is the cross-device identity of one real-world application.
type LogicalAppID string

type Role string

const (
	RoleController Role = "controller"
	RoleAgent      Role = "agent"
)

func (r Role) Valid() bool {
	return r == RoleController || r == RoleAgent
}

type Category string

const (
	CategoryPrimary   Category = "primary"
	CategorySecondary Category = "secondary"
)

func (c Category) Valid() bool {
	return c == CategoryPrimary || c == CategorySecondary
}

type CommandKind string

const (
	CommandSetConfiguration CommandKind = "set_configuration"
)

type CommandStatus string

const (
	CommandPending  CommandStatus = "pending"
	CommandExecuted CommandStatus = "executed"
	CommandFailed   CommandStatus = "failed"
)

func (s CommandStatus) Terminal() bool {
	return s == CommandExecuted || s == CommandFailed
}

// CanTransition reports whether a command may move from s to next.
// Terminal states never change.
func (s CommandStatus) CanTransition(next CommandStatus) bool {
	return s == CommandPending && next.Terminal()
}

type QueueStatus string

const (
	QueueQueued   QueueStatus = "queued"
	QueueInFlight QueueStatus = "in_flight"
	QueueFailed   QueueStatus = "failed"
)

type OperationKind string

const (
	OpUploadUsage      OperationKind = "upload_usage"
	OpAckCommand       OperationKind = "ack_command"
	OpPutConfiguration OperationKind = "put_configuration"
	OpCreateCommand    OperationKind = "create_command"
)

type HandleMapping struct {
	DeviceID     string
	HandleHash   string
	LogicalAppID LogicalAppID
	DisplayName  string
	CreatedAt    time.Time
}

type ConfigurationRecord struct {
	LogicalAppID   LogicalAppID
	Category       Category
	Rate           float64
	Enabled        bool
	Enforced       bool
	LastModified   time.Time
	OriginDeviceID string
	OriginRole     Role
}

// ConfigurationDelta is a Command payload. Nil fields are left unchanged.
type ConfigurationDelta struct {
	LogicalAppID   LogicalAppID `json:"logical_app_id" validate:"required"`
	Category       *Category    `json:"category,omitempty" validate:"omitempty,oneof=primary secondary"`
	Rate           *float64     `json:"rate,omitempty" validate:"omitempty,gte=0"`
	Enabled        *bool        `json:"enabled,omitempty"`
	Enforced       *bool        `json:"enforced,omitempty"`
	LastModified   time.Time    `json:"last_modified" validate:"required"`
	OriginDeviceID string       `json:"origin_device_id" validate:"required"`
	OriginRole     Role         `json:"origin_role" validate:"required,oneof=controller agent"`
}

// Apply returns base with the delta's fields and provenance written over it.
func (d ConfigurationDelta) Apply(base ConfigurationRecord) ConfigurationRecord {
	out := base
	out.LogicalAppID = d.LogicalAppID
	if d.Category != nil {
		out.Category = *d.Category
	}
	if d.Rate != nil {
		out.Rate = *d.Rate
	}
	if d.Enabled != nil {
		out.Enabled = *d.Enabled
	}
	if d.Enforced != nil {
		out.Enforced = *d.Enforced
	}
	out.LastModified = d.LastModified
	out.OriginDeviceID = d.OriginDeviceID
	out.OriginRole = d.OriginRole
	return out
}

// DefaultConfiguration is the baseline for an app with no local record.
func DefaultConfiguration(id LogicalAppID) ConfigurationRecord {
	return ConfigurationRecord{
		LogicalAppID: id,
		Category:     CategoryPrimary,
		Enabled:      true,
	}
}

type UsageKey struct {
	LogicalAppID LogicalAppID
	DeviceID     string
	SessionStart time.Time
}

type UsageRecord struct {
	LogicalAppID       LogicalAppID
	DeviceID           string
	SessionStart       time.Time
	SessionEnd         time.Time
	Category           Category
	AccumulatedSeconds int64
	DerivedPoints      float64
	Synced             bool
}

func (u UsageRecord) Key() UsageKey {
	return UsageKey{LogicalAppID: u.LogicalAppID, DeviceID: u.DeviceID, SessionStart: u.SessionStart}
}

type Command struct {
	CommandID      string
	TargetDeviceID string
	Kind           CommandKind
	Payload        []byte
	CreatedAt      time.Time
	ExecutedAt     *time.Time
	Status         CommandStatus
	Error          string
}

// CommandAck is the status transition an agent reports back for a command.
type CommandAck struct {
	CommandID  string
	Status     CommandStatus
	ExecutedAt time.Time
	Error      string
}

type QueueItem struct {
	QueueID    string
	Kind       OperationKind
	DedupeKey  string
	Payload    []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
	RetryCount int
	LastError  string
	Status     QueueStatus
}

type Device struct {
	DeviceID    string
	Role        Role
	DisplayName string
	LastSeenAt  time.Time
}

type RemoteHealth string

const (
	RemoteHealthOK       RemoteHealth = "ok"
	RemoteHealthDegraded RemoteHealth = "degraded"
	RemoteHealthDown     RemoteHealth = "down"
)

// Error codes recorded on failed commands.
const (
	ErrCodePayloadInvalid  = "E_PAYLOAD_INVALID"
	ErrCodeKindUnsupported = "E_KIND_UNSUPPORTED"
	ErrCodeEnforcement     = "E_ENFORCEMENT"
)

// Error codes returned by the daemon API.
const (
	ErrCodeInvalid           = "E_INVALID"
	ErrCodeNotFound          = "E_NOT_FOUND"
	ErrCodeConflict          = "E_CONFLICT"
	ErrCodeRoleMismatch      = "E_ROLE_MISMATCH"
	ErrCodeRemoteUnavailable = "E_REMOTE_UNAVAILABLE"
	ErrCodeInternal          = "E_INTERNAL"
)
