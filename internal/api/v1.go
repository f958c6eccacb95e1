package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

// ObservationRequest is posted by the platform usage-event source. Handle is
// the opaque per-device app token, base64 encoded on the wire.
type ObservationRequest struct {
	Handle      []byte `json:"handle"`
	PlatformID  string `json:"platform_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Seconds     int64  `json:"seconds"`
}

type UsageItem struct {
	LogicalAppID       string  `json:"logical_app_id"`
	DeviceID           string  `json:"device_id"`
	SessionStart       string  `json:"session_start"`
	SessionEnd         string  `json:"session_end"`
	Category           string  `json:"category"`
	AccumulatedSeconds int64   `json:"accumulated_seconds"`
	DerivedPoints      float64 `json:"derived_points"`
	Synced             bool    `json:"synced"`
}

type ObservationResponse struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	Accepted      bool       `json:"accepted"`
	Record        *UsageItem `json:"record,omitempty"`
}

type UsageEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	DeviceID      string      `json:"device_id"`
	Records       []UsageItem `json:"records"`
}

type UsageResetResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	DeviceID      string    `json:"device_id"`
	Deleted       int64     `json:"deleted"`
}

type DrainSummary struct {
	Delivered    int `json:"delivered"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"`
}

type UsageSummaryItem struct {
	DeviceID     string  `json:"device_id"`
	DisplayName  string  `json:"display_name,omitempty"`
	LogicalAppID string  `json:"logical_app_id"`
	Category     string  `json:"category"`
	Seconds      int64   `json:"seconds"`
	Points       float64 `json:"points"`
	Sessions     int     `json:"sessions"`
}

type SyncReport struct {
	Role              string             `json:"role"`
	Reason            string             `json:"reason"`
	StartedAt         string             `json:"started_at"`
	DurationMS        int64              `json:"duration_ms"`
	Coalesced         bool               `json:"coalesced"`
	RemoteHealth      string             `json:"remote_health"`
	Drain             DrainSummary       `json:"drain"`
	CommandsExecuted  int                `json:"commands_executed"`
	CommandsFailed    int                `json:"commands_failed"`
	CommandsSkipped   int                `json:"commands_skipped"`
	Uploaded          int                `json:"uploaded"`
	UploadsQueued     int                `json:"uploads_queued"`
	CommandsRefreshed int                `json:"commands_refreshed"`
	ConfigsAdopted    int                `json:"configs_adopted"`
	Summary           []UsageSummaryItem `json:"summary,omitempty"`
}

// SyncResponse carries the pass report even when the pass hit errors; Error
// then holds the joined messages.
type SyncResponse struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	Report        SyncReport `json:"report"`
	Error         string     `json:"error,omitempty"`
}

type QueueItem struct {
	QueueID    string `json:"queue_id"`
	Kind       string `json:"kind"`
	DedupeKey  string `json:"dedupe_key,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
	Status     string `json:"status"`
}

type QueueEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Depth         map[string]int `json:"depth"`
	Items         []QueueItem    `json:"items"`
}

type CommandItem struct {
	CommandID      string  `json:"command_id"`
	Direction      string  `json:"direction"`
	TargetDeviceID string  `json:"target_device_id"`
	Kind           string  `json:"kind"`
	CreatedAt      string  `json:"created_at"`
	ExecutedAt     *string `json:"executed_at,omitempty"`
	Status         string  `json:"status"`
	Error          string  `json:"error,omitempty"`
}

type CommandsEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Commands      []CommandItem `json:"commands"`
}

type CommandResponse struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Command       CommandItem `json:"command"`
}

// ConfigurationRequest asks a controller to change one app's configuration
// on one agent device. Nil fields are left unchanged.
type ConfigurationRequest struct {
	DeviceID     string   `json:"device_id"`
	LogicalAppID string   `json:"logical_app_id"`
	Category     *string  `json:"category,omitempty"`
	Rate         *float64 `json:"rate,omitempty"`
	Enabled      *bool    `json:"enabled,omitempty"`
	Enforced     *bool    `json:"enforced,omitempty"`
}

type AppItem struct {
	LogicalAppID string   `json:"logical_app_id"`
	DisplayName  string   `json:"display_name,omitempty"`
	FirstSeenAt  string   `json:"first_seen_at"`
	Category     string   `json:"category"`
	Rate         *float64 `json:"rate,omitempty"`
	Enabled      bool     `json:"enabled"`
	Enforced     bool     `json:"enforced"`
}

type AppsEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Apps          []AppItem `json:"apps"`
}
