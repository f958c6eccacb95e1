package api

import "time"

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	DeviceID      string    `json:"device_id"`
	Role          string    `json:"role"`
	RemoteHealth  string    `json:"remote_health"`
	LastSyncAt    *string   `json:"last_sync_at,omitempty"`
}
