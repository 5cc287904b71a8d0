// Package api defines the wire types shared by the daemon's control
// surface and the sync API.
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

// SessionRecord is one session on the wire, client and server direction
// alike. SessionUID is the join key; RemoteID is present once the server
// has accepted the session.
type SessionRecord struct {
	SessionUID   string    `json:"session_uid"`
	Track        string    `json:"track"`
	StartTime    time.Time `json:"start_time"`
	EndTime      *string   `json:"end_time,omitempty"`
	TotalEvents  int64     `json:"total_events"`
	AvgRate      float64   `json:"avg_rate"`
	MaxRate      float64   `json:"max_rate"`
	DerivedScore *int      `json:"derived_score,omitempty"`
	RemoteID     string    `json:"remote_id,omitempty"`

	// Events is populated on download so a device can backfill sessions
	// recorded elsewhere. Uploads carry events at the request level.
	Events []EventRecord `json:"events,omitempty"`
}

type EventRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	SequenceValue int64     `json:"sequence_value"`
	Rate          float64   `json:"rate"`
	SignalQuality *float64  `json:"signal_quality,omitempty"`
	CPUUsage      *float64  `json:"cpu_usage,omitempty"`
	MemoryUsage   *float64  `json:"memory_usage,omitempty"`
}

// UploadRequest carries one session and its events to the server.
type UploadRequest struct {
	SchemaVersion string        `json:"schema_version"`
	Session       SessionRecord `json:"session"`
	Events        []EventRecord `json:"events"`
}

// UploadResponse acknowledges the durable server-side write.
type UploadResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	RemoteID      string    `json:"remote_id"`
	Merged        bool      `json:"merged"`
	Conflict      bool      `json:"conflict"`
}

// DownloadResponse returns the owner's sessions changed since the cursor.
type DownloadResponse struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Sessions      []SessionRecord `json:"sessions"`
	Watermark     time.Time       `json:"watermark"`
}

// SyncStatusResponse summarizes the server's view of one owner.
type SyncStatusResponse struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	OwnerID       string     `json:"owner_id"`
	SessionCount  int64      `json:"session_count"`
	LastUploadAt  *time.Time `json:"last_upload_at,omitempty"`
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

// Daemon control surface payloads.

type SampleRequest struct {
	Rate          float64  `json:"rate"`
	SignalQuality *float64 `json:"signal_quality,omitempty"`
	Timestamp     *string  `json:"timestamp,omitempty"`
}

type PerfRequest struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
}

type TrackResponse struct {
	Track        string         `json:"track"`
	State        string         `json:"state"`
	Session      *SessionDetail `json:"session,omitempty"`
	DroppedCount int64          `json:"dropped_count"`
}

type SessionDetail struct {
	ID           int64   `json:"id"`
	SessionUID   string  `json:"session_uid"`
	Track        string  `json:"track"`
	OwnerID      *string `json:"owner_id,omitempty"`
	StartTime    string  `json:"start_time"`
	EndTime      *string `json:"end_time,omitempty"`
	TotalEvents  int64   `json:"total_events"`
	AvgRate      float64 `json:"avg_rate"`
	MaxRate      float64 `json:"max_rate"`
	DerivedScore *int    `json:"derived_score,omitempty"`
	SyncState    string  `json:"sync_state"`
	RemoteID     *string `json:"remote_id,omitempty"`
}

type SessionsEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Tracks        []TrackResponse `json:"tracks"`
}

type StatsEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Session       SessionDetail `json:"session"`
	EventCount    int64         `json:"event_count"`
	AvgRate       float64       `json:"avg_rate"`
	MaxRate       float64       `json:"max_rate"`
	FirstSampleAt *string       `json:"first_sample_at,omitempty"`
	LastSampleAt  *string       `json:"last_sample_at,omitempty"`
	AvgCPU        *float64      `json:"avg_cpu,omitempty"`
	AvgMemory     *float64      `json:"avg_memory,omitempty"`
}

// SyncRunResponse reports one sync pass from the daemon's point of view.
type SyncRunResponse struct {
	SchemaVersion   string    `json:"schema_version"`
	GeneratedAt     time.Time `json:"generated_at"`
	Status          string    `json:"status"`
	Uploaded        int       `json:"uploaded"`
	Downloaded      int       `json:"downloaded"`
	SessionsCreated int       `json:"sessions_created"`
	SessionsUpdated int       `json:"sessions_updated"`
	EventsAppended  int       `json:"events_appended"`
	Conflicts       int       `json:"conflicts"`
	Failed          int       `json:"failed"`
}

type DaemonSyncStatusResponse struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	Running       bool       `json:"running"`
	PendingCount  int64      `json:"pending_count"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
}
