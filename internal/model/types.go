package model

import "time"

// Track identifies one of the two independent session lifecycles.
type Track string

const (
	TrackLocal Track = "local"
	TrackCloud Track = "cloud"
)

// TrackState is the lifecycle state of one track.
type TrackState string

const (
	TrackInactive TrackState = "inactive"
	TrackActive   TrackState = "active"
	TrackPaused   TrackState = "paused"
	TrackEnded    TrackState = "ended"
)

// SyncState marks how far a row has propagated to the remote store.
// Conflict is terminal: the server holds a divergent copy, so the local
// row is kept as-is, never retried and never purged.
type SyncState string

const (
	SyncUnsynced SyncState = "unsynced"
	SyncSyncing  SyncState = "syncing"
	SyncSynced   SyncState = "synced"
	SyncConflict SyncState = "conflict"
)

// Session is one bounded tracking interval on one track.
// RemoteID is bound at most once, when the server first accepts the session.
type Session struct {
	ID           int64
	SessionUID   string
	Track        Track
	OwnerID      *string
	StartTime    time.Time
	EndTime      *time.Time
	TotalEvents  int64
	AvgRate      float64
	MaxRate      float64
	DerivedScore *int
	SyncState    SyncState
	RemoteID     *string
	CreatedAt    time.Time
}

func (s Session) Open() bool {
	return s.EndTime == nil
}

// Duration is zero while the session is still open.
func (s Session) Duration() time.Duration {
	if s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Sample is one telemetry event belonging to exactly one session.
// SequenceValue is the cumulative count at the time of the sample.
type Sample struct {
	ID            int64
	SessionID     int64
	Timestamp     time.Time
	SequenceValue int64
	Rate          float64
	SignalQuality *float64
	CPUUsage      *float64
	MemoryUsage   *float64
	SyncState     SyncState
}

// SyncCursor is the per-owner download watermark. It advances only after a
// downloaded batch has been durably written.
type SyncCursor struct {
	OwnerID      string
	LastSyncedAt time.Time
}

// SessionStats is the read-side summary for one session.
type SessionStats struct {
	Session        Session
	EventCount     int64
	AvgRate        float64
	MaxRate        float64
	FirstTimestamp *time.Time
	LastTimestamp  *time.Time
	AvgCPU         *float64
	AvgMemory      *float64
}

// Error codes defined by the sync API contract.
const (
	ErrOwnerMismatch   = "E_OWNER_MISMATCH"
	ErrTokenInvalid    = "E_TOKEN_INVALID"
	ErrSessionInvalid  = "E_SESSION_INVALID"
	ErrSyncUnavailable = "E_SYNC_UNAVAILABLE"
)
