// Package server implements the authoritative sync API: it accepts
// session uploads from devices, merges them, and serves the owner's
// reconciled history back.
package server

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrOwnerMismatch = errors.New("owner mismatch")
)

// Session is the server-side authoritative record of one device session.
// ID is the server-assigned identifier devices bind as remote_id.
type Session struct {
	ID           string
	OwnerID      string
	SessionUID   string
	Track        string
	StartTime    time.Time
	EndTime      *time.Time
	TotalEvents  int64
	AvgRate      float64
	MaxRate      float64
	DerivedScore *int
	UpdatedAt    time.Time
}

// Event is one uploaded telemetry sample retained under a session.
type Event struct {
	SessionID     string
	Timestamp     time.Time
	SequenceValue int64
	Rate          float64
	SignalQuality *float64
	CPUUsage      *float64
	MemoryUsage   *float64
}

// Store is the persistence contract of the sync API. The Postgres
// implementation lives in the pgstore package; tests use an in-memory one.
type Store interface {
	// FindByUID returns the owner's session with the uid, or ErrNotFound.
	// A uid held by a different owner is ErrOwnerMismatch.
	FindByUID(ctx context.Context, ownerID, sessionUID string) (Session, error)
	// FindByStartTime matches on (track, start_time) for uploads from
	// devices that predate uid assignment.
	FindByStartTime(ctx context.Context, ownerID, track string, startTime time.Time) (Session, error)
	Insert(ctx context.Context, s Session) (Session, error)
	Update(ctx context.Context, s Session) error
	// ListChangedSince returns the owner's sessions updated at or after
	// since (all of them when since is nil), plus the latest update time
	// seen. The boundary is inclusive: a row committed exactly at the
	// client's watermark is re-returned rather than skipped, and the
	// client's idempotent apply absorbs the repeat.
	ListChangedSince(ctx context.Context, ownerID string, since *time.Time) ([]Session, time.Time, error)
	InsertEvents(ctx context.Context, events []Event) error
	// ListEventsBySession returns a session's events in timestamp order.
	ListEventsBySession(ctx context.Context, sessionID string) ([]Event, error)
	// OwnerSummary reports the owner's session count and last upload time.
	OwnerSummary(ctx context.Context, ownerID string) (int64, *time.Time, error)
}
