package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blinkwell/blinkd/internal/model"
)

const sessionColumns = `id, session_uid, track, owner_id, start_time, end_time, total_events, avg_rate, max_rate, derived_score, sync_state, remote_id, created_at`

// OpenSession returns the open session for the track if one exists,
// otherwise inserts a new one. The session_uid assigned here is the join
// key carried through sync.
func (s *Store) OpenSession(ctx context.Context, track model.Track, ownerID *string, now time.Time) (model.Session, error) {
	existing, err := s.GetOpenSession(ctx, track)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.Session{}, err
	}

	uid := uuid.NewString()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_uid, track, owner_id, start_time, created_at, sync_state)
VALUES (?, ?, ?, ?, ?, 'unsynced')
`, uid, string(track), nullableStr(ownerID), ts(now), ts(now))
	if err != nil {
		if isUniqueErr(err) {
			// Lost the race to another opener; the open row wins.
			return s.GetOpenSession(ctx, track)
		}
		return model.Session{}, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Session{}, fmt.Errorf("session insert id: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *Store) GetSession(ctx context.Context, id int64) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *Store) GetSessionByUID(ctx context.Context, uid string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_uid = ?`, uid)
	return scanSession(row)
}

// GetOpenSession returns the device-originated open session for the track.
func (s *Store) GetOpenSession(ctx context.Context, track model.Track) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE track = ? AND end_time IS NULL AND origin = 'device'
ORDER BY start_time DESC
LIMIT 1
`, string(track))
	return scanSession(row)
}

// CloseSession sets end_time and the derived score. Closing an already
// closed session returns the existing record unchanged.
func (s *Store) CloseSession(ctx context.Context, id int64, now time.Time) (model.Session, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	if !session.Open() {
		return session, nil
	}
	if now.Before(session.StartTime) {
		now = session.StartTime
	}
	score := model.DerivedScore(session.AvgRate, now.Sub(session.StartTime))
	_, err = s.db.ExecContext(ctx, `
UPDATE sessions
SET end_time = ?, derived_score = ?, sync_state = 'unsynced'
WHERE id = ? AND end_time IS NULL
`, ts(now), score, id)
	if err != nil {
		return model.Session{}, fmt.Errorf("close session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// ApplyAggregates persists the in-memory aggregate snapshot for a session.
// total_events and max_rate never move backwards.
func (s *Store) ApplyAggregates(ctx context.Context, id int64, totalEvents int64, avgRate, maxRate float64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions
SET total_events = CASE WHEN ? > total_events THEN ? ELSE total_events END,
	avg_rate = ?,
	max_rate = CASE WHEN ? > max_rate THEN ? ELSE max_rate END
WHERE id = ?
`, totalEvents, totalEvents, avgRate, maxRate, maxRate, id)
	if err != nil {
		return fmt.Errorf("apply aggregates: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply aggregates rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// BindRemoteID records the server-assigned id. The binding is append-only:
// binding the same id again is a no-op, a different id is ErrRemoteIDBound.
func (s *Store) BindRemoteID(ctx context.Context, id int64, remoteID string) error {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if session.RemoteID != nil {
		if *session.RemoteID == remoteID {
			return nil
		}
		return ErrRemoteIDBound
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE sessions SET remote_id = ? WHERE id = ? AND remote_id IS NULL
`, remoteID, id)
	if err != nil {
		return fmt.Errorf("bind remote id: %w", err)
	}
	return nil
}

// MarkSessionSynced binds the remote id and flips the session and its
// events to synced in one transaction. This is the per-session commit unit
// of an upload run.
func (s *Store) MarkSessionSynced(ctx context.Context, id int64, remoteID string) error {
	if err := s.BindRemoteID(ctx, id, remoteID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark synced tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET sync_state = 'synced' WHERE id = ?`, id); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("mark session synced: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE events SET sync_state = 'synced' WHERE session_id = ?`, id); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("mark events synced: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark synced tx: %w", err)
	}
	return nil
}

func (s *Store) SetSessionSyncState(ctx context.Context, id int64, state model.SyncState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET sync_state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("set session sync state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set sync state rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnsyncedSessions returns device-originated sessions for the owner
// that still need an upload, oldest first. Conflicted sessions are
// terminal and excluded along with synced ones.
func (s *Store) ListUnsyncedSessions(ctx context.Context, ownerID string) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE owner_id = ? AND origin = 'device' AND sync_state NOT IN ('synced', 'conflict')
ORDER BY start_time ASC
`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list unsynced sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *Store) ListRecentSessions(ctx context.Context, ownerID string, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE owner_id = ?
ORDER BY start_time DESC
LIMIT ?
`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// SessionStats aggregates the event rows under one session for display.
func (s *Store) SessionStats(ctx context.Context, id int64) (model.SessionStats, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return model.SessionStats{}, err
	}
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
	COALESCE(AVG(rate), 0),
	COALESCE(MAX(rate), 0),
	MIN(timestamp),
	MAX(timestamp),
	AVG(cpu_usage),
	AVG(memory_usage)
FROM events
WHERE session_id = ?
`, id)

	stats := model.SessionStats{Session: session}
	var first, last sql.NullString
	var avgCPU, avgMem sql.NullFloat64
	if err := row.Scan(&stats.EventCount, &stats.AvgRate, &stats.MaxRate, &first, &last, &avgCPU, &avgMem); err != nil {
		return model.SessionStats{}, fmt.Errorf("scan session stats: %w", err)
	}
	if first.Valid {
		v, err := parseTS(first.String)
		if err != nil {
			return model.SessionStats{}, fmt.Errorf("parse first timestamp: %w", err)
		}
		stats.FirstTimestamp = &v
	}
	if last.Valid {
		v, err := parseTS(last.String)
		if err != nil {
			return model.SessionStats{}, fmt.Errorf("parse last timestamp: %w", err)
		}
		stats.LastTimestamp = &v
	}
	if avgCPU.Valid {
		v := avgCPU.Float64
		stats.AvgCPU = &v
	}
	if avgMem.Valid {
		v := avgMem.Float64
		stats.AvgMemory = &v
	}
	return stats, nil
}

// AdoptOwner attributes unowned device sessions to the owner. Sessions
// recorded before authentication have owner_id NULL and cannot sync until
// adopted.
func (s *Store) AdoptOwner(ctx context.Context, ownerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET owner_id = ? WHERE owner_id IS NULL AND origin = 'device'
`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("adopt owner: %w", err)
	}
	adopted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("adopt owner rows affected: %w", err)
	}
	return adopted, nil
}

func collectSessions(rows *sql.Rows) ([]model.Session, error) {
	out := make([]model.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter sessions: %w", err)
	}
	return out, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (model.Session, error) {
	var (
		session   model.Session
		track     string
		ownerID   sql.NullString
		startTime string
		endTime   sql.NullString
		score     sql.NullInt64
		syncState string
		remoteID  sql.NullString
		createdAt string
	)
	err := scanner.Scan(&session.ID, &session.SessionUID, &track, &ownerID, &startTime, &endTime,
		&session.TotalEvents, &session.AvgRate, &session.MaxRate, &score, &syncState, &remoteID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("scan session: %w", err)
	}
	session.Track = model.Track(track)
	session.SyncState = model.SyncState(syncState)
	if ownerID.Valid {
		v := ownerID.String
		session.OwnerID = &v
	}
	if session.StartTime, err = parseTS(startTime); err != nil {
		return model.Session{}, fmt.Errorf("parse start_time: %w", err)
	}
	if endTime.Valid {
		v, err := parseTS(endTime.String)
		if err != nil {
			return model.Session{}, fmt.Errorf("parse end_time: %w", err)
		}
		session.EndTime = &v
	}
	if score.Valid {
		v := int(score.Int64)
		session.DerivedScore = &v
	}
	if remoteID.Valid {
		v := remoteID.String
		session.RemoteID = &v
	}
	if session.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Session{}, fmt.Errorf("parse created_at: %w", err)
	}
	return session, nil
}
