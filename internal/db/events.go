package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blinkwell/blinkd/internal/model"
)

// InsertSampleBatch writes a flushed batch in one transaction. A batch is
// all-or-nothing so a failed flush can be retried without partial rows.
func (s *Store) InsertSampleBatch(ctx context.Context, samples []model.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO events(session_id, timestamp, sequence_value, rate, signal_quality, cpu_usage, memory_usage, sync_state)
VALUES (?, ?, ?, ?, ?, ?, ?, 'unsynced')
`)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()
	for _, sample := range samples {
		_, err := stmt.ExecContext(ctx, sample.SessionID, ts(sample.Timestamp), sample.SequenceValue,
			sample.Rate, nullableF64(sample.SignalQuality), nullableF64(sample.CPUUsage), nullableF64(sample.MemoryUsage))
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch tx: %w", err)
	}
	return nil
}

// ListSessionSamples returns the session's events ordered by timestamp.
func (s *Store) ListSessionSamples(ctx context.Context, sessionID int64) ([]model.Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, timestamp, sequence_value, rate, signal_quality, cpu_usage, memory_usage, sync_state
FROM events
WHERE session_id = ?
ORDER BY timestamp ASC, id ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session samples: %w", err)
	}
	defer rows.Close()

	out := make([]model.Sample, 0)
	for rows.Next() {
		var (
			sample    model.Sample
			timestamp string
			quality   sql.NullFloat64
			cpu       sql.NullFloat64
			mem       sql.NullFloat64
			syncState string
		)
		if err := rows.Scan(&sample.ID, &sample.SessionID, &timestamp, &sample.SequenceValue,
			&sample.Rate, &quality, &cpu, &mem, &syncState); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if sample.Timestamp, err = parseTS(timestamp); err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		if quality.Valid {
			v := quality.Float64
			sample.SignalQuality = &v
		}
		if cpu.Valid {
			v := cpu.Float64
			sample.CPUUsage = &v
		}
		if mem.Valid {
			v := mem.Float64
			sample.MemoryUsage = &v
		}
		sample.SyncState = model.SyncState(syncState)
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter events: %w", err)
	}
	return out, nil
}

// GetSyncCursor returns the owner's download watermark, or ErrNotFound if
// the owner has never completed a download.
func (s *Store) GetSyncCursor(ctx context.Context, ownerID string) (model.SyncCursor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT owner_id, last_synced_at FROM sync_cursor WHERE owner_id = ?`, ownerID)
	var (
		cursor model.SyncCursor
		raw    string
	)
	if err := row.Scan(&cursor.OwnerID, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SyncCursor{}, ErrNotFound
		}
		return model.SyncCursor{}, fmt.Errorf("scan sync cursor: %w", err)
	}
	var err error
	if cursor.LastSyncedAt, err = parseTS(raw); err != nil {
		return model.SyncCursor{}, fmt.Errorf("parse sync cursor: %w", err)
	}
	return cursor, nil
}

// RemoteSession is one downloaded session with its nested samples.
type RemoteSession struct {
	Session model.Session
	Samples []model.Sample
}

// ApplyDownload merges a downloaded batch and advances the owner's cursor
// in a single transaction. The cursor moves only when every row landed, so
// a crash mid-apply replays the same window on the next run.
//
// Remote sessions are matched to local rows by session_uid. Matched rows
// take the larger of each counter and fill a missing end_time; unmatched
// rows are inserted with origin 'remote' so they never collide with the
// one-open-session rule of this device. Nested samples land only for
// freshly inserted sessions: a matched local row already carries its own
// event history.
func (s *Store) ApplyDownload(ctx context.Context, ownerID string, sessions []RemoteSession, watermark time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin download tx: %w", err)
	}
	for _, remote := range sessions {
		localID, inserted, err := applyRemoteSession(ctx, tx, ownerID, remote.Session)
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
		if inserted {
			if err := insertRemoteSamplesTx(ctx, tx, localID, remote.Samples); err != nil {
				tx.Rollback() //nolint:errcheck
				return err
			}
		}
	}
	if err := advanceCursorTx(ctx, tx, ownerID, watermark); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit download tx: %w", err)
	}
	return nil
}

func applyRemoteSession(ctx context.Context, tx *sql.Tx, ownerID string, remote model.Session) (int64, bool, error) {
	var (
		localID  int64
		endTime  sql.NullString
		remoteID sql.NullString
	)
	err := tx.QueryRowContext(ctx, `
SELECT id, end_time, remote_id FROM sessions WHERE session_uid = ?
`, remote.SessionUID).Scan(&localID, &endTime, &remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		res, err := tx.ExecContext(ctx, `
INSERT INTO sessions(session_uid, track, origin, owner_id, start_time, end_time, total_events, avg_rate, max_rate, derived_score, sync_state, remote_id, created_at)
VALUES (?, ?, 'remote', ?, ?, ?, ?, ?, ?, ?, 'synced', ?, ?)
`, remote.SessionUID, string(remote.Track), ownerID, ts(remote.StartTime), nullableTS(remote.EndTime),
			remote.TotalEvents, remote.AvgRate, remote.MaxRate, nullableInt(remote.DerivedScore),
			nullableStr(remote.RemoteID), ts(time.Now()))
		if err != nil {
			return 0, false, fmt.Errorf("insert remote session %s: %w", remote.SessionUID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("remote session %s id: %w", remote.SessionUID, err)
		}
		return id, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("match remote session %s: %w", remote.SessionUID, err)
	}
	if remoteID.Valid && remote.RemoteID != nil && remoteID.String != *remote.RemoteID {
		return 0, false, fmt.Errorf("session %s: %w", remote.SessionUID, ErrRemoteIDBound)
	}

	// Merge: counters take the maximum, a missing end_time is filled from
	// the remote copy, and a remote id binds if not already bound.
	_, err = tx.ExecContext(ctx, `
UPDATE sessions
SET total_events = CASE WHEN ? > total_events THEN ? ELSE total_events END,
	avg_rate = CASE WHEN ? > avg_rate THEN ? ELSE avg_rate END,
	max_rate = CASE WHEN ? > max_rate THEN ? ELSE max_rate END,
	end_time = COALESCE(end_time, ?),
	derived_score = COALESCE(derived_score, ?),
	remote_id = COALESCE(remote_id, ?)
WHERE id = ?
`, remote.TotalEvents, remote.TotalEvents, remote.AvgRate, remote.AvgRate, remote.MaxRate, remote.MaxRate,
		nullableTS(remote.EndTime), nullableInt(remote.DerivedScore), nullableStr(remote.RemoteID), localID)
	if err != nil {
		return 0, false, fmt.Errorf("merge remote session %s: %w", remote.SessionUID, err)
	}
	return localID, false, nil
}

func insertRemoteSamplesTx(ctx context.Context, tx *sql.Tx, sessionID int64, samples []model.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO events(session_id, timestamp, sequence_value, rate, signal_quality, cpu_usage, memory_usage, sync_state)
VALUES (?, ?, ?, ?, ?, ?, ?, 'synced')
`)
	if err != nil {
		return fmt.Errorf("prepare remote samples insert: %w", err)
	}
	defer stmt.Close()
	for _, sample := range samples {
		_, err := stmt.ExecContext(ctx, sessionID, ts(sample.Timestamp), sample.SequenceValue,
			sample.Rate, nullableF64(sample.SignalQuality), nullableF64(sample.CPUUsage), nullableF64(sample.MemoryUsage))
		if err != nil {
			return fmt.Errorf("insert remote sample: %w", err)
		}
	}
	return nil
}

// AdvanceSyncCursor moves the owner's watermark forward. A watermark older
// than the stored one is ignored.
func (s *Store) AdvanceSyncCursor(ctx context.Context, ownerID string, watermark time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cursor tx: %w", err)
	}
	if err := advanceCursorTx(ctx, tx, ownerID, watermark); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cursor tx: %w", err)
	}
	return nil
}

func advanceCursorTx(ctx context.Context, tx *sql.Tx, ownerID string, watermark time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO sync_cursor(owner_id, last_synced_at) VALUES (?, ?)
ON CONFLICT(owner_id) DO UPDATE SET last_synced_at = excluded.last_synced_at
WHERE excluded.last_synced_at > sync_cursor.last_synced_at
`, ownerID, ts(watermark))
	if err != nil {
		return fmt.Errorf("advance sync cursor: %w", err)
	}
	return nil
}
