// Package pgstore is the Postgres-backed implementation of the sync API's
// Store contract.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/blinkwell/blinkd/internal/server"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type Store struct {
	db *sql.DB
}

// Open connects to Postgres using the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded migrations in the given direction.
func Migrate(dsn, direction string) error {
	if dsn == "" {
		return errors.New("DATABASE_URL is not set")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	sourceDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

const sessionColumns = `id, owner_id, session_uid, track, start_time, end_time, total_events, avg_rate, max_rate, derived_score, updated_at`

func (s *Store) FindByUID(ctx context.Context, ownerID, sessionUID string) (server.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+` FROM sessions WHERE session_uid = $1
`, sessionUID)
	session, err := scanSession(row)
	if err != nil {
		return server.Session{}, err
	}
	if session.OwnerID != ownerID {
		return server.Session{}, server.ErrOwnerMismatch
	}
	return session, nil
}

func (s *Store) FindByStartTime(ctx context.Context, ownerID, track string, startTime time.Time) (server.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE owner_id = $1 AND track = $2 AND start_time = $3
LIMIT 1
`, ownerID, track, startTime.UTC())
	return scanSession(row)
}

func (s *Store) Insert(ctx context.Context, session server.Session) (server.Session, error) {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (id, owner_id, session_uid, track, start_time, end_time, total_events, avg_rate, max_rate, derived_score, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, session.ID, session.OwnerID, session.SessionUID, session.Track, session.StartTime.UTC(),
		nullableTime(session.EndTime), session.TotalEvents, session.AvgRate, session.MaxRate,
		nullableInt(session.DerivedScore), session.UpdatedAt.UTC())
	if err != nil {
		return server.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

func (s *Store) Update(ctx context.Context, session server.Session) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions
SET end_time = $2, total_events = $3, avg_rate = $4, max_rate = $5, derived_score = $6, updated_at = $7
WHERE id = $1
`, session.ID, nullableTime(session.EndTime), session.TotalEvents, session.AvgRate, session.MaxRate,
		nullableInt(session.DerivedScore), session.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rows affected: %w", err)
	}
	if affected == 0 {
		return server.ErrNotFound
	}
	return nil
}

func (s *Store) ListChangedSince(ctx context.Context, ownerID string, since *time.Time) ([]server.Session, time.Time, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE owner_id = $1`
	args := []any{ownerID}
	if since != nil {
		query += ` AND updated_at >= $2`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY updated_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("list changed sessions: %w", err)
	}
	defer rows.Close()

	var out []server.Session
	var watermark time.Time
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, time.Time{}, err
		}
		out = append(out, session)
		if session.UpdatedAt.After(watermark) {
			watermark = session.UpdatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("iter sessions: %w", err)
	}
	return out, watermark, nil
}

func (s *Store) InsertEvents(ctx context.Context, events []server.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin events tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO events (session_id, ts, sequence_value, rate, signal_quality, cpu_usage, memory_usage)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("prepare events insert: %w", err)
	}
	defer stmt.Close()
	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, ev.SessionID, ev.Timestamp.UTC(), ev.SequenceValue,
			ev.Rate, nullableF64(ev.SignalQuality), nullableF64(ev.CPUUsage), nullableF64(ev.MemoryUsage)); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit events tx: %w", err)
	}
	return nil
}

func (s *Store) ListEventsBySession(ctx context.Context, sessionID string) ([]server.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, ts, sequence_value, rate, signal_quality, cpu_usage, memory_usage
FROM events
WHERE session_id = $1
ORDER BY ts ASC, id ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []server.Event
	for rows.Next() {
		var (
			ev                server.Event
			quality, cpu, mem sql.NullFloat64
		)
		if err := rows.Scan(&ev.SessionID, &ev.Timestamp, &ev.SequenceValue, &ev.Rate,
			&quality, &cpu, &mem); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if quality.Valid {
			v := quality.Float64
			ev.SignalQuality = &v
		}
		if cpu.Valid {
			v := cpu.Float64
			ev.CPUUsage = &v
		}
		if mem.Valid {
			v := mem.Float64
			ev.MemoryUsage = &v
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter events: %w", err)
	}
	return out, nil
}

func (s *Store) OwnerSummary(ctx context.Context, ownerID string) (int64, *time.Time, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), MAX(updated_at) FROM sessions WHERE owner_id = $1
`, ownerID)
	var count int64
	var last sql.NullTime
	if err := row.Scan(&count, &last); err != nil {
		return 0, nil, fmt.Errorf("owner summary: %w", err)
	}
	if last.Valid {
		t := last.Time.UTC()
		return count, &t, nil
	}
	return count, nil, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (server.Session, error) {
	var (
		session server.Session
		endTime sql.NullTime
		score   sql.NullInt64
	)
	err := scanner.Scan(&session.ID, &session.OwnerID, &session.SessionUID, &session.Track,
		&session.StartTime, &endTime, &session.TotalEvents, &session.AvgRate, &session.MaxRate,
		&score, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return server.Session{}, server.ErrNotFound
		}
		return server.Session{}, fmt.Errorf("scan session: %w", err)
	}
	if endTime.Valid {
		t := endTime.Time.UTC()
		session.EndTime = &t
	}
	if score.Valid {
		v := int(score.Int64)
		session.DerivedScore = &v
	}
	return session, nil
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableF64(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
