// Package syncer reconciles the local store against the sync API. A run
// uploads closed unsynced sessions, then downloads the owner's changes
// since the stored watermark.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/blinkwell/blinkd/internal/api"
	"github.com/blinkwell/blinkd/internal/apiclient"
	"github.com/blinkwell/blinkd/internal/db"
	"github.com/blinkwell/blinkd/internal/model"
)

const (
	StatusCompleted      = "completed"
	StatusPartial        = "partial"
	StatusAlreadyRunning = "already_running"
)

// Outcome summarizes one sync run.
type Outcome struct {
	Status          string
	Uploaded        int
	Downloaded      int
	SessionsCreated int
	SessionsUpdated int
	EventsAppended  int
	Conflicts       int
	Failed          int
	StartedAt       time.Time
	FinishedAt      time.Time
}

type Syncer struct {
	store   *db.Store
	client  *apiclient.Client
	ownerID string

	mu      sync.Mutex
	running bool
}

func New(store *db.Store, client *apiclient.Client, ownerID string) *Syncer {
	return &Syncer{store: store, client: client, ownerID: ownerID}
}

// Running reports whether a sync pass is in flight.
func (s *Syncer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// PendingCount returns how many closed sessions still await upload.
func (s *Syncer) PendingCount(ctx context.Context) (int64, error) {
	sessions, err := s.store.ListUnsyncedSessions(ctx, s.ownerID)
	if err != nil {
		return 0, err
	}
	var count int64
	for _, session := range sessions {
		if !session.Open() {
			count++
		}
	}
	return count, nil
}

// LastSyncedAt returns the stored download watermark, or nil before the
// first completed download.
func (s *Syncer) LastSyncedAt(ctx context.Context) (*time.Time, error) {
	cursor, err := s.store.GetSyncCursor(ctx, s.ownerID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cursor.LastSyncedAt, nil
}

// Run performs one sync pass. Concurrent calls coalesce: while a pass is
// in flight, Run returns immediately with StatusAlreadyRunning.
func (s *Syncer) Run(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Outcome{Status: StatusAlreadyRunning}, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	outcome := Outcome{StartedAt: time.Now().UTC()}

	// Sessions recorded before authentication have no owner yet.
	if adopted, err := s.store.AdoptOwner(ctx, s.ownerID); err != nil {
		return outcome, fmt.Errorf("adopt sessions: %w", err)
	} else if adopted > 0 {
		fmt.Fprintf(os.Stderr, "blinkd: attributed %d sessions to %s\n", adopted, s.ownerID)
	}

	if err := s.upload(ctx, &outcome); err != nil {
		outcome.FinishedAt = time.Now().UTC()
		outcome.Status = StatusPartial
		return outcome, err
	}
	if err := s.download(ctx, &outcome); err != nil {
		outcome.FinishedAt = time.Now().UTC()
		outcome.Status = StatusPartial
		return outcome, err
	}

	outcome.FinishedAt = time.Now().UTC()
	if outcome.Failed > 0 {
		outcome.Status = StatusPartial
	} else {
		outcome.Status = StatusCompleted
	}
	return outcome, nil
}

// upload pushes closed unsynced sessions one at a time. Each session is a
// separate commit unit: a failure marks it back unsynced and moves on, so
// one bad session never wedges the rest.
func (s *Syncer) upload(ctx context.Context, outcome *Outcome) error {
	sessions, err := s.store.ListUnsyncedSessions(ctx, s.ownerID)
	if err != nil {
		return fmt.Errorf("list unsynced: %w", err)
	}

	for _, session := range sessions {
		if session.Open() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.store.SetSessionSyncState(ctx, session.ID, model.SyncSyncing); err != nil {
			return fmt.Errorf("mark syncing: %w", err)
		}
		resp, sent, err := s.uploadSession(ctx, session)
		if err != nil {
			if revertErr := s.store.SetSessionSyncState(ctx, session.ID, model.SyncUnsynced); revertErr != nil {
				fmt.Fprintf(os.Stderr, "blinkd: revert sync state for session %d: %v\n", session.ID, revertErr)
			}
			var reqErr *apiclient.RequestError
			if errors.As(err, &reqErr) && !reqErr.Retryable() {
				return fmt.Errorf("upload session %s: %w", session.SessionUID, err)
			}
			outcome.Failed++
			fmt.Fprintf(os.Stderr, "blinkd: upload session %s: %v\n", session.SessionUID, err)
			continue
		}
		if resp.Conflict {
			// The server holds a divergent closed copy. Park the local
			// session in a terminal state: it must neither retry upload
			// nor fall to the retention purge.
			if err := s.store.BindRemoteID(ctx, session.ID, resp.RemoteID); err != nil {
				return fmt.Errorf("bind conflicted remote id: %w", err)
			}
			if err := s.store.SetSessionSyncState(ctx, session.ID, model.SyncConflict); err != nil {
				return fmt.Errorf("mark conflict: %w", err)
			}
			outcome.Uploaded++
			outcome.Conflicts++
			fmt.Fprintf(os.Stderr, "blinkd: session %s closed divergently on another device\n", session.SessionUID)
			continue
		}
		if err := s.store.MarkSessionSynced(ctx, session.ID, resp.RemoteID); err != nil {
			return fmt.Errorf("mark synced: %w", err)
		}
		outcome.Uploaded++
		if resp.Merged {
			outcome.SessionsUpdated++
		} else {
			outcome.SessionsCreated++
		}
		outcome.EventsAppended += sent
	}
	return nil
}

func (s *Syncer) uploadSession(ctx context.Context, session model.Session) (api.UploadResponse, int, error) {
	samples, err := s.store.ListSessionSamples(ctx, session.ID)
	if err != nil {
		return api.UploadResponse{}, 0, fmt.Errorf("list samples: %w", err)
	}
	events := make([]api.EventRecord, 0, len(samples))
	for _, sample := range samples {
		if sample.SyncState == model.SyncSynced {
			continue
		}
		events = append(events, api.EventRecord{
			Timestamp:     sample.Timestamp,
			SequenceValue: sample.SequenceValue,
			Rate:          sample.Rate,
			SignalQuality: sample.SignalQuality,
			CPUUsage:      sample.CPUUsage,
			MemoryUsage:   sample.MemoryUsage,
		})
	}

	record := api.SessionRecord{
		SessionUID:  session.SessionUID,
		Track:       string(session.Track),
		StartTime:   session.StartTime,
		TotalEvents: session.TotalEvents,
		AvgRate:     session.AvgRate,
		MaxRate:     session.MaxRate,
	}
	if session.EndTime != nil {
		end := session.EndTime.UTC().Format(time.RFC3339Nano)
		record.EndTime = &end
	}
	if session.DerivedScore != nil {
		score := *session.DerivedScore
		record.DerivedScore = &score
	}
	resp, err := s.client.Upload(ctx, api.UploadRequest{Session: record, Events: events})
	if err != nil {
		return api.UploadResponse{}, 0, err
	}
	return resp, len(events), nil
}

// download pulls the owner's sessions changed since the watermark and
// applies them with the cursor advance in one local transaction.
func (s *Syncer) download(ctx context.Context, outcome *Outcome) error {
	var since *time.Time
	cursor, err := s.store.GetSyncCursor(ctx, s.ownerID)
	if err == nil {
		since = &cursor.LastSyncedAt
	} else if !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("get cursor: %w", err)
	}

	resp, err := s.client.Download(ctx, since)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	sessions := make([]db.RemoteSession, 0, len(resp.Sessions))
	for _, rec := range resp.Sessions {
		session, err := sessionFromRecord(rec)
		if err != nil {
			return err
		}
		remote := db.RemoteSession{Session: session}
		for _, ev := range rec.Events {
			remote.Samples = append(remote.Samples, model.Sample{
				Timestamp:     ev.Timestamp.UTC(),
				SequenceValue: ev.SequenceValue,
				Rate:          ev.Rate,
				SignalQuality: ev.SignalQuality,
				CPUUsage:      ev.CPUUsage,
				MemoryUsage:   ev.MemoryUsage,
			})
		}
		sessions = append(sessions, remote)
	}
	if err := s.store.ApplyDownload(ctx, s.ownerID, sessions, resp.Watermark); err != nil {
		return fmt.Errorf("apply download: %w", err)
	}
	outcome.Downloaded = len(sessions)
	return nil
}

func sessionFromRecord(rec api.SessionRecord) (model.Session, error) {
	session := model.Session{
		SessionUID:  rec.SessionUID,
		Track:       model.Track(rec.Track),
		StartTime:   rec.StartTime.UTC(),
		TotalEvents: rec.TotalEvents,
		AvgRate:     rec.AvgRate,
		MaxRate:     rec.MaxRate,
	}
	if rec.EndTime != nil {
		end, err := time.Parse(time.RFC3339Nano, *rec.EndTime)
		if err != nil {
			return model.Session{}, fmt.Errorf("parse end_time for %s: %w", rec.SessionUID, err)
		}
		end = end.UTC()
		session.EndTime = &end
	}
	if rec.DerivedScore != nil {
		score := *rec.DerivedScore
		session.DerivedScore = &score
	}
	if rec.RemoteID != "" {
		remoteID := rec.RemoteID
		session.RemoteID = &remoteID
	}
	return session, nil
}
