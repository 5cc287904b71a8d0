package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/blinkwell/blinkd/internal/model"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "telemetry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func strptr(s string) *string { return &s }

func TestOpenSessionIdempotentPerTrack(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()

	first, err := store.OpenSession(ctx, model.TrackLocal, nil, now)
	if err != nil {
		t.Fatalf("open local session: %v", err)
	}
	if first.SessionUID == "" {
		t.Fatalf("expected session_uid assigned")
	}
	again, err := store.OpenSession(ctx, model.TrackLocal, nil, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("reopen local session: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected same open session, got %d and %d", first.ID, again.ID)
	}

	cloud, err := store.OpenSession(ctx, model.TrackCloud, strptr("owner-1"), now)
	if err != nil {
		t.Fatalf("open cloud session: %v", err)
	}
	if cloud.ID == first.ID {
		t.Fatalf("tracks must not share open sessions")
	}
	if cloud.OwnerID == nil || *cloud.OwnerID != "owner-1" {
		t.Fatalf("expected owner recorded, got %v", cloud.OwnerID)
	}
}

func TestCloseSessionIdempotentAndScored(t *testing.T) {
	store, ctx := newTestStore(t)
	start := time.Now().UTC().Add(-500 * time.Second)

	session, err := store.OpenSession(ctx, model.TrackLocal, nil, start)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := store.ApplyAggregates(ctx, session.ID, 100, 8, 20); err != nil {
		t.Fatalf("apply aggregates: %v", err)
	}

	end := start.Add(500 * time.Second)
	closed, err := store.CloseSession(ctx, session.ID, end)
	if err != nil {
		t.Fatalf("close session: %v", err)
	}
	if closed.EndTime == nil || !closed.EndTime.Equal(end) {
		t.Fatalf("expected end_time %v, got %v", end, closed.EndTime)
	}
	if closed.DerivedScore == nil || *closed.DerivedScore != 80 {
		t.Fatalf("expected derived score 80 for avg 8, got %v", closed.DerivedScore)
	}

	again, err := store.CloseSession(ctx, session.ID, end.Add(time.Hour))
	if err != nil {
		t.Fatalf("re-close session: %v", err)
	}
	if !again.EndTime.Equal(end) {
		t.Fatalf("re-close must not move end_time: got %v", again.EndTime)
	}
}

func TestApplyAggregatesMonotonic(t *testing.T) {
	store, ctx := newTestStore(t)
	session, err := store.OpenSession(ctx, model.TrackLocal, nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	if err := store.ApplyAggregates(ctx, session.ID, 50, 15, 22); err != nil {
		t.Fatalf("first aggregates: %v", err)
	}
	// A stale snapshot must not roll counters back.
	if err := store.ApplyAggregates(ctx, session.ID, 30, 12, 18); err != nil {
		t.Fatalf("stale aggregates: %v", err)
	}

	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.TotalEvents != 50 {
		t.Fatalf("total_events rolled back: got %d", got.TotalEvents)
	}
	if got.MaxRate != 22 {
		t.Fatalf("max_rate rolled back: got %v", got.MaxRate)
	}
	if got.AvgRate != 12 {
		t.Fatalf("avg_rate should track latest snapshot: got %v", got.AvgRate)
	}

	if err := store.ApplyAggregates(ctx, 9999, 1, 1, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing session, got %v", err)
	}
}

func TestInsertSampleBatchAndStats(t *testing.T) {
	store, ctx := newTestStore(t)
	session, err := store.OpenSession(ctx, model.TrackLocal, nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	cpu := 12.5
	samples := []model.Sample{
		{SessionID: session.ID, Timestamp: base, SequenceValue: 1, Rate: 10},
		{SessionID: session.ID, Timestamp: base.Add(time.Second), SequenceValue: 2, Rate: 20, CPUUsage: &cpu},
		{SessionID: session.ID, Timestamp: base.Add(2 * time.Second), SequenceValue: 3, Rate: 30},
	}
	if err := store.InsertSampleBatch(ctx, samples); err != nil {
		t.Fatalf("insert batch: %v", err)
	}

	got, err := store.ListSessionSamples(ctx, session.ID)
	if err != nil {
		t.Fatalf("list samples: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if got[0].Rate != 10 || got[2].Rate != 30 {
		t.Fatalf("samples out of order: %v", got)
	}

	stats, err := store.SessionStats(ctx, session.ID)
	if err != nil {
		t.Fatalf("session stats: %v", err)
	}
	if stats.EventCount != 3 {
		t.Fatalf("expected 3 events, got %d", stats.EventCount)
	}
	if stats.AvgRate != 20 || stats.MaxRate != 30 {
		t.Fatalf("unexpected rate stats: avg %v max %v", stats.AvgRate, stats.MaxRate)
	}
	if stats.FirstTimestamp == nil || !stats.FirstTimestamp.Equal(base) {
		t.Fatalf("unexpected first timestamp: %v", stats.FirstTimestamp)
	}
	if stats.AvgCPU == nil || *stats.AvgCPU != 12.5 {
		t.Fatalf("unexpected avg cpu: %v", stats.AvgCPU)
	}
}

func TestMarkSessionSyncedAndBindRules(t *testing.T) {
	store, ctx := newTestStore(t)
	session, err := store.OpenSession(ctx, model.TrackCloud, strptr("owner-1"), time.Now().UTC())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := store.InsertSampleBatch(ctx, []model.Sample{
		{SessionID: session.ID, Timestamp: time.Now().UTC(), SequenceValue: 1, Rate: 15},
	}); err != nil {
		t.Fatalf("insert sample: %v", err)
	}

	pending, err := store.ListUnsyncedSessions(ctx, "owner-1")
	if err != nil {
		t.Fatalf("list unsynced: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 unsynced session, got %d", len(pending))
	}

	if err := store.MarkSessionSynced(ctx, session.ID, "srv-42"); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.SyncState != model.SyncSynced {
		t.Fatalf("expected synced, got %s", got.SyncState)
	}
	if got.RemoteID == nil || *got.RemoteID != "srv-42" {
		t.Fatalf("expected remote id bound, got %v", got.RemoteID)
	}

	samples, err := store.ListSessionSamples(ctx, session.ID)
	if err != nil {
		t.Fatalf("list samples: %v", err)
	}
	if samples[0].SyncState != model.SyncSynced {
		t.Fatalf("expected events synced, got %s", samples[0].SyncState)
	}

	// Rebinding the same id is a no-op; a different id is refused.
	if err := store.BindRemoteID(ctx, session.ID, "srv-42"); err != nil {
		t.Fatalf("rebind same id: %v", err)
	}
	if err := store.BindRemoteID(ctx, session.ID, "srv-99"); !errors.Is(err, ErrRemoteIDBound) {
		t.Fatalf("expected ErrRemoteIDBound, got %v", err)
	}

	pending, err = store.ListUnsyncedSessions(ctx, "owner-1")
	if err != nil {
		t.Fatalf("list unsynced after sync: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no unsynced sessions, got %d", len(pending))
	}
}

func TestApplyDownloadMergesAndAdvancesCursor(t *testing.T) {
	store, ctx := newTestStore(t)
	start := time.Now().UTC().Add(-time.Hour)

	local, err := store.OpenSession(ctx, model.TrackCloud, strptr("owner-1"), start)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := store.ApplyAggregates(ctx, local.ID, 40, 14, 21); err != nil {
		t.Fatalf("apply aggregates: %v", err)
	}

	end := start.Add(30 * time.Minute)
	score := 90
	watermark := time.Now().UTC()
	remote := []RemoteSession{
		{
			// Matches the local row by uid: counters max-merge, end fills.
			// Nested samples are ignored because the row already exists.
			Session: model.Session{
				SessionUID:   local.SessionUID,
				Track:        model.TrackCloud,
				StartTime:    start,
				EndTime:      &end,
				TotalEvents:  55,
				AvgRate:      13,
				MaxRate:      19,
				DerivedScore: &score,
				RemoteID:     strptr("srv-1"),
			},
			Samples: []model.Sample{
				{Timestamp: start.Add(time.Second), SequenceValue: 1, Rate: 13},
			},
		},
		{
			// Unknown uid: inserted as a remote-origin row with its samples.
			Session: model.Session{
				SessionUID:  "remote-only-uid",
				Track:       model.TrackCloud,
				StartTime:   start.Add(-2 * time.Hour),
				EndTime:     &end,
				TotalEvents: 10,
				AvgRate:     11,
				MaxRate:     16,
				RemoteID:    strptr("srv-2"),
			},
			Samples: []model.Sample{
				{Timestamp: start.Add(-2 * time.Hour).Add(time.Second), SequenceValue: 1, Rate: 11},
				{Timestamp: start.Add(-2 * time.Hour).Add(2 * time.Second), SequenceValue: 2, Rate: 16},
			},
		},
	}
	if err := store.ApplyDownload(ctx, "owner-1", remote, watermark); err != nil {
		t.Fatalf("apply download: %v", err)
	}

	merged, err := store.GetSession(ctx, local.ID)
	if err != nil {
		t.Fatalf("get merged session: %v", err)
	}
	if merged.TotalEvents != 55 {
		t.Fatalf("expected max-merged total 55, got %d", merged.TotalEvents)
	}
	if merged.AvgRate != 14 || merged.MaxRate != 21 {
		t.Fatalf("local maxima must survive merge: avg %v max %v", merged.AvgRate, merged.MaxRate)
	}
	if merged.EndTime == nil || !merged.EndTime.Equal(end) {
		t.Fatalf("expected end_time filled from remote, got %v", merged.EndTime)
	}
	if merged.RemoteID == nil || *merged.RemoteID != "srv-1" {
		t.Fatalf("expected remote id bound, got %v", merged.RemoteID)
	}

	inserted, err := store.GetSessionByUID(ctx, "remote-only-uid")
	if err != nil {
		t.Fatalf("get inserted remote session: %v", err)
	}
	if inserted.SyncState != model.SyncSynced {
		t.Fatalf("remote insert should arrive synced, got %s", inserted.SyncState)
	}
	insertedSamples, err := store.ListSessionSamples(ctx, inserted.ID)
	if err != nil {
		t.Fatalf("list inserted samples: %v", err)
	}
	if len(insertedSamples) != 2 {
		t.Fatalf("expected 2 backfilled samples, got %d", len(insertedSamples))
	}
	if insertedSamples[0].SyncState != model.SyncSynced {
		t.Fatalf("backfilled samples should arrive synced, got %s", insertedSamples[0].SyncState)
	}

	// The matched row keeps its own event history: nested samples for an
	// existing session never land.
	mergedSamples, err := store.ListSessionSamples(ctx, local.ID)
	if err != nil {
		t.Fatalf("list merged samples: %v", err)
	}
	if len(mergedSamples) != 0 {
		t.Fatalf("matched session must not gain samples, got %d", len(mergedSamples))
	}

	cursor, err := store.GetSyncCursor(ctx, "owner-1")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if !cursor.LastSyncedAt.Equal(watermark) {
		t.Fatalf("expected cursor at %v, got %v", watermark, cursor.LastSyncedAt)
	}

	// A remote-origin open row must not conflict with the device's own
	// open session on the same track.
	open := []RemoteSession{{Session: model.Session{
		SessionUID: "remote-open-uid",
		Track:      model.TrackCloud,
		StartTime:  start,
	}}}
	if err := store.ApplyDownload(ctx, "owner-1", open, watermark.Add(time.Minute)); err != nil {
		t.Fatalf("apply open remote session: %v", err)
	}
}

func TestApplyDownloadFailureLeavesCursor(t *testing.T) {
	store, ctx := newTestStore(t)
	start := time.Now().UTC().Add(-time.Hour)

	local, err := store.OpenSession(ctx, model.TrackCloud, strptr("owner-1"), start)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := store.BindRemoteID(ctx, local.ID, "srv-1"); err != nil {
		t.Fatalf("bind remote id: %v", err)
	}

	// A remote row claiming a different server id fails the whole apply.
	bad := []RemoteSession{{Session: model.Session{
		SessionUID: local.SessionUID,
		Track:      model.TrackCloud,
		StartTime:  start,
		RemoteID:   strptr("srv-other"),
	}}}
	if err := store.ApplyDownload(ctx, "owner-1", bad, time.Now().UTC()); !errors.Is(err, ErrRemoteIDBound) {
		t.Fatalf("expected ErrRemoteIDBound, got %v", err)
	}

	// The watermark must not move past rows that failed to land.
	if _, err := store.GetSyncCursor(ctx, "owner-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cursor advanced past a failed apply: %v", err)
	}
}

func TestSyncCursorMonotonic(t *testing.T) {
	store, ctx := newTestStore(t)
	if _, err := store.GetSyncCursor(ctx, "owner-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first sync, got %v", err)
	}

	later := time.Now().UTC()
	earlier := later.Add(-time.Hour)
	if err := store.AdvanceSyncCursor(ctx, "owner-1", later); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
	if err := store.AdvanceSyncCursor(ctx, "owner-1", earlier); err != nil {
		t.Fatalf("advance cursor backwards: %v", err)
	}

	cursor, err := store.GetSyncCursor(ctx, "owner-1")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if !cursor.LastSyncedAt.Equal(later) {
		t.Fatalf("cursor moved backwards: got %v", cursor.LastSyncedAt)
	}
}

func TestPurgeRetentionKeepsUnsyncedAndOpen(t *testing.T) {
	store, ctx := newTestStore(t)
	old := time.Now().UTC().Add(-40 * 24 * time.Hour)

	synced, err := store.OpenSession(ctx, model.TrackLocal, strptr("owner-1"), old)
	if err != nil {
		t.Fatalf("open old session: %v", err)
	}
	if _, err := store.CloseSession(ctx, synced.ID, old.Add(time.Hour)); err != nil {
		t.Fatalf("close old session: %v", err)
	}
	if err := store.MarkSessionSynced(ctx, synced.ID, "srv-old"); err != nil {
		t.Fatalf("mark old synced: %v", err)
	}

	unsynced, err := store.OpenSession(ctx, model.TrackCloud, strptr("owner-1"), old)
	if err != nil {
		t.Fatalf("open unsynced session: %v", err)
	}
	if _, err := store.CloseSession(ctx, unsynced.ID, old.Add(time.Hour)); err != nil {
		t.Fatalf("close unsynced session: %v", err)
	}

	// A conflicted session is terminal but still the only local copy of a
	// divergent history, so retention must not touch it either.
	conflicted, err := store.OpenSession(ctx, model.TrackLocal, strptr("owner-1"), old)
	if err != nil {
		t.Fatalf("open conflicted session: %v", err)
	}
	if _, err := store.CloseSession(ctx, conflicted.ID, old.Add(time.Hour)); err != nil {
		t.Fatalf("close conflicted session: %v", err)
	}
	if err := store.SetSessionSyncState(ctx, conflicted.ID, model.SyncConflict); err != nil {
		t.Fatalf("mark conflicted: %v", err)
	}

	deleted, err := store.PurgeRetention(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("purge retention: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 session purged, got %d", deleted)
	}
	if _, err := store.GetSession(ctx, synced.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected synced session purged, got %v", err)
	}
	if _, err := store.GetSession(ctx, unsynced.ID); err != nil {
		t.Fatalf("unsynced session must survive purge: %v", err)
	}
	if _, err := store.GetSession(ctx, conflicted.ID); err != nil {
		t.Fatalf("conflicted session must survive purge: %v", err)
	}
}

func TestAdoptOwner(t *testing.T) {
	store, ctx := newTestStore(t)
	session, err := store.OpenSession(ctx, model.TrackLocal, nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	adopted, err := store.AdoptOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("adopt owner: %v", err)
	}
	if adopted != 1 {
		t.Fatalf("expected 1 adopted session, got %d", adopted)
	}
	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.OwnerID == nil || *got.OwnerID != "owner-1" {
		t.Fatalf("expected owner adopted, got %v", got.OwnerID)
	}
}
