// Package testutil provides shared helpers for package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/blinkwell/blinkd/internal/db"
	"github.com/blinkwell/blinkd/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "blinkd-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedSession opens a session on the track and attributes it to the owner.
func SeedSession(t *testing.T, store *db.Store, ctx context.Context, track model.Track, ownerID string) model.Session {
	t.Helper()
	var owner *string
	if ownerID != "" {
		owner = &ownerID
	}
	session, err := store.OpenSession(ctx, track, owner, time.Now().UTC())
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return session
}

// SeedSamples inserts n evenly spaced samples for the session starting at base.
func SeedSamples(t *testing.T, store *db.Store, ctx context.Context, sessionID int64, n int, base time.Time) []model.Sample {
	t.Helper()
	samples := make([]model.Sample, 0, n)
	for i := 0; i < n; i++ {
		samples = append(samples, model.Sample{
			SessionID:     sessionID,
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			SequenceValue: int64(i + 1),
			Rate:          15 + float64(i%5),
		})
	}
	if err := store.InsertSampleBatch(ctx, samples); err != nil {
		t.Fatalf("seed samples: %v", err)
	}
	return samples
}
