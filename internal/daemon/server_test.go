package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blinkwell/blinkd/internal/api"
	"github.com/blinkwell/blinkd/internal/config"
	"github.com/blinkwell/blinkd/internal/db"
	"github.com/blinkwell/blinkd/internal/lifecycle"
	"github.com/blinkwell/blinkd/internal/model"
	"github.com/blinkwell/blinkd/internal/recorder"
	"github.com/blinkwell/blinkd/internal/testutil"
)

func newTestDaemon(t *testing.T) (*Server, *lifecycle.Manager, *db.Store, context.Context) {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	rec := recorder.New(store, 50, 1024, 20*time.Millisecond)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		rec.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	manager := lifecycle.NewManager(store, rec, time.Second)
	cfg := &config.Client{SocketPath: t.TempDir() + "/blinkd.sock"}
	srv := NewServer(cfg, store, rec, manager, nil)
	return srv, manager, store, ctx
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _, _ := newTestDaemon(t)
	var resp api.HealthResponse
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/health", nil, &resp)
	if rec.Code != http.StatusOK || resp.Status != "ok" {
		t.Fatalf("unexpected health response: %d %+v", rec.Code, resp)
	}
}

func TestSamplesFlowIntoActiveSession(t *testing.T) {
	srv, manager, store, ctx := newTestDaemon(t)
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	_, session := manager.TrackState(model.TrackLocal)

	for i := 0; i < 3; i++ {
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/samples", api.SampleRequest{Rate: 15 + float64(i)}, nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("sample %d: expected 202, got %d", i, rec.Code)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		samples, err := store.ListSessionSamples(ctx, session.ID)
		if err != nil {
			t.Fatalf("list samples: %v", err)
		}
		if len(samples) == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("samples never flushed, have %d", len(samples))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionsEndpointShowsLiveAggregates(t *testing.T) {
	srv, manager, _, ctx := newTestDaemon(t)
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	manager.Record(10, nil, time.Now().UTC())
	manager.Record(20, nil, time.Now().UTC())

	var resp api.SessionsEnvelope
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/sessions", nil, &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(resp.Tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(resp.Tracks))
	}
	var local *api.TrackResponse
	for i := range resp.Tracks {
		if resp.Tracks[i].Track == "local" {
			local = &resp.Tracks[i]
		}
	}
	if local == nil || local.State != "active" || local.Session == nil {
		t.Fatalf("unexpected local track: %+v", local)
	}
	// Live aggregates are visible before any flush hits the store.
	if local.Session.TotalEvents != 2 || local.Session.AvgRate != 15 {
		t.Fatalf("expected live aggregates, got %+v", local.Session)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	srv, manager, _, ctx := newTestDaemon(t)
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start manager: %v", err)
	}

	var pause struct {
		Applied bool   `json:"applied"`
		To      string `json:"to"`
	}
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions/pause?track=local", nil, &pause)
	if rec.Code != http.StatusOK || !pause.Applied || pause.To != "paused" {
		t.Fatalf("unexpected pause response: %d %+v", rec.Code, pause)
	}

	var resume struct {
		Applied bool   `json:"applied"`
		To      string `json:"to"`
	}
	doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions/resume?track=local", nil, &resume)
	if !resume.Applied || resume.To != "active" {
		t.Fatalf("unexpected resume response: %+v", resume)
	}

	var stop struct {
		Applied bool   `json:"applied"`
		To      string `json:"to"`
		Session *api.SessionDetail
	}
	doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions/stop?track=local", nil, &stop)
	if !stop.Applied || stop.To != "ended" {
		t.Fatalf("unexpected stop response: %+v", stop)
	}

	// Stopping again is a visible no-op.
	var again struct {
		Applied bool `json:"applied"`
	}
	doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions/stop?track=local", nil, &again)
	if again.Applied {
		t.Fatalf("second stop must be a no-op")
	}

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions/pause?track=sideways", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad track, got %d", rec.Code)
	}
}

func TestStartCloudRequiresOwner(t *testing.T) {
	srv, _, _, _ := newTestDaemon(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions/start-cloud", map[string]string{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without owner, got %d", rec.Code)
	}

	var resp struct {
		Applied bool               `json:"applied"`
		Session *api.SessionDetail `json:"session"`
	}
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions/start-cloud", map[string]string{"owner_id": "owner-1"}, &resp)
	if rec.Code != http.StatusOK || !resp.Applied {
		t.Fatalf("unexpected start-cloud response: %d %+v", rec.Code, resp)
	}
	if resp.Session == nil || resp.Session.OwnerID == nil || *resp.Session.OwnerID != "owner-1" {
		t.Fatalf("expected owned cloud session: %+v", resp.Session)
	}
}

func TestResetCloudWithoutOwnerIsBadRequest(t *testing.T) {
	srv, _, _, _ := newTestDaemon(t)

	// The cloud track never started, so there is no owner to carry over
	// and the restart half of the reset must refuse like start-cloud does.
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions/reset?track=cloud", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without owner, got %d: %s", rec.Code, rec.Body.String())
	}
	var errResp api.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errResp.Error.Code != model.ErrOwnerMismatch {
		t.Fatalf("expected %s, got %s", model.ErrOwnerMismatch, errResp.Error.Code)
	}
}

func TestSessionStatsEndpoint(t *testing.T) {
	srv, manager, store, ctx := newTestDaemon(t)
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	_, session := manager.TrackState(model.TrackLocal)
	testutil.SeedSamples(t, store, ctx, session.ID, 5, time.Now().UTC().Add(-time.Minute))

	var resp api.StatsEnvelope
	rec := doJSON(t, srv.Handler(), http.MethodGet, fmt.Sprintf("/v1/sessions/%d/stats", session.ID), nil, &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp.EventCount != 5 {
		t.Fatalf("expected 5 events, got %d", resp.EventCount)
	}
	if resp.FirstSampleAt == nil || resp.LastSampleAt == nil {
		t.Fatalf("expected sample bounds: %+v", resp)
	}

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/sessions/9999/stats", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing session, got %d", rec.Code)
	}
}

func TestSyncEndpointsUnavailableWithoutConfig(t *testing.T) {
	srv, _, _, _ := newTestDaemon(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/sync", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var errResp api.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errResp.Error.Code != model.ErrSyncUnavailable {
		t.Fatalf("expected %s, got %s", model.ErrSyncUnavailable, errResp.Error.Code)
	}

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/sync/status", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for status, got %d", rec.Code)
	}
}
