package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/blinkwell/blinkd/internal/api"
	"github.com/blinkwell/blinkd/internal/model"
)

type Server struct {
	store    Store
	verifier *Verifier
	httpSrv  *http.Server
	addr     string
}

func New(addr string, store Store, verifier *Verifier, requestTimeout time.Duration) *Server {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	mux := http.NewServeMux()
	s := &Server{
		store:    store,
		verifier: verifier,
		addr:     addr,
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/sync/upload", s.authenticated(s.uploadHandler))
	mux.HandleFunc("/v1/sync/download", s.authenticated(s.downloadHandler))
	mux.HandleFunc("/v1/sync/status", s.authenticated(s.statusHandler))
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           http.TimeoutHandler(mux, requestTimeout, "request timed out"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve %s: %w", s.addr, err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, ownerID string)

func (s *Server) authenticated(next ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeError(w, http.StatusUnauthorized, model.ErrTokenInvalid, "missing bearer token")
			return
		}
		ownerID, err := s.verifier.Verify(token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, model.ErrTokenInvalid, "invalid bearer token")
			return
		}
		next(w, r, ownerID)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) uploadHandler(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrSessionInvalid, "invalid request body")
		return
	}
	if req.Session.SessionUID == "" || req.Session.Track == "" || req.Session.StartTime.IsZero() {
		s.writeError(w, http.StatusBadRequest, model.ErrSessionInvalid, "session_uid, track, start_time are required")
		return
	}

	resp, err := s.acceptUpload(r.Context(), ownerID, req)
	if err != nil {
		if errors.Is(err, ErrOwnerMismatch) {
			s.writeError(w, http.StatusForbidden, model.ErrOwnerMismatch, "session belongs to a different owner")
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrSyncUnavailable, "upload failed")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// acceptUpload merges one uploaded session into the authoritative store.
// Matching is by session_uid first, then by (track, start_time) for
// uploads minted before uid assignment.
func (s *Server) acceptUpload(ctx context.Context, ownerID string, req api.UploadRequest) (api.UploadResponse, error) {
	now := time.Now().UTC()
	uploaded, err := sessionFromRecord(ownerID, req.Session, now)
	if err != nil {
		return api.UploadResponse{}, err
	}

	stored, err := s.store.FindByUID(ctx, ownerID, uploaded.SessionUID)
	if errors.Is(err, ErrNotFound) {
		stored, err = s.store.FindByStartTime(ctx, ownerID, uploaded.Track, uploaded.StartTime)
	}
	switch {
	case errors.Is(err, ErrNotFound):
		uploaded.ID = uuid.NewString()
		inserted, err := s.store.Insert(ctx, uploaded)
		if err != nil {
			return api.UploadResponse{}, fmt.Errorf("insert session: %w", err)
		}
		if err := s.insertEvents(ctx, inserted.ID, req.Events); err != nil {
			return api.UploadResponse{}, err
		}
		return api.UploadResponse{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   now,
			RemoteID:      inserted.ID,
		}, nil
	case err != nil:
		return api.UploadResponse{}, err
	}

	result := merge(stored, uploaded, now)
	if result.conflict {
		// The pair stays un-merged; only the report leaves the server.
		return api.UploadResponse{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   now,
			RemoteID:      stored.ID,
			Conflict:      true,
		}, nil
	}
	if result.changed {
		if err := s.store.Update(ctx, result.session); err != nil {
			return api.UploadResponse{}, fmt.Errorf("update session: %w", err)
		}
	}
	if err := s.insertEvents(ctx, stored.ID, req.Events); err != nil {
		return api.UploadResponse{}, err
	}
	return api.UploadResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   now,
		RemoteID:      stored.ID,
		Merged:        true,
		Conflict:      false,
	}, nil
}

func (s *Server) insertEvents(ctx context.Context, sessionID string, records []api.EventRecord) error {
	if len(records) == 0 {
		return nil
	}
	events := make([]Event, 0, len(records))
	for _, rec := range records {
		events = append(events, Event{
			SessionID:     sessionID,
			Timestamp:     rec.Timestamp,
			SequenceValue: rec.SequenceValue,
			Rate:          rec.Rate,
			SignalQuality: rec.SignalQuality,
			CPUUsage:      rec.CPUUsage,
			MemoryUsage:   rec.MemoryUsage,
		})
	}
	if err := s.store.InsertEvents(ctx, events); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

func (s *Server) downloadHandler(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrSessionInvalid, "since must be RFC3339")
			return
		}
		since = &parsed
	}

	sessions, watermark, err := s.store.ListChangedSince(r.Context(), ownerID, since)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrSyncUnavailable, "download failed")
		return
	}
	records := make([]api.SessionRecord, 0, len(sessions))
	for _, session := range sessions {
		rec := recordFromSession(session)
		events, err := s.store.ListEventsBySession(r.Context(), session.ID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrSyncUnavailable, "download failed")
			return
		}
		for _, ev := range events {
			rec.Events = append(rec.Events, api.EventRecord{
				Timestamp:     ev.Timestamp,
				SequenceValue: ev.SequenceValue,
				Rate:          ev.Rate,
				SignalQuality: ev.SignalQuality,
				CPUUsage:      ev.CPUUsage,
				MemoryUsage:   ev.MemoryUsage,
			})
		}
		records = append(records, rec)
	}
	if watermark.IsZero() {
		watermark = time.Now().UTC()
	}
	s.writeJSON(w, http.StatusOK, api.DownloadResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Sessions:      records,
		Watermark:     watermark,
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	count, lastUpload, err := s.store.OwnerSummary(r.Context(), ownerID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrSyncUnavailable, "status failed")
		return
	}
	s.writeJSON(w, http.StatusOK, api.SyncStatusResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		OwnerID:       ownerID,
		SessionCount:  count,
		LastUploadAt:  lastUpload,
	})
}

func sessionFromRecord(ownerID string, rec api.SessionRecord, now time.Time) (Session, error) {
	session := Session{
		OwnerID:     ownerID,
		SessionUID:  rec.SessionUID,
		Track:       rec.Track,
		StartTime:   rec.StartTime.UTC(),
		TotalEvents: rec.TotalEvents,
		AvgRate:     rec.AvgRate,
		MaxRate:     rec.MaxRate,
		UpdatedAt:   now,
	}
	if rec.EndTime != nil {
		end, err := time.Parse(time.RFC3339Nano, *rec.EndTime)
		if err != nil {
			return Session{}, fmt.Errorf("parse end_time: %w", err)
		}
		end = end.UTC()
		session.EndTime = &end
	}
	if rec.DerivedScore != nil {
		score := *rec.DerivedScore
		session.DerivedScore = &score
	}
	return session, nil
}

func recordFromSession(session Session) api.SessionRecord {
	rec := api.SessionRecord{
		SessionUID:  session.SessionUID,
		Track:       session.Track,
		StartTime:   session.StartTime,
		TotalEvents: session.TotalEvents,
		AvgRate:     session.AvgRate,
		MaxRate:     session.MaxRate,
		RemoteID:    session.ID,
	}
	if session.EndTime != nil {
		end := session.EndTime.UTC().Format(time.RFC3339Nano)
		rec.EndTime = &end
	}
	if session.DerivedScore != nil {
		score := *session.DerivedScore
		rec.DerivedScore = &score
	}
	return rec
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error:         api.APIError{Code: code, Message: msg},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrSessionInvalid, "method not allowed")
}
