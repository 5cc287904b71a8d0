// Package daemon serves the local control API over a unix domain socket.
// A lock file next to the socket keeps a second daemon from starting.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/blinkwell/blinkd/internal/api"
	"github.com/blinkwell/blinkd/internal/config"
	"github.com/blinkwell/blinkd/internal/db"
	"github.com/blinkwell/blinkd/internal/lifecycle"
	"github.com/blinkwell/blinkd/internal/model"
	"github.com/blinkwell/blinkd/internal/recorder"
	"github.com/blinkwell/blinkd/internal/syncer"
)

type Server struct {
	cfg     *config.Client
	store   *db.Store
	rec     *recorder.Recorder
	manager *lifecycle.Manager
	sync    *syncer.Syncer // nil when sync is not configured

	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg *config.Client, store *db.Store, rec *recorder.Recorder, manager *lifecycle.Manager, sync *syncer.Syncer) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:     cfg,
		store:   store,
		rec:     rec,
		manager: manager,
		sync:    sync,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/samples", s.samplesHandler)
	mux.HandleFunc("/v1/perf", s.perfHandler)
	mux.HandleFunc("/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("/v1/sessions/start-cloud", s.startCloudHandler)
	mux.HandleFunc("/v1/sessions/pause", s.trackActionHandler(s.pause))
	mux.HandleFunc("/v1/sessions/resume", s.trackActionHandler(s.resume))
	mux.HandleFunc("/v1/sessions/stop", s.trackActionHandler(s.stop))
	mux.HandleFunc("/v1/sessions/reset", s.trackActionHandler(s.reset))
	mux.HandleFunc("/v1/sessions/", s.sessionStatsHandler)
	mux.HandleFunc("/v1/sync", s.syncHandler)
	mux.HandleFunc("/v1/sync/status", s.syncStatusHandler)
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) samplesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.SampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrSessionInvalid, "invalid request body")
		return
	}
	at := time.Now().UTC()
	if req.Timestamp != nil {
		parsed, err := time.Parse(time.RFC3339Nano, *req.Timestamp)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrSessionInvalid, "timestamp must be RFC3339")
			return
		}
		at = parsed.UTC()
	}
	s.manager.Record(req.Rate, req.SignalQuality, at)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) perfHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.PerfRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrSessionInvalid, "invalid request body")
		return
	}
	s.rec.IngestPerformance(req.CPUUsage, req.MemoryUsage)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	stats := s.rec.Stats()
	tracks := make([]api.TrackResponse, 0, 2)
	for _, track := range []model.Track{model.TrackLocal, model.TrackCloud} {
		state, session := s.manager.TrackState(track)
		resp := api.TrackResponse{
			Track:        string(track),
			State:        string(state),
			DroppedCount: stats.Dropped,
		}
		if session != nil {
			detail := s.sessionDetail(*session)
			resp.Session = &detail
		}
		tracks = append(tracks, resp)
	}
	s.writeJSON(w, http.StatusOK, api.SessionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Tracks:        tracks,
	})
}

// sessionDetail folds the live in-memory aggregate over the stored row so
// reads reflect samples that have not flushed yet.
func (s *Server) sessionDetail(session model.Session) api.SessionDetail {
	if agg, ok := s.rec.Aggregates(session.ID); ok {
		if agg.TotalEvents > session.TotalEvents {
			session.TotalEvents = agg.TotalEvents
		}
		session.AvgRate = agg.AvgRate
		if agg.MaxRate > session.MaxRate {
			session.MaxRate = agg.MaxRate
		}
	}
	detail := api.SessionDetail{
		ID:          session.ID,
		SessionUID:  session.SessionUID,
		Track:       string(session.Track),
		OwnerID:     session.OwnerID,
		StartTime:   session.StartTime.Format(time.RFC3339Nano),
		TotalEvents: session.TotalEvents,
		AvgRate:     session.AvgRate,
		MaxRate:     session.MaxRate,
		SyncState:   string(session.SyncState),
		RemoteID:    session.RemoteID,
	}
	if session.EndTime != nil {
		end := session.EndTime.Format(time.RFC3339Nano)
		detail.EndTime = &end
	}
	if session.DerivedScore != nil {
		score := *session.DerivedScore
		detail.DerivedScore = &score
	}
	return detail
}

func (s *Server) startCloudHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrSessionInvalid, "invalid request body")
		return
	}
	owner := strings.TrimSpace(req.OwnerID)
	tr, err := s.manager.StartTrack(r.Context(), model.TrackCloud, &owner)
	if err != nil {
		if errors.Is(err, lifecycle.ErrOwnerRequired) {
			s.writeError(w, http.StatusBadRequest, model.ErrOwnerMismatch, "owner_id is required")
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrSessionInvalid, "failed to start cloud session")
		return
	}
	s.writeTransition(w, tr)
}

func (s *Server) trackActionHandler(action func(ctx context.Context, track model.Track) (lifecycle.Transition, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		track, ok := parseTrack(r.URL.Query().Get("track"))
		if !ok {
			s.writeError(w, http.StatusBadRequest, model.ErrSessionInvalid, "track must be local or cloud")
			return
		}
		tr, err := action(r.Context(), track)
		if err != nil {
			if errors.Is(err, lifecycle.ErrOwnerRequired) {
				s.writeError(w, http.StatusBadRequest, model.ErrOwnerMismatch, "owner_id is required")
				return
			}
			s.writeError(w, http.StatusInternalServerError, model.ErrSessionInvalid, err.Error())
			return
		}
		s.writeTransition(w, tr)
	}
}

func (s *Server) pause(_ context.Context, track model.Track) (lifecycle.Transition, error) {
	return s.manager.Pause(track), nil
}

func (s *Server) resume(_ context.Context, track model.Track) (lifecycle.Transition, error) {
	return s.manager.Resume(track), nil
}

func (s *Server) stop(ctx context.Context, track model.Track) (lifecycle.Transition, error) {
	return s.manager.Stop(ctx, track)
}

func (s *Server) reset(ctx context.Context, track model.Track) (lifecycle.Transition, error) {
	_, session := s.manager.TrackState(track)
	var owner *string
	if session != nil {
		owner = session.OwnerID
	}
	return s.manager.Reset(ctx, track, owner)
}

func (s *Server) writeTransition(w http.ResponseWriter, tr lifecycle.Transition) {
	resp := struct {
		SchemaVersion string             `json:"schema_version"`
		GeneratedAt   time.Time          `json:"generated_at"`
		Track         string             `json:"track"`
		From          string             `json:"from"`
		To            string             `json:"to"`
		Applied       bool               `json:"applied"`
		Session       *api.SessionDetail `json:"session,omitempty"`
	}{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Track:         string(tr.Track),
		From:          string(tr.From),
		To:            string(tr.To),
		Applied:       tr.Applied,
	}
	if tr.Session != nil {
		detail := s.sessionDetail(*tr.Session)
		resp.Session = &detail
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sessionStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	rest = strings.TrimSuffix(rest, "/stats")
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusNotFound, model.ErrSessionInvalid, "session route not found")
		return
	}

	stats, err := s.store.SessionStats(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrSessionInvalid, "session not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrSessionInvalid, "failed to load stats")
		return
	}

	resp := api.StatsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Session:       s.sessionDetail(stats.Session),
		EventCount:    stats.EventCount,
		AvgRate:       stats.AvgRate,
		MaxRate:       stats.MaxRate,
		AvgCPU:        stats.AvgCPU,
		AvgMemory:     stats.AvgMemory,
	}
	if stats.FirstTimestamp != nil {
		first := stats.FirstTimestamp.Format(time.RFC3339Nano)
		resp.FirstSampleAt = &first
	}
	if stats.LastTimestamp != nil {
		last := stats.LastTimestamp.Format(time.RFC3339Nano)
		resp.LastSampleAt = &last
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.sync == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrSyncUnavailable, "sync is not configured")
		return
	}
	outcome, err := s.sync.Run(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, model.ErrSyncUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.SyncRunResponse{
		SchemaVersion:   api.SchemaVersion,
		GeneratedAt:     time.Now().UTC(),
		Status:          outcome.Status,
		Uploaded:        outcome.Uploaded,
		Downloaded:      outcome.Downloaded,
		SessionsCreated: outcome.SessionsCreated,
		SessionsUpdated: outcome.SessionsUpdated,
		EventsAppended:  outcome.EventsAppended,
		Conflicts:       outcome.Conflicts,
		Failed:          outcome.Failed,
	})
}

func (s *Server) syncStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.sync == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrSyncUnavailable, "sync is not configured")
		return
	}
	pending, err := s.sync.PendingCount(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrSyncUnavailable, "failed to count pending sessions")
		return
	}
	lastSynced, err := s.sync.LastSyncedAt(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrSyncUnavailable, "failed to read sync cursor")
		return
	}
	s.writeJSON(w, http.StatusOK, api.DaemonSyncStatusResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Running:       s.sync.Running(),
		PendingCount:  pending,
		LastSyncedAt:  lastSynced,
	})
}

func parseTrack(raw string) (model.Track, bool) {
	switch strings.TrimSpace(raw) {
	case "local", "":
		return model.TrackLocal, true
	case "cloud":
		return model.TrackCloud, true
	default:
		return "", false
	}
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

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
