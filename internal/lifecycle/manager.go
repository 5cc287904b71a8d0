// Package lifecycle drives the two session tracks. The local track starts
// on its own when the daemon comes up; the cloud track starts only on an
// explicit request carrying an owner.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/blinkwell/blinkd/internal/db"
	"github.com/blinkwell/blinkd/internal/model"
	"github.com/blinkwell/blinkd/internal/recorder"
)

// ErrOwnerRequired is returned when the cloud track is started without an
// authenticated owner.
var ErrOwnerRequired = errors.New("cloud track requires an owner")

// Transition is the outcome of a lifecycle request. Applied is false when
// the request was a no-op for the current state.
type Transition struct {
	Track   model.Track
	From    model.TrackState
	To      model.TrackState
	Applied bool
	Session *model.Session
}

// Observer is notified after every applied transition.
type Observer func(t Transition)

type trackStatus struct {
	state   model.TrackState
	session *model.Session
	// closing marks a stop in flight: the track stops taking samples the
	// moment Stop commits to closing, before the drain releases the lock.
	closing bool
}

type Manager struct {
	store        *db.Store
	rec          *recorder.Recorder
	drainTimeout time.Duration

	mu        sync.Mutex
	tracks    map[model.Track]*trackStatus
	observers []Observer
}

func NewManager(store *db.Store, rec *recorder.Recorder, drainTimeout time.Duration) *Manager {
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	return &Manager{
		store:        store,
		rec:          rec,
		drainTimeout: drainTimeout,
		tracks: map[model.Track]*trackStatus{
			model.TrackLocal: {state: model.TrackInactive},
			model.TrackCloud: {state: model.TrackInactive},
		},
	}
}

func (m *Manager) RegisterObserver(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Start brings the manager up: the local track auto-starts, resuming the
// open session from a previous run if one survived.
func (m *Manager) Start(ctx context.Context) error {
	_, err := m.StartTrack(ctx, model.TrackLocal, nil)
	return err
}

// StartTrack activates a track. Starting an already active or paused track
// is a no-op. The cloud track refuses to start without an owner.
func (m *Manager) StartTrack(ctx context.Context, track model.Track, ownerID *string) (Transition, error) {
	if track == model.TrackCloud && (ownerID == nil || *ownerID == "") {
		return Transition{Track: track}, ErrOwnerRequired
	}

	m.mu.Lock()
	status := m.tracks[track]
	from := status.state
	if from == model.TrackActive || from == model.TrackPaused {
		m.mu.Unlock()
		return Transition{Track: track, From: from, To: from, Session: status.session}, nil
	}
	m.mu.Unlock()

	session, err := m.store.OpenSession(ctx, track, ownerID, time.Now().UTC())
	if err != nil {
		return Transition{Track: track, From: from}, fmt.Errorf("start %s track: %w", track, err)
	}

	m.mu.Lock()
	status.state = model.TrackActive
	status.session = &session
	m.mu.Unlock()

	t := Transition{Track: track, From: from, To: model.TrackActive, Applied: true, Session: &session}
	m.notify(t)
	m.syncRecorderGate()
	return t, nil
}

// Pause suspends ingest for the track. Pausing anything but an active
// track is a no-op.
func (m *Manager) Pause(track model.Track) Transition {
	return m.shift(track, model.TrackActive, model.TrackPaused)
}

// Resume reactivates a paused track.
func (m *Manager) Resume(track model.Track) Transition {
	return m.shift(track, model.TrackPaused, model.TrackActive)
}

func (m *Manager) shift(track model.Track, want, to model.TrackState) Transition {
	m.mu.Lock()
	status := m.tracks[track]
	from := status.state
	if from != want {
		m.mu.Unlock()
		return Transition{Track: track, From: from, To: from, Session: status.session}
	}
	status.state = to
	session := status.session
	m.mu.Unlock()

	t := Transition{Track: track, From: from, To: to, Applied: true, Session: session}
	m.notify(t)
	m.syncRecorderGate()
	return t
}

// Stop drains pending samples and closes the track's session. Stopping an
// inactive or ended track is a no-op.
func (m *Manager) Stop(ctx context.Context, track model.Track) (Transition, error) {
	m.mu.Lock()
	status := m.tracks[track]
	from := status.state
	if status.closing || (from != model.TrackActive && from != model.TrackPaused) {
		m.mu.Unlock()
		return Transition{Track: track, From: from, To: from}, nil
	}
	// Stop routing samples to this session before the drain: anything
	// recorded past this point belongs to the next session, not one with
	// an end_time about to land.
	status.closing = true
	session := status.session
	m.mu.Unlock()

	fail := func(err error) (Transition, error) {
		m.mu.Lock()
		status.closing = false
		m.mu.Unlock()
		return Transition{Track: track, From: from}, err
	}

	drainCtx, cancel := context.WithTimeout(ctx, m.drainTimeout)
	defer cancel()
	if err := m.rec.Drain(drainCtx); err != nil {
		return fail(fmt.Errorf("drain before close: %w", err))
	}

	// Write the final aggregate snapshot so the score derives from the
	// complete event stream, drained moments ago.
	if agg, ok := m.rec.Aggregates(session.ID); ok {
		if err := m.store.ApplyAggregates(ctx, session.ID, agg.TotalEvents, agg.AvgRate, agg.MaxRate); err != nil && !errors.Is(err, db.ErrNotFound) {
			return fail(fmt.Errorf("final aggregates: %w", err))
		}
	}
	closed, err := m.store.CloseSession(ctx, session.ID, time.Now().UTC())
	if err != nil {
		return fail(fmt.Errorf("close %s session: %w", track, err))
	}
	m.rec.ForgetSession(session.ID)

	m.mu.Lock()
	status.state = model.TrackEnded
	status.session = &closed
	status.closing = false
	m.mu.Unlock()

	t := Transition{Track: track, From: from, To: model.TrackEnded, Applied: true, Session: &closed}
	m.notify(t)
	m.syncRecorderGate()
	return t, nil
}

// Reset stops the track's current session and starts a fresh one.
func (m *Manager) Reset(ctx context.Context, track model.Track, ownerID *string) (Transition, error) {
	if _, err := m.Stop(ctx, track); err != nil {
		return Transition{Track: track}, err
	}
	return m.StartTrack(ctx, track, ownerID)
}

// Shutdown closes every open track session.
func (m *Manager) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, track := range []model.Track{model.TrackLocal, model.TrackCloud} {
		if _, err := m.Stop(ctx, track); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Record routes one sample to every active track session.
func (m *Manager) Record(rate float64, signalQuality *float64, at time.Time) {
	m.mu.Lock()
	targets := make([]int64, 0, 2)
	for _, status := range m.tracks {
		if status.state == model.TrackActive && !status.closing && status.session != nil {
			targets = append(targets, status.session.ID)
		}
	}
	m.mu.Unlock()

	for _, id := range targets {
		m.rec.Ingest(id, rate, signalQuality, at)
	}
}

// TrackState reports the current state and session of one track.
func (m *Manager) TrackState(track model.Track) (model.TrackState, *model.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := m.tracks[track]
	return status.state, status.session
}

func (m *Manager) notify(t Transition) {
	m.mu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()
	for _, fn := range observers {
		safeNotify(fn, t)
	}
}

// safeNotify isolates one observer: a panic inside it is logged and the
// remaining observers still run.
func safeNotify(fn Observer, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "blinkd: observer panic on %s %s->%s: %v\n", t.Track, t.From, t.To, r)
		}
	}()
	fn(t)
}

// syncRecorderGate closes the queue-level gate when no track is active so
// stray ingest calls shed at the source.
func (m *Manager) syncRecorderGate() {
	m.mu.Lock()
	active := false
	for _, status := range m.tracks {
		if status.state == model.TrackActive {
			active = true
			break
		}
	}
	m.mu.Unlock()
	m.rec.SetPaused(!active)
}
