package server

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store. It backs tests and local single-process
// deployments where Postgres is overkill.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	events   []Event
	uploads  map[string]time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]Session),
		uploads:  make(map[string]time.Time),
	}
}

func (m *MemStore) FindByUID(_ context.Context, ownerID, sessionUID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.SessionUID == sessionUID {
			if s.OwnerID != ownerID {
				return Session{}, ErrOwnerMismatch
			}
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (m *MemStore) FindByStartTime(_ context.Context, ownerID, track string, startTime time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.OwnerID == ownerID && s.Track == track && s.StartTime.Equal(startTime) {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (m *MemStore) Insert(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	m.uploads[s.OwnerID] = s.UpdatedAt
	return s, nil
}

func (m *MemStore) Update(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ID] = s
	m.uploads[s.OwnerID] = s.UpdatedAt
	return nil
}

func (m *MemStore) ListChangedSince(_ context.Context, ownerID string, since *time.Time) ([]Session, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	var watermark time.Time
	for _, s := range m.sessions {
		if s.OwnerID != ownerID {
			continue
		}
		if since != nil && s.UpdatedAt.Before(*since) {
			continue
		}
		out = append(out, s)
		if s.UpdatedAt.After(watermark) {
			watermark = s.UpdatedAt
		}
	}
	return out, watermark, nil
}

func (m *MemStore) InsertEvents(_ context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *MemStore) ListEventsBySession(_ context.Context, sessionID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemStore) OwnerSummary(_ context.Context, ownerID string) (int64, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, s := range m.sessions {
		if s.OwnerID == ownerID {
			count++
		}
	}
	if last, ok := m.uploads[ownerID]; ok {
		return count, &last, nil
	}
	return count, nil, nil
}

// Sessions returns a copy of every stored session, for tests.
func (m *MemStore) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Events returns a copy of every stored event, for tests.
func (m *MemStore) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// SessionByID returns one session by remote id, for tests.
func (m *MemStore) SessionByID(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}
