package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"plantmeds/internal/diagnosis"
	"plantmeds/internal/logger"
)

// ViewFactory builds the diagnosis view for a new session
type ViewFactory func(id string) *diagnosis.View

type entry struct {
	view     *diagnosis.View
	lastSeen time.Time
}

// Store owns one diagnosis view per browser session. Views idle for longer
// than the TTL are closed, which releases their previews.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	newView ViewFactory
	now     func() time.Time
}

// NewStore creates an empty store
func NewStore(ttl time.Duration, newView ViewFactory) *Store {
	return &Store{
		entries: make(map[string]*entry),
		ttl:     ttl,
		newView: newView,
		now:     time.Now,
	}
}

// Acquire returns the view for id, creating a new session when id is unknown
// or expired. The returned id is the one the caller should keep using.
func (s *Store) Acquire(id string) (view *diagnosis.View, sessionID string, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[id]; ok {
		if now.Sub(e.lastSeen) <= s.ttl {
			e.lastSeen = now
			return e.view, id, false
		}
		delete(s.entries, id)
		e.view.Close()
	}

	sessionID = uuid.NewString()
	view = s.newView(sessionID)
	s.entries[sessionID] = &entry{view: view, lastSeen: now}
	return view, sessionID, true
}


// Len returns the number of tracked sessions
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep closes and forgets every expired session, returning how many were removed
func (s *Store) Sweep() int {
	s.mu.Lock()
	now := s.now()
	var expired []*diagnosis.View
	for id, e := range s.entries {
		if now.Sub(e.lastSeen) > s.ttl {
			expired = append(expired, e.view)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	for _, v := range expired {
		v.Close()
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				logger.WithField("expired_sessions", n).Debug("Swept idle sessions")
			}
		}
	}
}

// Close tears down every session
func (s *Store) Close() {
	s.mu.Lock()
	views := make([]*diagnosis.View, 0, len(s.entries))
	for id, e := range s.entries {
		views = append(views, e.view)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
}
