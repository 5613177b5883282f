package alerts

import (
	"context"
	"sync"
	"time"

	"scanguard/internal/model"
)

// Store keeps the most recent alerts in memory for the API.
type Store struct {
	mu    sync.RWMutex
	buf   []model.AlertEvent
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Name() string { return "memory" }

func (s *Store) Send(_ context.Context, alert model.AlertEvent) error {
	s.Add(alert)
	return nil
}

func (s *Store) Add(alert model.AlertEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, alert)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = alert
}

// List returns up to limit alerts, oldest first. limit <= 0 means all.
func (s *Store) List(limit int) []model.AlertEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.AlertEvent, limit)
	copy(out, s.buf[len(s.buf)-limit:])
	return out
}

func (s *Store) Since(ts time.Time) []model.AlertEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AlertEvent, 0)
	for _, a := range s.buf {
		if !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
