package dispatch

import (
	"sync"
	"time"
)

// SilenceStore tracks per-user notification suppression windows. Windows
// are ephemeral: a restart clears them.
type SilenceStore struct {
	mu    sync.Mutex
	until map[int64]time.Time
}

func NewSilenceStore() *SilenceStore {
	return &SilenceStore{until: make(map[int64]time.Time)}
}

// Set opens (or replaces) the user's silence window.
func (s *SilenceStore) Set(userID int64, until time.Time) {
	s.mu.Lock()
	s.until[userID] = until
	s.mu.Unlock()
}

// Clear removes the window only if it still ends at the given time, so a
// stale expiry timer never clears a newer window.
func (s *SilenceStore) Clear(userID int64, until time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.until[userID]; ok && cur.Equal(until) {
		delete(s.until, userID)
		return true
	}
	return false
}

// Silenced reports whether notifications to the user are suppressed at t.
// Expired windows are removed lazily.
func (s *SilenceStore) Silenced(userID int64, t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.until[userID]
	if !ok {
		return false
	}
	if !t.Before(until) {
		delete(s.until, userID)
		return false
	}
	return true
}

// Until returns the end of the user's active window.
func (s *SilenceStore) Until(userID int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.until[userID]
	if ok && !time.Now().Before(until) {
		delete(s.until, userID)
		return time.Time{}, false
	}
	return until, ok
}
