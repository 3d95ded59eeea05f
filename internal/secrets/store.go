// Package secrets holds the per-user rotating request secret ("sus") and
// keeps it synchronized across client sessions through a broadcast channel.
package secrets

import "sync"

// Store is the in-process view of each user's rotating secret. Updates may
// arrive from server responses or from the broadcaster; the store is
// last-write-wins and makes no transactional guarantees.
type Store struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewStore() *Store {
	return &Store{secrets: make(map[string]string)}
}

// Get returns the current secret for the user, or "" when the secret is not
// yet known.
func (s *Store) Get(userID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secrets[userID]
}

// Set replaces the user's secret. An empty value clears it.
func (s *Store) Set(userID, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if secret == "" {
		delete(s.secrets, userID)
		return
	}
	s.secrets[userID] = secret
}
