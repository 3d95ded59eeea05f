package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process store used by tests and local development.
// It mirrors PostgresStore's semantics, including the compare-and-swap on
// the document's edit time.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[string]User
	documents   map[string]DocumentRecord
	checkpoints map[string][]Checkpoint
	locks       map[string]Lock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]User),
		documents:   make(map[string]DocumentRecord),
		checkpoints: make(map[string][]Checkpoint),
		locks:       make(map[string]Lock),
	}
}

func (s *MemoryStore) GetUser(ctx context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) SetUserSecret(ctx context.Context, userID, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	user.RotatingSecret = secret
	s.users[userID] = user
	return nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, key string) (DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.documents[key]
	if !ok {
		return DocumentRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) CreateDocument(ctx context.Context, rec DocumentRecord, first Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.EditTime = first.Timestamp
	s.documents[rec.Key] = rec
	s.checkpoints[rec.Key] = []Checkpoint{first}
	return nil
}

func (s *MemoryStore) LatestCheckpoint(ctx context.Context, key string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.checkpoints[key]
	if len(rows) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	return rows[len(rows)-1], nil
}

func (s *MemoryStore) AppendCheckpoint(ctx context.Context, key string, expected int64, rec DocumentRecord, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.documents[key]
	if !ok {
		return ErrNotFound
	}
	if current.EditTime != expected {
		return ErrStaleToken
	}
	current.Stage = rec.Stage
	current.EditTime = cp.Timestamp
	current.EmptyCellCount = rec.EmptyCellCount
	current.MarkerCounter = rec.MarkerCounter
	current.AttachmentNumber = rec.AttachmentNumber
	current.ParticipantGroups = rec.ParticipantGroups
	s.documents[key] = current
	s.checkpoints[key] = append(s.checkpoints[key], cp)
	return nil
}

func (s *MemoryStore) GetLock(ctx context.Context, key string) (Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		return Lock{}, ErrNotFound
	}
	return lock, nil
}

func (s *MemoryStore) AcquireLock(ctx context.Context, key, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[key] = Lock{DocumentKey: key, SessionID: sessionID, AcquiredAt: at}
	return nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, key, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[key]; ok && lock.SessionID == sessionID {
		delete(s.locks, key)
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
