package memory

import (
	"context"
	"sync"
	"time"

	domainerrors "pollsync/domain/errors"
	"pollsync/ports"

	"github.com/google/uuid"
)

// Store is an in-memory poll storage and recovery log. It also serves as
// Clock and IDGenerator, so tests and NewInMemoryModule can wire a whole
// manager from one value.
type Store struct {
	mu sync.RWMutex

	polls   map[int64][]byte
	intents []ports.RecoveryIntent
}

func NewStore() *Store {
	return &Store{
		polls: make(map[int64][]byte),
	}
}

// SeedPoll places a pre-encoded record into storage, bypassing the manager.
func (s *Store) SeedPoll(pollID int64, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls[pollID] = append([]byte(nil), value...)
}

// SeedIntent appends a recovery intent directly, as if a previous process
// crashed with it outstanding.
func (s *Store) SeedIntent(intent ports.RecoveryIntent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = append(s.intents, intent)
}

func (s *Store) SavePoll(_ context.Context, pollID int64, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls[pollID] = append([]byte(nil), value...)
	return nil
}

func (s *Store) LoadPoll(_ context.Context, pollID int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.polls[pollID]
	if !ok {
		return nil, domainerrors.ErrPollNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *Store) DeletePoll(_ context.Context, pollID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.polls, pollID)
	return nil
}

// HasPoll reports whether a record is stored. Test helper.
func (s *Store) HasPoll(pollID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.polls[pollID]
	return ok
}

func (s *Store) Append(_ context.Context, intent ports.RecoveryIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.intents {
		if existing.ID == intent.ID {
			return nil
		}
	}
	s.intents = append(s.intents, intent)
	return nil
}

func (s *Store) Remove(_ context.Context, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.intents {
		if existing.ID == intentID {
			s.intents = append(s.intents[:i], s.intents[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) Replay(_ context.Context) ([]ports.RecoveryIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ports.RecoveryIntent(nil), s.intents...), nil
}

// Intents returns the surviving log entries. Test helper.
func (s *Store) Intents() []ports.RecoveryIntent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ports.RecoveryIntent(nil), s.intents...)
}

func (s *Store) Now() time.Time {
	return time.Now().UTC()
}

func (s *Store) NewID(_ context.Context) (string, error) {
	return uuid.NewString(), nil
}
