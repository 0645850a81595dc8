package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process transcript log for local/dev use.
type InMemoryStore struct {
	mu    sync.RWMutex
	turns []Turn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.turns = append(s.turns, turn)
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(s.turns) {
		limit = len(s.turns)
	}
	out := make([]Turn, 0, limit)
	for i := len(s.turns) - limit; i < len(s.turns); i++ {
		out = append(out, s.turns[i])
	}
	return out, nil
}

func (s *InMemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns), nil
}

func (s *InMemoryStore) Close() error { return nil }
