package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps tasks in process memory. Suitable for tests and
// single-node development runs; production deployments use the
// Postgres store.
type InMemoryStore struct {
	mu          sync.RWMutex
	tasks       map[TaskID]*Task
	byHash      map[[32]byte]TaskID
	checkpoints map[string]uint64
}

// NewInMemoryStore creates an empty in-memory task store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks:       make(map[TaskID]*Task),
		byHash:      make(map[[32]byte]TaskID),
		checkpoints: make(map[string]uint64),
	}
}

func (s *InMemoryStore) Create(_ context.Context, t *Task) error {
	if t == nil {
		return fmt.Errorf("task is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task already exists: %s", t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	s.byHash[t.ID.ChainHash()] = t.ID
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id TaskID) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

func (s *InMemoryStore) GetByHash(_ context.Context, hash [32]byte) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("%w: hash %x", ErrNotFound, hash)
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

func (s *InMemoryStore) Update(_ context.Context, t *Task) error {
	if t == nil {
		return fmt.Errorf("task is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *InMemoryStore) GetByStatus(_ context.Context, status Status) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *InMemoryStore) GetExpired(_ context.Context, now time.Time) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if IsActive(t.Status) && t.IsExpired(now) {
			out = append(out, t.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *InMemoryStore) List(_ context.Context, offset, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		all = append(all, t.Clone())
	}
	sortNewestFirst(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *InMemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks), nil
}

func (s *InMemoryStore) SaveCheckpoint(_ context.Context, name string, value uint64) error {
	if name == "" {
		return fmt.Errorf("checkpoint name is empty")
	}
	s.mu.Lock()
	s.checkpoints[name] = value
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) LoadCheckpoint(_ context.Context, name string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.checkpoints[name]
	return value, ok, nil
}

func sortNewestFirst(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
