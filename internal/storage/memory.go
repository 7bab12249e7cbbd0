package storage

import (
	"context"
	"maps"
	"sort"
	"sync"

	"alarmd/internal/entity"
)

type memStore struct {
	mu       sync.Mutex
	closed   bool
	entities map[int64]entity.Entity
	work     map[string]WorkItem
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memStore{entities: map[int64]entity.Entity{}, work: map[string]WorkItem{}}
}

func (s *memStore) GetEntity(_ context.Context, id int64) (entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return entity.Entity{}, ErrClosed
	}
	e, ok := s.entities[id]
	if !ok {
		return entity.Entity{}, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *memStore) SaveEntity(_ context.Context, e entity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entities[e.ID] = e.Clone()
	return nil
}

func (s *memStore) DeleteEntity(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.entities, id)
	return nil
}

func (s *memStore) ListEntities(_ context.Context) ([]entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return sortedEntities(s.entities), nil
}

func (s *memStore) PutWork(_ context.Context, w WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	w.Input = maps.Clone(w.Input)
	s.work[w.ID] = w
	return nil
}

func (s *memStore) DeleteWork(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.work, id)
	return nil
}

func (s *memStore) ListWork(_ context.Context) ([]WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return sortedWork(s.work), nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func sortedEntities(m map[int64]entity.Entity) []entity.Entity {
	out := make([]entity.Entity, 0, len(m))
	for _, e := range m {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedWork(m map[string]WorkItem) []WorkItem {
	out := make([]WorkItem, 0, len(m))
	for _, w := range m {
		w.Input = maps.Clone(w.Input)
		out = append(out, w)
	}
	sortWork(out)
	return out
}

func sortWork(ws []WorkItem) {
	sort.Slice(ws, func(i, j int) bool {
		if !ws[i].CreatedAt.Equal(ws[j].CreatedAt) {
			return ws[i].CreatedAt.Before(ws[j].CreatedAt)
		}
		return ws[i].ID < ws[j].ID
	})
}
