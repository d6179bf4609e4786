package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/qualys/vmgraph/internal/models"
)

// MemoryStore is an in-memory Store. Iteration follows insertion order.
type MemoryStore struct {
	mu            sync.RWMutex
	entities      map[string]*models.Entity
	entityOrder   []string
	relationships map[string]*models.Relationship
	relOrder      []string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:      make(map[string]*models.Entity),
		relationships: make(map[string]*models.Relationship),
	}
}

func (s *MemoryStore) PutEntity(ctx context.Context, e *models.Entity) (*models.Entity, error) {
	if e.Key == "" {
		return nil, fmt.Errorf("entity of type %s has no key", e.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[e.Key]; !ok {
		s.entityOrder = append(s.entityOrder, e.Key)
	}
	s.entities[e.Key] = cloneEntity(e)
	return cloneEntity(e), nil
}

func (s *MemoryStore) CreateEntityIfAbsent(ctx context.Context, e *models.Entity) (*models.Entity, bool, error) {
	if e.Key == "" {
		return nil, false, fmt.Errorf("entity of type %s has no key", e.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entities[e.Key]; ok {
		return cloneEntity(existing), false, nil
	}
	s.entityOrder = append(s.entityOrder, e.Key)
	s.entities[e.Key] = cloneEntity(e)
	return cloneEntity(e), true, nil
}

func (s *MemoryStore) PutRelationship(ctx context.Context, r *models.Relationship) (*models.Relationship, error) {
	if r.Key == "" {
		return nil, fmt.Errorf("relationship of type %s has no key", r.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[r.FromKey]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingEndpoint, r.FromKey)
	}
	if _, ok := s.entities[r.ToKey]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingEndpoint, r.ToKey)
	}

	if _, ok := s.relationships[r.Key]; !ok {
		s.relOrder = append(s.relOrder, r.Key)
	}
	s.relationships[r.Key] = cloneRelationship(r)
	return cloneRelationship(r), nil
}

func (s *MemoryStore) FindEntity(ctx context.Context, key string) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[key]
	if !ok {
		return nil, nil
	}
	return cloneEntity(e), nil
}

// IterateEntities snapshots the matching entities before calling fn, so fn
// may write to the store.
func (s *MemoryStore) IterateEntities(ctx context.Context, entityType string, fn func(*models.Entity) error) error {
	s.mu.RLock()
	matched := make([]*models.Entity, 0)
	for _, key := range s.entityOrder {
		if e := s.entities[key]; e.Type == entityType {
			matched = append(matched, cloneEntity(e))
		}
	}
	s.mu.RUnlock()

	for _, e := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) IterateRelationships(ctx context.Context, relType string, fn func(*models.Relationship) error) error {
	s.mu.RLock()
	matched := make([]*models.Relationship, 0)
	for _, key := range s.relOrder {
		if r := s.relationships[key]; r.Type == relType {
			matched = append(matched, cloneRelationship(r))
		}
	}
	s.mu.RUnlock()

	for _, r := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// DeleteEntity removes an entity, leaving relationships pointing at it in
// place. No stage calls it: syncs never delete. It exists for tests and
// maintenance tooling that need to model an entity vanishing between a
// relationship being indexed and its endpoints being looked up.
func (s *MemoryStore) DeleteEntity(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[key]; !ok {
		return
	}
	delete(s.entities, key)
	for i, k := range s.entityOrder {
		if k == key {
			s.entityOrder = append(s.entityOrder[:i], s.entityOrder[i+1:]...)
			break
		}
	}
}

func (s *MemoryStore) Counts(ctx context.Context) (entities, relationships map[string]int, err error) {
	entities, relationships = s.Stats()
	return entities, relationships, nil
}

// Stats returns entity and relationship counts per type.
func (s *MemoryStore) Stats() (entities, relationships map[string]int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entities = make(map[string]int)
	for _, e := range s.entities {
		entities[e.Type]++
	}
	relationships = make(map[string]int)
	for _, r := range s.relationships {
		relationships[r.Type]++
	}
	return entities, relationships
}
