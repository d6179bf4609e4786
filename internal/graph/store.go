// Package graph holds the persistent property-graph store the synchronization
// stages write into, and the contract they consume it through.
package graph

import (
	"context"
	"errors"

	"github.com/qualys/vmgraph/internal/models"
)

var (
	// ErrNotFound marks required state that is absent.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateEntity is returned when the same identity is committed twice in one run.
	ErrDuplicateEntity = errors.New("duplicate entity key")
	// ErrMissingEndpoint is returned when a relationship references an entity the store does not hold.
	ErrMissingEndpoint = errors.New("relationship endpoint not found")
)

// Store is the persistent keyed storage of entities and relationships.
// Every call is durable once it returns.
type Store interface {
	// PutEntity writes e, replacing any entity stored under the same key.
	PutEntity(ctx context.Context, e *models.Entity) (*models.Entity, error)

	// CreateEntityIfAbsent atomically writes e unless its key already exists.
	// It returns the stored entity and whether this call created it.
	CreateEntityIfAbsent(ctx context.Context, e *models.Entity) (*models.Entity, bool, error)

	// PutRelationship writes r keyed by r.Key. Both endpoints must exist.
	PutRelationship(ctx context.Context, r *models.Relationship) (*models.Relationship, error)

	// FindEntity returns the entity stored under key, or nil when there is none.
	FindEntity(ctx context.Context, key string) (*models.Entity, error)

	// IterateEntities calls fn for every entity of entityType. A non-nil error
	// from fn stops the iteration and is returned.
	IterateEntities(ctx context.Context, entityType string, fn func(*models.Entity) error) error

	// IterateRelationships calls fn for every relationship of relType.
	IterateRelationships(ctx context.Context, relType string, fn func(*models.Relationship) error) error
}

// Counter is implemented by stores that can summarize their contents.
type Counter interface {
	// Counts returns entity and relationship counts keyed by type.
	Counts(ctx context.Context) (entities, relationships map[string]int, err error)
}

var (
	_ Counter = (*MemoryStore)(nil)
	_ Counter = (*Neo4jStore)(nil)
)

func cloneProperties(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func cloneEntity(e *models.Entity) *models.Entity {
	c := *e
	c.Properties = cloneProperties(e.Properties)
	return &c
}

func cloneRelationship(r *models.Relationship) *models.Relationship {
	c := *r
	c.Properties = cloneProperties(r.Properties)
	return &c
}
