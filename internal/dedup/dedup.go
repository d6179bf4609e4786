// Package dedup resolves entities shared between many parents, such as a
// vulnerability reported on several assets, to exactly one stored node.
package dedup

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/qualys/vmgraph/internal/keys"
	"github.com/qualys/vmgraph/internal/models"
)

// Store is the part of the graph store the resolver needs.
type Store interface {
	FindEntity(ctx context.Context, key string) (*models.Entity, error)
	CreateEntityIfAbsent(ctx context.Context, e *models.Entity) (*models.Entity, bool, error)
}

// BuildFunc constructs the entity for key. It is called at most once per
// key for which no entity exists yet.
type BuildFunc func(key string) (*models.Entity, error)

// Resolver returns the stored entity for an identity, creating it on first
// use. Concurrent callers for the same key share one lookup and one create;
// the store's create-if-absent keeps other processes from racing the first writer.
type Resolver struct {
	store Store
	group singleflight.Group

	calls   atomic.Int64
	created atomic.Int64
}

func New(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the entity keyed by MakeKey(kind, id). An existing entity is
// returned unchanged; build is only consulted when none exists. created is
// true only for the one caller whose write actually stored the entity.
func (r *Resolver) Resolve(ctx context.Context, kind keys.Kind, id string, build BuildFunc) (*models.Entity, bool, error) {
	key := keys.MakeKey(kind, id)
	r.calls.Add(1)

	// Only the singleflight leader runs the closure, so followers report false.
	created := false
	v, err, _ := r.group.Do(key, func() (any, error) {
		existing, err := r.store.FindEntity(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("looking up %s: %w", key, err)
		}
		if existing != nil {
			return existing, nil
		}

		e, err := build(key)
		if err != nil {
			return nil, fmt.Errorf("building %s: %w", key, err)
		}
		if e == nil || e.Key != key {
			return nil, fmt.Errorf("building %s: builder returned a different key", key)
		}

		stored, ok, err := r.store.CreateEntityIfAbsent(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", key, err)
		}
		if ok {
			created = true
			r.created.Add(1)
		}
		return stored, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*models.Entity), created, nil
}

// Stats reports how many identities were created and how many resolutions
// reused an existing entity.
func (r *Resolver) Stats() (created, reused int64) {
	created = r.created.Load()
	return created, r.calls.Load() - created
}
