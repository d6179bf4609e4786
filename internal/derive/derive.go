// Package derive computes relationships that the remote source does not
// report directly, by joining stored relationships with records fetched per
// parent entity.
//
// The scan-monitors-asset join is the motivating case: sites know their
// assets and their scans, so every scan of a site monitors every asset of
// that site.
package derive

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/qualys/vmgraph/internal/models"
)

// RelationshipSource iterates stored relationships of one type.
type RelationshipSource interface {
	IterateRelationships(ctx context.Context, relType string, fn func(*models.Relationship) error) error
}

// Graph is what Derive reads from and writes to.
type Graph interface {
	RelationshipSource
	FindEntity(ctx context.Context, key string) (*models.Entity, error)
	AddRelationship(ctx context.Context, r *models.Relationship) (*models.Relationship, error)
}

// Index maps a from key to the ordered, duplicate-free set of its to keys.
type Index struct {
	order   []string
	targets map[string][]string
	seen    map[string]map[string]struct{}
}

// BuildIndex scans every relationship of relType once.
func BuildIndex(ctx context.Context, src RelationshipSource, relType string) (*Index, error) {
	idx := &Index{
		targets: make(map[string][]string),
		seen:    make(map[string]map[string]struct{}),
	}
	err := src.IterateRelationships(ctx, relType, func(r *models.Relationship) error {
		idx.add(r.FromKey, r.ToKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("indexing %s: %w", relType, err)
	}
	return idx, nil
}

func (idx *Index) add(from, to string) {
	set, ok := idx.seen[from]
	if !ok {
		set = make(map[string]struct{})
		idx.seen[from] = set
		idx.order = append(idx.order, from)
	}
	if _, dup := set[to]; dup {
		return
	}
	set[to] = struct{}{}
	idx.targets[from] = append(idx.targets[from], to)
}

// Keys returns from keys in first-seen order.
func (idx *Index) Keys() []string { return idx.order }

// Targets returns the to keys recorded for from.
func (idx *Index) Targets(from string) []string { return idx.targets[from] }

func (idx *Index) Len() int { return len(idx.order) }

// FetchFunc reports, through visit, the key of every record related to from.
type FetchFunc func(ctx context.Context, from *models.Entity, visit func(relatedKey string) error) error

// Derivation describes one join: for every from entity in the index built
// from IndexType, each related entity found by Fetch gets a Class
// relationship to each of the from entity's indexed targets.
type Derivation struct {
	IndexType string
	Class     models.RelationshipClass
	Fetch     FetchFunc
	// Concurrency bounds relationship writes for one from entity.
	Concurrency int
}

// Stats summarizes one Derive call. Missing counts are entities referenced
// by the index or by fetched records that were not in the store.
type Stats struct {
	FromEntities         int
	MissingFromEntities  int
	RelatedRecords       int
	MissingRelated       int
	MissingTargets       int
	RelationshipsWritten int
}

// Derive runs d against g. Absent entities are skipped and counted, never
// created; any store or fetch error ends the derivation.
func Derive(ctx context.Context, g Graph, d Derivation) (Stats, error) {
	var stats Stats
	if !d.Class.Valid() {
		return stats, fmt.Errorf("invalid relationship class %q", d.Class)
	}

	idx, err := BuildIndex(ctx, g, d.IndexType)
	if err != nil {
		return stats, err
	}

	limit := d.Concurrency
	if limit < 1 {
		limit = 1
	}

	for _, fromKey := range idx.Keys() {
		from, err := g.FindEntity(ctx, fromKey)
		if err != nil {
			return stats, fmt.Errorf("finding %s: %w", fromKey, err)
		}
		if from == nil {
			stats.MissingFromEntities++
			continue
		}
		stats.FromEntities++

		targets, missing, err := resolveAll(ctx, g, idx.Targets(fromKey))
		if err != nil {
			return stats, err
		}
		stats.MissingTargets += missing

		var related []*models.Entity
		err = d.Fetch(ctx, from, func(relatedKey string) error {
			stats.RelatedRecords++
			e, err := g.FindEntity(ctx, relatedKey)
			if err != nil {
				return fmt.Errorf("finding %s: %w", relatedKey, err)
			}
			if e == nil {
				stats.MissingRelated++
				return nil
			}
			related = append(related, e)
			return nil
		})
		if err != nil {
			return stats, fmt.Errorf("fetching related records for %s: %w", fromKey, err)
		}

		written, err := commit(ctx, g, d.Class, related, targets, limit)
		stats.RelationshipsWritten += written
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// resolveAll looks up each target once; absent ones are dropped.
func resolveAll(ctx context.Context, g Graph, keys []string) ([]*models.Entity, int, error) {
	found := make([]*models.Entity, 0, len(keys))
	missing := 0
	for _, k := range keys {
		e, err := g.FindEntity(ctx, k)
		if err != nil {
			return nil, 0, fmt.Errorf("finding %s: %w", k, err)
		}
		if e == nil {
			missing++
			continue
		}
		found = append(found, e)
	}
	return found, missing, nil
}

// commit writes every related -> target relationship and waits for all of them.
func commit(ctx context.Context, g Graph, class models.RelationshipClass, related, targets []*models.Entity, limit int) (int, error) {
	if len(related) == 0 || len(targets) == 0 {
		return 0, nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)
	results := make([]bool, len(related)*len(targets))
	n := 0
	for _, r := range related {
		for _, t := range targets {
			rel := models.NewDirectRelationship(class, r, t)
			slot := n
			n++
			eg.Go(func() error {
				if _, err := g.AddRelationship(egCtx, rel); err != nil {
					return fmt.Errorf("adding %s: %w", rel.Key, err)
				}
				results[slot] = true
				return nil
			})
		}
	}
	err := eg.Wait()

	written := 0
	for _, ok := range results {
		if ok {
			written++
		}
	}
	return written, err
}
