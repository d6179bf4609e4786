package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/qualys/vmgraph/internal/dedup"
	"github.com/qualys/vmgraph/internal/graph"
	"github.com/qualys/vmgraph/internal/keys"
	"github.com/qualys/vmgraph/internal/models"
)

// ErrUndeclaredType is returned when a stage writes a type it did not declare.
var ErrUndeclaredType = errors.New("type not declared by stage")

// runState is shared by every stage view of one run.
type runState struct {
	mu   sync.RWMutex
	data map[string]any

	working  *workingSet
	resolver *dedup.Resolver
}

// workingSet holds what this run has committed, in commit order per type.
// Reads of earlier runs' data go through FindEntity only.
type workingSet struct {
	mu sync.RWMutex

	entityKeys    map[string]struct{}
	entities      map[string][]*models.Entity
	relKeys       map[string]*models.Relationship
	relationships map[string][]*models.Relationship
}

func newWorkingSet() *workingSet {
	return &workingSet{
		entityKeys:    make(map[string]struct{}),
		entities:      make(map[string][]*models.Entity),
		relKeys:       make(map[string]*models.Relationship),
		relationships: make(map[string][]*models.Relationship),
	}
}

// reserveEntity claims key for this run; false means it was already claimed.
func (w *workingSet) reserveEntity(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entityKeys[key]; ok {
		return false
	}
	w.entityKeys[key] = struct{}{}
	return true
}

func (w *workingSet) releaseEntity(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entityKeys, key)
}

func (w *workingSet) commitEntity(e *models.Entity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entities[e.Type] = append(w.entities[e.Type], e)
}

// adoptEntity records a resolved shared entity once per run.
func (w *workingSet) adoptEntity(e *models.Entity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entityKeys[e.Key]; ok {
		return
	}
	w.entityKeys[e.Key] = struct{}{}
	w.entities[e.Type] = append(w.entities[e.Type], e)
}

// reserveRelationship returns the earlier record when r's key is taken.
func (w *workingSet) reserveRelationship(r *models.Relationship) (*models.Relationship, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.relKeys[r.Key]; ok {
		return prev, false
	}
	w.relKeys[r.Key] = r
	return nil, true
}

func (w *workingSet) releaseRelationship(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.relKeys, key)
}

func (w *workingSet) commitRelationship(r *models.Relationship) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.relationships[r.Type] = append(w.relationships[r.Type], r)
}

func (w *workingSet) entitiesOf(entityType string) []*models.Entity {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]*models.Entity(nil), w.entities[entityType]...)
}

func (w *workingSet) relationshipsOf(relType string) []*models.Relationship {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]*models.Relationship(nil), w.relationships[relType]...)
}

type counters struct {
	entities      atomic.Int64
	relationships atomic.Int64
}

// JobState is the context one synchronization run passes to its stages: the
// graph store, named values published by earlier stages, and the set of
// keys committed so far in this run.
type JobState struct {
	store  graph.Store
	logger *slog.Logger
	run    *runState

	stage  *Stage
	counts *counters
}

func NewJobState(store graph.Store, logger *slog.Logger) *JobState {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobState{
		store:  store,
		logger: logger,
		run: &runState{
			data:     make(map[string]any),
			working:  newWorkingSet(),
			resolver: dedup.New(store),
		},
		counts: &counters{},
	}
}

// forStage returns a view of js restricted to the types s declares.
func (js *JobState) forStage(s *Stage) *JobState {
	return &JobState{
		store:  js.store,
		logger: js.logger.With("stage", s.ID),
		run:    js.run,
		stage:  s,
		counts: &counters{},
	}
}

func (js *JobState) Logger() *slog.Logger { return js.logger }

// StageID is the id of the stage this view belongs to, or "" for the run view.
func (js *JobState) StageID() string {
	if js.stage == nil {
		return ""
	}
	return js.stage.ID
}

func (js *JobState) checkEntityType(entityType string) error {
	if js.stage != nil && !js.stage.declaresEntity(entityType) {
		return fmt.Errorf("%w: stage '%s' wrote entity type %s", ErrUndeclaredType, js.stage.ID, entityType)
	}
	return nil
}

func (js *JobState) checkRelationshipType(relType string) error {
	if js.stage != nil && !js.stage.declaresRelationship(relType) {
		return fmt.Errorf("%w: stage '%s' wrote relationship type %s", ErrUndeclaredType, js.stage.ID, relType)
	}
	return nil
}

// AddEntity persists e. A key already committed in this run is reported as
// graph.ErrDuplicateEntity; keys from earlier runs are overwritten.
func (js *JobState) AddEntity(ctx context.Context, e *models.Entity) (*models.Entity, error) {
	if err := js.checkEntityType(e.Type); err != nil {
		return nil, err
	}
	if !js.run.working.reserveEntity(e.Key) {
		return nil, fmt.Errorf("%w: %s", graph.ErrDuplicateEntity, e.Key)
	}

	stored, err := js.store.PutEntity(ctx, e)
	if err != nil {
		js.run.working.releaseEntity(e.Key)
		return nil, fmt.Errorf("adding entity %s: %w", e.Key, err)
	}
	js.run.working.commitEntity(stored)
	js.counts.entities.Add(1)
	return stored, nil
}

// AddRelationship persists r. A relationship whose key was already committed
// in this run is not written again; the first record is returned.
func (js *JobState) AddRelationship(ctx context.Context, r *models.Relationship) (*models.Relationship, error) {
	if err := js.checkRelationshipType(r.Type); err != nil {
		return nil, err
	}
	if prev, ok := js.run.working.reserveRelationship(r); !ok {
		return prev, nil
	}

	stored, err := js.store.PutRelationship(ctx, r)
	if err != nil {
		js.run.working.releaseRelationship(r.Key)
		return nil, fmt.Errorf("adding relationship %s: %w", r.Key, err)
	}
	js.run.working.commitRelationship(stored)
	js.counts.relationships.Add(1)
	return stored, nil
}

// ResolveShared returns the single entity for (kind, id), building and
// storing it only if no entity with that key exists. The entity joins this
// run's working set either way, so a later AddEntity of the same key is a
// duplicate.
func (js *JobState) ResolveShared(ctx context.Context, kind keys.Kind, id string, build dedup.BuildFunc) (*models.Entity, error) {
	e, created, err := js.run.resolver.Resolve(ctx, kind, id, func(key string) (*models.Entity, error) {
		e, err := build(key)
		if err != nil {
			return nil, err
		}
		if err := js.checkEntityType(e.Type); err != nil {
			return nil, err
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	js.run.working.adoptEntity(e)
	if created {
		js.counts.entities.Add(1)
	}
	return e, nil
}

// FindEntity looks key up in the store, including entities from earlier runs.
func (js *JobState) FindEntity(ctx context.Context, key string) (*models.Entity, error) {
	return js.store.FindEntity(ctx, key)
}

// IterateEntities calls fn for each entity of entityType committed in this
// run. Entities left in the store by earlier runs are not visited.
func (js *JobState) IterateEntities(ctx context.Context, entityType string, fn func(*models.Entity) error) error {
	for _, e := range js.run.working.entitiesOf(entityType) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// IterateRelationships is IterateEntities for relationships.
func (js *JobState) IterateRelationships(ctx context.Context, relType string, fn func(*models.Relationship) error) error {
	for _, r := range js.run.working.relationshipsOf(relType) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// SetData publishes a named value for later stages.
func (js *JobState) SetData(name string, value any) {
	js.run.mu.Lock()
	defer js.run.mu.Unlock()
	js.run.data[name] = value
}

// GetData returns the value published under name, or graph.ErrNotFound.
func (js *JobState) GetData(name string) (any, error) {
	js.run.mu.RLock()
	defer js.run.mu.RUnlock()
	v, ok := js.run.data[name]
	if !ok {
		return nil, fmt.Errorf("job state value %s: %w", name, graph.ErrNotFound)
	}
	return v, nil
}

// Counts returns the entities and relationships written through this view.
func (js *JobState) Counts() (entities, relationships int64) {
	return js.counts.entities.Load(), js.counts.relationships.Load()
}

// SharedStats reports created and reused resolutions across the run.
func (js *JobState) SharedStats() (created, reused int64) {
	return js.run.resolver.Stats()
}
