package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/vmgraph/internal/graph"
	"github.com/qualys/vmgraph/internal/keys"
	"github.com/qualys/vmgraph/internal/models"
)

func ids(stages []Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.ID
	}
	return out
}

func TestOrder(t *testing.T) {
	tests := []struct {
		name    string
		stages  []Stage
		want    []string
		wantErr string
	}{
		{
			name: "keeps declaration order when independent",
			stages: []Stage{
				{ID: "a"}, {ID: "b"}, {ID: "c"},
			},
			want: []string{"a", "b", "c"},
		},
		{
			name: "dependencies first",
			stages: []Stage{
				{ID: "scan-assets", DependsOn: []string{"site-assets", "scans"}},
				{ID: "scans", DependsOn: []string{"sites"}},
				{ID: "site-assets", DependsOn: []string{"sites", "assets"}},
				{ID: "assets", DependsOn: []string{"account"}},
				{ID: "sites", DependsOn: []string{"account"}},
				{ID: "account"},
			},
			want: []string{"account", "assets", "sites", "scans", "site-assets", "scan-assets"},
		},
		{
			name: "repeated dependency",
			stages: []Stage{
				{ID: "b", DependsOn: []string{"a", "a"}},
				{ID: "a"},
			},
			want: []string{"a", "b"},
		},
		{
			name:    "unknown dependency",
			stages:  []Stage{{ID: "a", DependsOn: []string{"missing"}}},
			wantErr: "depends on unknown stage 'missing'",
		},
		{
			name:    "duplicate id",
			stages:  []Stage{{ID: "a"}, {ID: "a"}},
			wantErr: "duplicate stage id 'a'",
		},
		{
			name: "cycle",
			stages: []Stage{
				{ID: "root"},
				{ID: "x", DependsOn: []string{"root", "y"}},
				{ID: "y", DependsOn: []string{"x"}},
			},
			wantErr: "cycle detected involving stage",
		},
		{
			name:    "self dependency",
			stages:  []Stage{{ID: "a", DependsOn: []string{"a"}}},
			wantErr: "cycle detected involving stage 'a'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Order(tt.stages)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestDescriptor(t *testing.T) {
	s := Stage{ID: "fetch-sites", Name: "Fetch Sites",
		Entities:      []models.EntitySchema{models.SiteSchema},
		Relationships: []models.RelationshipSchema{models.AccountHasSite},
		DependsOn:     []string{"fetch-account"}}
	d := s.Descriptor()
	assert.Equal(t, "fetch-sites", d.ID)
	assert.Equal(t, []string{"fetch-account"}, d.DependsOn)
	assert.Equal(t, models.TypeSite, d.ProducesEntityTypes[0].Type)

	empty := Stage{ID: "x"}.Descriptor()
	assert.NotNil(t, empty.DependsOn)
	assert.NotNil(t, empty.ProducesEntityTypes)
}

type recorder struct {
	mu       sync.Mutex
	started  map[string]time.Time
	finished map[string]StageResult
}

func newRecorder() *recorder {
	return &recorder{started: map[string]time.Time{}, finished: map[string]StageResult{}}
}

func (r *recorder) StageStarted(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[id] = at
}

func (r *recorder) StageFinished(res StageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[res.StageID] = res
}

func sleepStage(id string, deps ...string) Stage {
	return Stage{ID: id, DependsOn: deps, Run: func(ctx context.Context, js *JobState) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}}
}

func TestRunner_DependencyOrdering(t *testing.T) {
	for _, concurrency := range []int{1, 4} {
		rec := newRecorder()
		runner := &Runner{Concurrency: concurrency, Observer: rec}
		stages := []Stage{
			sleepStage("account"),
			sleepStage("users", "account"),
			sleepStage("sites", "account"),
			sleepStage("assets", "account"),
			sleepStage("site-assets", "sites", "assets"),
			sleepStage("scans", "sites"),
			sleepStage("scan-assets", "site-assets", "scans", "sites", "assets"),
			sleepStage("vulns", "assets"),
		}

		res, err := runner.Run(context.Background(), stages, NewJobState(graph.NewMemoryStore(), nil))
		require.NoError(t, err)
		require.Len(t, res.Stages, len(stages))

		for _, s := range stages {
			got := rec.finished[s.ID]
			assert.Equal(t, StatusCompleted, got.Status, s.ID)
			for _, d := range s.DependsOn {
				assert.False(t, rec.started[s.ID].Before(rec.finished[d].FinishedAt),
					"%s started before %s finished (concurrency %d)", s.ID, d, concurrency)
			}
		}
	}
}

func TestRunner_ParallelIndependentStages(t *testing.T) {
	var active, peak atomic.Int32
	stage := func(id string, deps ...string) Stage {
		return Stage{ID: id, DependsOn: deps, Run: func(ctx context.Context, js *JobState) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return nil
		}}
	}

	runner := &Runner{Concurrency: 3}
	_, err := runner.Run(context.Background(), []Stage{
		stage("account"),
		stage("users", "account"),
		stage("sites", "account"),
		stage("assets", "account"),
	}, NewJobState(graph.NewMemoryStore(), nil))
	require.NoError(t, err)
	assert.EqualValues(t, 3, peak.Load())
}

func TestRunner_FailureSkipsDependents(t *testing.T) {
	boom := errors.New("remote fetch failed")
	var ranAfter atomic.Bool

	stages := []Stage{
		sleepStage("account"),
		{ID: "sites", DependsOn: []string{"account"}, Run: func(ctx context.Context, js *JobState) error {
			return boom
		}},
		{ID: "scans", DependsOn: []string{"sites"}, Run: func(ctx context.Context, js *JobState) error {
			ranAfter.Store(true)
			return nil
		}},
	}

	res, err := (&Runner{}).Run(context.Background(), stages, NewJobState(graph.NewMemoryStore(), nil))
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, "sites", stageErr.StageID)
	assert.ErrorIs(t, err, boom)
	assert.False(t, ranAfter.Load())

	statuses := map[string]StageStatus{}
	for _, s := range res.Stages {
		statuses[s.StageID] = s.Status
	}
	assert.Equal(t, StatusCompleted, statuses["account"])
	assert.Equal(t, StatusFailed, statuses["sites"])
	assert.Equal(t, StatusSkipped, statuses["scans"])
}

func TestRunner_PanicBecomesFailure(t *testing.T) {
	stages := []Stage{{ID: "bad", Run: func(ctx context.Context, js *JobState) error {
		panic("nil record")
	}}}
	_, err := (&Runner{}).Run(context.Background(), stages, NewJobState(graph.NewMemoryStore(), nil))
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, "bad", stageErr.StageID)
}

func TestRunner_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := (&Runner{}).Run(ctx, []Stage{sleepStage("a")}, NewJobState(graph.NewMemoryStore(), nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusSkipped, res.Stages[0].Status)
}

func TestRunner_InvalidGraph(t *testing.T) {
	_, err := (&Runner{}).Run(context.Background(),
		[]Stage{{ID: "a", DependsOn: []string{"b"}}, {ID: "b", DependsOn: []string{"a"}}},
		NewJobState(graph.NewMemoryStore(), nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle detected")
}

func siteEntity(id string) *models.Entity {
	return &models.Entity{Key: keys.MakeKey(keys.KindSite, id), Type: models.TypeSite, Class: models.ClassSite,
		Properties: map[string]any{"id": id}}
}

func assetEntity(id string) *models.Entity {
	return &models.Entity{Key: keys.MakeKey(keys.KindAsset, id), Type: models.TypeAsset, Class: models.ClassDevice,
		Properties: map[string]any{"id": id}}
}

func TestJobState_DuplicateEntity(t *testing.T) {
	ctx := context.Background()
	js := NewJobState(graph.NewMemoryStore(), nil)

	_, err := js.AddEntity(ctx, siteEntity("1"))
	require.NoError(t, err)

	_, err = js.AddEntity(ctx, siteEntity("1"))
	assert.ErrorIs(t, err, graph.ErrDuplicateEntity)

	// A fresh run may rewrite keys from earlier runs.
	next := NewJobState(js.store, nil)
	_, err = next.AddEntity(ctx, siteEntity("1"))
	assert.NoError(t, err)
}

func TestJobState_RelationshipCoalesces(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	js := NewJobState(store, nil)

	site, asset := siteEntity("1"), assetEntity("9")
	_, _ = js.AddEntity(ctx, site)
	_, _ = js.AddEntity(ctx, asset)

	first, err := js.AddRelationship(ctx, models.NewDirectRelationship(models.RelationshipHas, site, asset))
	require.NoError(t, err)
	second, err := js.AddRelationship(ctx, models.NewDirectRelationship(models.RelationshipHas, site, asset))
	require.NoError(t, err)
	assert.Equal(t, first.Key, second.Key)

	_, rels := js.Counts()
	assert.EqualValues(t, 1, rels)
	_, stored := store.Stats()
	assert.Equal(t, 1, stored[models.SiteHasAsset.Type])
}

func TestJobState_MissingEndpoint(t *testing.T) {
	ctx := context.Background()
	js := NewJobState(graph.NewMemoryStore(), nil)

	site := siteEntity("1")
	_, _ = js.AddEntity(ctx, site)
	_, err := js.AddRelationship(ctx, models.NewDirectRelationship(models.RelationshipHas, site, assetEntity("404")))
	assert.ErrorIs(t, err, graph.ErrMissingEndpoint)
}

func TestJobState_UndeclaredType(t *testing.T) {
	ctx := context.Background()
	js := NewJobState(graph.NewMemoryStore(), nil)

	stage := &Stage{ID: "fetch-sites", Entities: []models.EntitySchema{models.SiteSchema},
		Relationships: []models.RelationshipSchema{models.AccountHasSite}}
	view := js.forStage(stage)

	_, err := view.AddEntity(ctx, siteEntity("1"))
	require.NoError(t, err)

	_, err = view.AddEntity(ctx, assetEntity("1"))
	assert.ErrorIs(t, err, ErrUndeclaredType)

	_, err = view.AddRelationship(ctx, models.NewDirectRelationship(models.RelationshipHas, siteEntity("1"), assetEntity("1")))
	assert.ErrorIs(t, err, ErrUndeclaredType)

	_, err = view.ResolveShared(ctx, keys.KindVulnerability, "v", func(key string) (*models.Entity, error) {
		return &models.Entity{Key: key, Type: models.TypeVulnerability}, nil
	})
	assert.ErrorIs(t, err, ErrUndeclaredType)
}

func TestJobState_Data(t *testing.T) {
	js := NewJobState(graph.NewMemoryStore(), nil)

	_, err := js.GetData("ACCOUNT_ENTITY")
	assert.ErrorIs(t, err, graph.ErrNotFound)

	view := js.forStage(&Stage{ID: "fetch-account"})
	view.SetData("ACCOUNT_ENTITY", siteEntity("1"))

	v, err := js.GetData("ACCOUNT_ENTITY")
	require.NoError(t, err)
	assert.Equal(t, siteEntity("1").Key, v.(*models.Entity).Key)
}

func TestJobState_ResolveShared(t *testing.T) {
	ctx := context.Background()
	js := NewJobState(graph.NewMemoryStore(), nil)
	view := js.forStage(&Stage{ID: "vulns", Entities: []models.EntitySchema{models.VulnerabilitySchema}})

	build := func(key string) (*models.Entity, error) {
		return &models.Entity{Key: key, Type: models.TypeVulnerability, Class: models.ClassVulnerability}, nil
	}
	a, err := view.ResolveShared(ctx, keys.KindVulnerability, "v1", build)
	require.NoError(t, err)
	b, err := view.ResolveShared(ctx, keys.KindVulnerability, "v1", build)
	require.NoError(t, err)
	assert.Equal(t, a.Key, b.Key)

	entities, _ := view.Counts()
	assert.EqualValues(t, 1, entities)
	created, reused := js.SharedStats()
	assert.EqualValues(t, 1, created)
	assert.EqualValues(t, 1, reused)
}

func TestJobState_ResolvedKeyIsDuplicateForAddEntity(t *testing.T) {
	ctx := context.Background()
	js := NewJobState(graph.NewMemoryStore(), nil)

	build := func(key string) (*models.Entity, error) {
		return &models.Entity{Key: key, Type: models.TypeVulnerability, Class: models.ClassVulnerability}, nil
	}
	v, err := js.ResolveShared(ctx, keys.KindVulnerability, "v1", build)
	require.NoError(t, err)

	_, err = js.AddEntity(ctx, &models.Entity{Key: v.Key, Type: models.TypeVulnerability})
	assert.ErrorIs(t, err, graph.ErrDuplicateEntity)
}

// preemptedStore loses every create-if-absent to another writer.
type preemptedStore struct {
	*graph.MemoryStore
}

func (s preemptedStore) CreateEntityIfAbsent(ctx context.Context, e *models.Entity) (*models.Entity, bool, error) {
	stored, _, err := s.MemoryStore.CreateEntityIfAbsent(ctx, e)
	return stored, false, err
}

func TestJobState_ResolveSharedLostRaceNotCounted(t *testing.T) {
	ctx := context.Background()
	js := NewJobState(preemptedStore{graph.NewMemoryStore()}, nil)

	_, err := js.ResolveShared(ctx, keys.KindVulnerability, "v1", func(key string) (*models.Entity, error) {
		return &models.Entity{Key: key, Type: models.TypeVulnerability}, nil
	})
	require.NoError(t, err)

	entities, _ := js.Counts()
	assert.Zero(t, entities)
	created, _ := js.SharedStats()
	assert.Zero(t, created)
}

func TestJobState_IterateCoversCurrentRunOnly(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()

	previous := NewJobState(store, nil)
	for _, id := range []string{"1", "2"} {
		_, err := previous.AddEntity(ctx, siteEntity(id))
		require.NoError(t, err)
		_, err = previous.AddEntity(ctx, assetEntity(id))
		require.NoError(t, err)
		_, err = previous.AddRelationship(ctx, models.NewDirectRelationship(models.RelationshipHas, siteEntity(id), assetEntity(id)))
		require.NoError(t, err)
	}

	current := NewJobState(store, nil)
	_, err := current.AddEntity(ctx, siteEntity("1"))
	require.NoError(t, err)
	_, err = current.AddEntity(ctx, assetEntity("1"))
	require.NoError(t, err)
	_, err = current.AddRelationship(ctx, models.NewDirectRelationship(models.RelationshipHas, siteEntity("1"), assetEntity("1")))
	require.NoError(t, err)

	var sites []string
	require.NoError(t, current.IterateEntities(ctx, models.TypeSite, func(e *models.Entity) error {
		sites = append(sites, e.Key)
		return nil
	}))
	assert.Equal(t, []string{siteEntity("1").Key}, sites)

	var rels []string
	require.NoError(t, current.IterateRelationships(ctx, models.SiteHasAsset.Type, func(r *models.Relationship) error {
		rels = append(rels, r.ToKey)
		return nil
	}))
	assert.Equal(t, []string{assetEntity("1").Key}, rels)

	// Earlier runs' data stays reachable by key.
	old, err := current.FindEntity(ctx, assetEntity("2").Key)
	require.NoError(t, err)
	assert.NotNil(t, old)
}
