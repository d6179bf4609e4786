package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/vmgraph/internal/graph"
	"github.com/qualys/vmgraph/internal/keys"
	"github.com/qualys/vmgraph/internal/models"
)

func vulnBuilder(owner string, builds *atomic.Int32) BuildFunc {
	return func(key string) (*models.Entity, error) {
		builds.Add(1)
		return &models.Entity{
			Key:        key,
			Type:       models.TypeVulnerability,
			Class:      models.ClassVulnerability,
			Properties: map[string]any{"owner": owner},
		}, nil
	}
}

func TestResolve_CreatesOnce(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	r := New(store)

	var builds atomic.Int32
	first, created, err := r.Resolve(ctx, keys.KindVulnerability, "ssh-cbc", vulnBuilder("first", &builds))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, keys.VulnerabilityKey("ssh-cbc"), first.Key)

	for i := 0; i < 3; i++ {
		again, created, err := r.Resolve(ctx, keys.KindVulnerability, "ssh-cbc", vulnBuilder("later", &builds))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "first", again.Properties["owner"])
	}

	assert.EqualValues(t, 1, builds.Load())
	createdCount, reused := r.Stats()
	assert.EqualValues(t, 1, createdCount)
	assert.EqualValues(t, 3, reused)

	entities, _ := store.Stats()
	assert.Equal(t, 1, entities[models.TypeVulnerability])
}

func TestResolve_ExistingEntityUnchanged(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	_, err := store.PutEntity(ctx, &models.Entity{
		Key:        keys.VulnerabilityKey("tls-v1"),
		Type:       models.TypeVulnerability,
		Properties: map[string]any{"owner": "previous-run"},
	})
	require.NoError(t, err)

	var builds atomic.Int32
	got, created, err := New(store).Resolve(ctx, keys.KindVulnerability, "tls-v1", vulnBuilder("new", &builds))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "previous-run", got.Properties["owner"])
	assert.Zero(t, builds.Load())
}

func TestResolve_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore()
	r := New(store)

	var builds atomic.Int32
	var wg sync.WaitGroup
	var creators atomic.Int32
	results := make([]*models.Entity, 64)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, created, err := r.Resolve(ctx, keys.KindVulnerability, "shared", vulnBuilder("x", &builds))
			assert.NoError(t, err)
			if created {
				creators.Add(1)
			}
			results[i] = e
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, creators.Load())

	for _, e := range results {
		require.NotNil(t, e)
		assert.Equal(t, keys.VulnerabilityKey("shared"), e.Key)
	}
	entities, _ := store.Stats()
	assert.Equal(t, 1, entities[models.TypeVulnerability])

	created, reused := r.Stats()
	assert.EqualValues(t, 1, created)
	assert.EqualValues(t, 63, reused)
}

func TestResolve_BuilderErrors(t *testing.T) {
	ctx := context.Background()
	r := New(graph.NewMemoryStore())

	boom := errors.New("boom")
	_, _, err := r.Resolve(ctx, keys.KindVulnerability, "v", func(string) (*models.Entity, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	_, _, err = r.Resolve(ctx, keys.KindVulnerability, "v", func(string) (*models.Entity, error) {
		return &models.Entity{Key: "other", Type: models.TypeVulnerability}, nil
	})
	assert.Error(t, err)
}

// racingStore creates nothing: another writer always stores the key between
// the lookup and the create.
type racingStore struct {
	*graph.MemoryStore
}

func (s racingStore) CreateEntityIfAbsent(ctx context.Context, e *models.Entity) (*models.Entity, bool, error) {
	winner := &models.Entity{Key: e.Key, Type: e.Type, Properties: map[string]any{"owner": "other-process"}}
	stored, _, err := s.MemoryStore.CreateEntityIfAbsent(ctx, winner)
	return stored, false, err
}

func TestResolve_LostCreateRaceIsNotCreated(t *testing.T) {
	r := New(racingStore{graph.NewMemoryStore()})

	var builds atomic.Int32
	got, created, err := r.Resolve(context.Background(), keys.KindVulnerability, "v", vulnBuilder("us", &builds))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "other-process", got.Properties["owner"])

	c, reused := r.Stats()
	assert.Zero(t, c)
	assert.EqualValues(t, 1, reused)
}
