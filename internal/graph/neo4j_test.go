package graph

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/vmgraph/internal/models"
)

// skipIfNoNeo4j skips the test if no Neo4j instance is reachable
func skipIfNoNeo4j(t *testing.T) *Neo4jStore {
	t.Helper()

	uri := os.Getenv("TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("Skipping test, TEST_NEO4J_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewNeo4jStore(ctx, Neo4jConfig{
		URI:       uri,
		Username:  os.Getenv("TEST_NEO4J_USER"),
		Password:  os.Getenv("TEST_NEO4J_PASSWORD"),
		BatchSize: 2,
	})
	if err != nil {
		t.Skipf("Skipping test, neo4j not available: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func TestNeo4jStore_RoundTrip(t *testing.T) {
	store := skipIfNoNeo4j(t)
	ctx := context.Background()

	prefix := "test-" + uuid.New().String()[:8]
	siteType := prefix + "_site"
	assetType := prefix + "_asset"

	site := &models.Entity{Key: prefix + ":site:1", Type: siteType, Class: models.ClassSite,
		Properties: map[string]any{"id": "1", "name": "HQ"}}
	_, err := store.PutEntity(ctx, site)
	require.NoError(t, err)

	var assets []*models.Entity
	for _, id := range []string{"a", "b", "c"} {
		a := &models.Entity{Key: prefix + ":asset:" + id, Type: assetType, Class: models.ClassDevice,
			Properties: map[string]any{"id": id}}
		_, err := store.PutEntity(ctx, a)
		require.NoError(t, err)
		assets = append(assets, a)
	}

	found, err := store.FindEntity(ctx, site.Key)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "HQ", found.Properties["name"])

	missing, err := store.FindEntity(ctx, prefix+":nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	var iterated []string
	err = store.IterateEntities(ctx, assetType, func(e *models.Entity) error {
		iterated = append(iterated, e.Key)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, iterated, 3)

	vuln := &models.Entity{Key: prefix + ":vuln", Type: prefix + "_vuln", Class: models.ClassVulnerability,
		Properties: map[string]any{"owner": "first"}}
	_, created, err := store.CreateEntityIfAbsent(ctx, vuln)
	require.NoError(t, err)
	assert.True(t, created)

	vuln.Properties["owner"] = "second"
	stored, created, err := store.CreateEntityIfAbsent(ctx, vuln)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "first", stored.Properties["owner"])

	rel := &models.Relationship{
		Key:     prefix + ":rel",
		Type:    prefix + "_site_has_asset",
		Class:   models.RelationshipHas,
		FromKey: site.Key,
		ToKey:   assets[0].Key,
	}
	_, err = store.PutRelationship(ctx, rel)
	require.NoError(t, err)
	_, err = store.PutRelationship(ctx, rel)
	require.NoError(t, err)

	var rels []*models.Relationship
	err = store.IterateRelationships(ctx, rel.Type, func(r *models.Relationship) error {
		rels = append(rels, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, site.Key, rels[0].FromKey)

	dangling := *rel
	dangling.Key = prefix + ":dangling"
	dangling.ToKey = prefix + ":nowhere"
	_, err = store.PutRelationship(ctx, &dangling)
	assert.True(t, errors.Is(err, ErrMissingEndpoint))
}

func TestRelationshipPattern(t *testing.T) {
	assert.Equal(t, "(a:Entity)-[r:HAS]->(b:Entity)", relationshipPattern(models.SiteHasAsset.Type))
	assert.Equal(t, "(a:Entity)-[r:MONITORS]->(b:Entity)", relationshipPattern(models.ScanMonitorsAsset.Type))
	assert.Equal(t, "(a:Entity)-[r]->(b:Entity)", relationshipPattern("custom_rel"))
}
