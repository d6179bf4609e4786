package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/qualys/vmgraph/internal/models"
)

const defaultIterateBatch = 500

// Neo4jStore keeps entities as (:Entity) nodes keyed by the unique _key
// property and relationships as typed edges carrying their own _key.
type Neo4jStore struct {
	driver    neo4j.DriverWithContext
	database  string
	batchSize int
}

var _ Store = (*Neo4jStore)(nil)

type Neo4jConfig struct {
	URI       string
	Username  string
	Password  string
	Database  string
	BatchSize int
}

func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verifying neo4j connectivity: %w", err)
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultIterateBatch
	}

	s := &Neo4jStore{driver: driver, database: cfg.Database, batchSize: batch}

	if err := s.createConstraints(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("creating constraints: %w", err)
	}

	return s, nil
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4jStore) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

func (s *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}

func (s *Neo4jStore) createConstraints(ctx context.Context) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	statements := []string{
		"CREATE CONSTRAINT entity_key IF NOT EXISTS FOR (n:Entity) REQUIRE n._key IS UNIQUE",
		"CREATE INDEX entity_type IF NOT EXISTS FOR (n:Entity) ON (n._type)",
	}
	for _, class := range models.RelationshipClasses {
		statements = append(statements, fmt.Sprintf(
			"CREATE INDEX rel_%s_type_key IF NOT EXISTS FOR ()-[r:%s]-() ON (r._type, r._key)",
			strings.ToLower(string(class)), class))
	}

	for _, stmt := range statements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("running %q: %w", stmt, err)
		}
	}
	return nil
}

func entityParams(e *models.Entity) map[string]any {
	props := make(map[string]any, len(e.Properties)+3)
	for k, v := range e.Properties {
		props[k] = v
	}
	props["_key"] = e.Key
	props["_type"] = e.Type
	props["_class"] = e.Class
	return map[string]any{"key": e.Key, "props": props}
}

func entityFromProps(props map[string]any) *models.Entity {
	e := &models.Entity{Properties: make(map[string]any, len(props))}
	for k, v := range props {
		switch k {
		case "_key":
			e.Key, _ = v.(string)
		case "_type":
			e.Type, _ = v.(string)
		case "_class":
			e.Class, _ = v.(string)
		default:
			e.Properties[k] = v
		}
	}
	return e
}

func relationshipFromProps(props map[string]any, from, to string) *models.Relationship {
	r := &models.Relationship{FromKey: from, ToKey: to, Properties: make(map[string]any)}
	for k, v := range props {
		switch k {
		case "_key":
			r.Key, _ = v.(string)
		case "_type":
			r.Type, _ = v.(string)
		case "_class":
			c, _ := v.(string)
			r.Class = models.RelationshipClass(c)
		default:
			r.Properties[k] = v
		}
	}
	if len(r.Properties) == 0 {
		r.Properties = nil
	}
	return r
}

func (s *Neo4jStore) PutEntity(ctx context.Context, e *models.Entity) (*models.Entity, error) {
	if e.Key == "" {
		return nil, fmt.Errorf("entity of type %s has no key", e.Type)
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	query := `
		MERGE (n:Entity {_key: $key})
		SET n = $props
	`

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, entityParams(e))
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("writing entity %s: %w", e.Key, err)
	}

	return cloneEntity(e), nil
}

func (s *Neo4jStore) CreateEntityIfAbsent(ctx context.Context, e *models.Entity) (*models.Entity, bool, error) {
	if e.Key == "" {
		return nil, false, fmt.Errorf("entity of type %s has no key", e.Type)
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	// The unique constraint on _key makes MERGE an atomic create-if-absent.
	query := `
		MERGE (n:Entity {_key: $key})
		ON CREATE SET n = $props, n._created = true
		WITH n, coalesce(n._created, false) AS created
		REMOVE n._created
		RETURN properties(n) AS props, created
	`

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, entityParams(e))
		if err != nil {
			return nil, err
		}
		return result.Single(ctx)
	})
	if err != nil {
		return nil, false, fmt.Errorf("creating entity %s: %w", e.Key, err)
	}

	record := out.(*neo4j.Record)
	props, _ := record.Get("props")
	created, _ := record.Get("created")

	propMap, _ := props.(map[string]any)
	createdFlag, _ := created.(bool)

	return entityFromProps(propMap), createdFlag, nil
}

func (s *Neo4jStore) PutRelationship(ctx context.Context, r *models.Relationship) (*models.Relationship, error) {
	if r.Key == "" {
		return nil, fmt.Errorf("relationship of type %s has no key", r.Type)
	}
	if !r.Class.Valid() {
		return nil, fmt.Errorf("relationship %s has unknown class %q", r.Key, r.Class)
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	// Relationship types cannot be parameterized; Class is validated above.
	query := `
		MATCH (a:Entity {_key: $from})
		MATCH (b:Entity {_key: $to})
		MERGE (a)-[r:` + string(r.Class) + ` {_key: $key}]->(b)
		SET r += $props, r._type = $type, r._class = $class
		RETURN r._key AS key
	`

	props := cloneProperties(r.Properties)
	if props == nil {
		props = map[string]any{}
	}

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, map[string]any{
			"from":  r.FromKey,
			"to":    r.ToKey,
			"key":   r.Key,
			"type":  r.Type,
			"class": string(r.Class),
			"props": props,
		})
		if err != nil {
			return nil, err
		}
		matched := result.Next(ctx)
		if err := result.Err(); err != nil {
			return nil, err
		}
		return matched, nil
	})
	if err != nil {
		return nil, fmt.Errorf("writing relationship %s: %w", r.Key, err)
	}

	if matched, _ := out.(bool); !matched {
		return nil, fmt.Errorf("%w: %s -> %s", ErrMissingEndpoint, r.FromKey, r.ToKey)
	}

	return cloneRelationship(r), nil
}

func (s *Neo4jStore) FindEntity(ctx context.Context, key string) (*models.Entity, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `MATCH (n:Entity {_key: $key}) RETURN properties(n) AS props`, map[string]any{
		"key": key,
	})
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("reading entity %s: %w", key, err)
		}
		return nil, nil
	}

	props, _ := result.Record().Get("props")
	propMap, _ := props.(map[string]any)
	return entityFromProps(propMap), nil
}

// IterateEntities pages through entities by key so that fn can write to the
// graph without holding a cursor open.
func (s *Neo4jStore) IterateEntities(ctx context.Context, entityType string, fn func(*models.Entity) error) error {
	query := `
		MATCH (n:Entity)
		WHERE n._type = $type AND n._key > $after
		RETURN properties(n) AS props
		ORDER BY n._key
		LIMIT $limit
	`

	after := ""
	for {
		page, err := s.readPage(ctx, query, map[string]any{"type": entityType, "after": after, "limit": s.batchSize})
		if err != nil {
			return fmt.Errorf("listing %s entities: %w", entityType, err)
		}

		for _, record := range page {
			props, _ := record.Get("props")
			propMap, _ := props.(map[string]any)
			e := entityFromProps(propMap)
			after = e.Key
			if err := fn(e); err != nil {
				return err
			}
		}

		if len(page) < s.batchSize {
			return nil
		}
	}
}

// relationshipPattern labels the edge with the class declared for relType so
// the (_type, _key) index of that class serves each page.
func relationshipPattern(relType string) string {
	if schema, ok := models.LookupRelationshipSchema(relType); ok {
		return "(a:Entity)-[r:" + string(schema.Class) + "]->(b:Entity)"
	}
	return "(a:Entity)-[r]->(b:Entity)"
}

func (s *Neo4jStore) IterateRelationships(ctx context.Context, relType string, fn func(*models.Relationship) error) error {
	query := `
		MATCH ` + relationshipPattern(relType) + `
		WHERE r._type = $type AND r._key > $after
		RETURN properties(r) AS props, a._key AS from, b._key AS to
		ORDER BY r._key
		LIMIT $limit
	`

	after := ""
	for {
		page, err := s.readPage(ctx, query, map[string]any{"type": relType, "after": after, "limit": s.batchSize})
		if err != nil {
			return fmt.Errorf("listing %s relationships: %w", relType, err)
		}

		for _, record := range page {
			props, _ := record.Get("props")
			from, _ := record.Get("from")
			to, _ := record.Get("to")

			propMap, _ := props.(map[string]any)
			fromKey, _ := from.(string)
			toKey, _ := to.(string)

			r := relationshipFromProps(propMap, fromKey, toKey)
			after = r.Key
			if err := fn(r); err != nil {
				return err
			}
		}

		if len(page) < s.batchSize {
			return nil
		}
	}
}

func (s *Neo4jStore) readPage(ctx context.Context, query string, params map[string]any) ([]*neo4j.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}

	records, _ := out.([]*neo4j.Record)
	return records, nil
}

// Counts returns entity counts per type and relationship counts per type.
func (s *Neo4jStore) Counts(ctx context.Context) (entities, relationships map[string]int, err error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	entities = make(map[string]int)
	result, err := session.Run(ctx, `MATCH (n:Entity) RETURN n._type AS type, count(n) AS count`, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("executing query: %w", err)
	}
	for result.Next(ctx) {
		rec := result.Record()
		t, _ := rec.Get("type")
		c, _ := rec.Get("count")
		typ, _ := t.(string)
		count, _ := c.(int64)
		entities[typ] = int(count)
	}
	if err := result.Err(); err != nil {
		return nil, nil, fmt.Errorf("counting entities: %w", err)
	}

	relationships = make(map[string]int)
	result, err = session.Run(ctx, `MATCH (:Entity)-[r]->(:Entity) RETURN r._type AS type, count(r) AS count`, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("executing query: %w", err)
	}
	for result.Next(ctx) {
		rec := result.Record()
		t, _ := rec.Get("type")
		c, _ := rec.Get("count")
		typ, _ := t.(string)
		count, _ := c.(int64)
		relationships[typ] = int(count)
	}
	if err := result.Err(); err != nil {
		return nil, nil, fmt.Errorf("counting relationships: %w", err)
	}

	return entities, relationships, nil
}
