// Package neo4j stores the category graph in Neo4j as
// (:Category)-[:SUBCAT_OF]->(:Category) and (:Page)-[:IN_CATEGORY]->(:Category).
package neo4j

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/efebarandurmaz/katbot/internal/category"
	"github.com/efebarandurmaz/katbot/internal/graph"
	"github.com/efebarandurmaz/katbot/internal/observability"
)

const importBatch = 1000

// Store implements graph.Store using Neo4j.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

var _ graph.Store = (*Store)(nil)

// Open connects to Neo4j and verifies connectivity.
func Open(ctx context.Context, uri, username, password, database string, logger *slog.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, graph.AccessError("open", fmt.Errorf("neo4j driver: %w", err))
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, graph.AccessError("open", fmt.Errorf("neo4j connectivity: %w", err))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{driver: driver, database: database, logger: logger.With("component", "neo4j")}, nil
}

// Ping verifies connectivity to the server.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return graph.AccessError("ping", err)
	}
	return nil
}

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}

func (s *Store) Subcategories(ctx context.Context, name string) ([]string, error) {
	ctx, span := observability.StartStoreSpan(ctx, "neo4j", "subcategories")
	defer span.End()

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx,
			"MATCH (c:Category)-[:SUBCAT_OF]->(:Category {name: $name}) RETURN c.name AS name ORDER BY name",
			map[string]any{"name": name})
		if err != nil {
			return nil, err
		}
		var names []string
		for records.Next(ctx) {
			n, _ := records.Record().Get("name")
			names = append(names, asString(n))
		}
		return names, records.Err()
	})
	if err != nil {
		observability.RecordError(span, err)
		return nil, graph.AccessError("subcategories "+name, err)
	}
	return result.([]string), nil
}

func (s *Store) HiddenCategories(ctx context.Context) (category.Set, error) {
	ctx, span := observability.StartStoreSpan(ctx, "neo4j", "hidden")
	defer span.End()

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, "MATCH (c:Category {hidden: true}) RETURN c.name AS name", nil)
		if err != nil {
			return nil, err
		}
		out := make(category.Set)
		for records.Next(ctx) {
			n, _ := records.Record().Get("name")
			out.Add(asString(n))
		}
		return out, records.Err()
	})
	if err != nil {
		observability.RecordError(span, err)
		return nil, graph.AccessError("hidden categories", err)
	}
	return result.(category.Set), nil
}

func (s *Store) PageCategories(ctx context.Context, ids []int64) (category.PageMap, error) {
	ctx, span := observability.StartStoreSpan(ctx, "neo4j", "page_categories")
	defer span.End()

	query := "MATCH (p:Page)-[:IN_CATEGORY]->(c:Category) RETURN p.id AS id, p.title AS title, collect(c.name) AS cats"
	params := map[string]any{}
	if ids != nil {
		query = "MATCH (p:Page)-[:IN_CATEGORY]->(c:Category) WHERE p.id IN $ids RETURN p.id AS id, p.title AS title, collect(c.name) AS cats"
		params["ids"] = ids
	}

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		out := make(category.PageMap)
		for records.Next(ctx) {
			rec := records.Record()
			id, _ := rec.Get("id")
			title, _ := rec.Get("title")
			cats, _ := rec.Get("cats")
			pid, ok := id.(int64)
			if !ok {
				return nil, fmt.Errorf("page id has type %T", id)
			}
			for _, c := range asStrings(cats) {
				out.Add(pid, asString(title), c)
			}
		}
		return out, records.Err()
	})
	if err != nil {
		observability.RecordError(span, err)
		return nil, graph.AccessError("page categories", err)
	}
	return result.(category.PageMap), nil
}

// Import writes a snapshot into Neo4j. Existing nodes are merged.
func (s *Store) Import(ctx context.Context, snap *graph.Snapshot) error {
	ctx, span := observability.StartStoreSpan(ctx, "neo4j", "import")
	defer span.End()

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	write := func(op, cypher string, rows []map[string]any) error {
		for _, batch := range batches(rows, importBatch) {
			_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
				_, err := tx.Run(ctx, cypher, map[string]any{"rows": batch})
				return nil, err
			})
			if err != nil {
				observability.RecordError(span, err)
				return graph.AccessError("import "+op, err)
			}
		}
		s.logger.Info("imported", "kind", op, "rows", len(rows))
		return nil
	}

	if err := write("hidden",
		"UNWIND $rows AS row MERGE (c:Category {name: row.name}) SET c.hidden = true",
		hiddenRows(snap.Hidden)); err != nil {
		return err
	}
	if err := write("edges",
		"UNWIND $rows AS row MERGE (c:Category {name: row.child}) MERGE (p:Category {name: row.parent}) MERGE (c)-[:SUBCAT_OF]->(p)",
		edgeRows(snap.Edges)); err != nil {
		return err
	}
	return write("pages",
		"UNWIND $rows AS row MERGE (p:Page {id: row.id}) SET p.title = row.title "+
			"WITH p, row UNWIND row.cats AS cat MERGE (c:Category {name: cat}) MERGE (p)-[:IN_CATEGORY]->(c)",
		pageRows(snap.Pages))
}

func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func hiddenRows(hidden category.Set) []map[string]any {
	rows := make([]map[string]any, 0, hidden.Len())
	for _, name := range hidden.Sorted() {
		rows = append(rows, map[string]any{"name": name})
	}
	return rows
}

func edgeRows(edges []graph.Edge) []map[string]any {
	rows := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, map[string]any{"child": e.Child, "parent": e.Parent})
	}
	return rows
}

func pageRows(pages []category.Page) []map[string]any {
	rows := make([]map[string]any, 0, len(pages))
	for _, p := range pages {
		rows = append(rows, map[string]any{"id": p.ID, "title": p.Title, "cats": p.Categories.Sorted()})
	}
	return rows
}

func batches(rows []map[string]any, size int) [][]map[string]any {
	var out [][]map[string]any
	for start := 0; start < len(rows); start += size {
		out = append(out, rows[start:min(start+size, len(rows))])
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStrings(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
