package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MaxNeighborhoodDepth bounds QueryNeighborhood.
const MaxNeighborhoodDepth = 3

// UpsertNode inserts or replaces a node.
func (r *SQLRepository) UpsertNode(ctx context.Context, node *domain.Node) error {
	if node.ID == "" || node.Kind == "" {
		return fmt.Errorf("%w: node id and kind are required", domain.ErrInvalidInput)
	}
	props, err := json.Marshal(node.Properties)
	if err != nil {
		return fmt.Errorf("marshal node %s: %w", node.ID, err)
	}
	updated := node.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	query := `
		INSERT INTO graph_nodes (id, kind, properties, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			properties = excluded.properties,
			updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query), node.ID, string(node.Kind), string(props), nanos(updated))
	return err
}

// UpsertEdge inserts or replaces an edge. (From, To, Kind) is unique.
func (r *SQLRepository) UpsertEdge(ctx context.Context, edge *domain.Edge) error {
	if edge.From == "" || edge.To == "" || edge.Kind == "" {
		return fmt.Errorf("%w: edge endpoints and kind are required", domain.ErrInvalidInput)
	}
	props, err := json.Marshal(edge.Properties)
	if err != nil {
		return fmt.Errorf("marshal edge %s->%s: %w", edge.From, edge.To, err)
	}
	updated := edge.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	query := `
		INSERT INTO graph_edges (from_id, to_id, kind, properties, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, kind) DO UPDATE SET
			properties = excluded.properties,
			updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query), edge.From, edge.To, string(edge.Kind), string(props), nanos(updated))
	return err
}

// GetNode retrieves a node by ID.
func (r *SQLRepository) GetNode(ctx context.Context, id string) (*domain.Node, error) {
	nodes, err := r.nodesByID(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("node %s: %w", id, domain.ErrNotFound)
	}
	return nodes[0], nil
}

// ListNodes returns every node of a kind, ordered by ID.
func (r *SQLRepository) ListNodes(ctx context.Context, kind domain.NodeKind) ([]*domain.Node, error) {
	query := `SELECT id, kind, properties, updated_at FROM graph_nodes WHERE kind = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

// QueryNeighborhood walks edges in both directions from nodeID, breadth
// first, up to depth hops (capped at MaxNeighborhoodDepth).
func (r *SQLRepository) QueryNeighborhood(ctx context.Context, nodeID string, depth int) (*domain.Neighborhood, error) {
	if depth < 0 {
		return nil, fmt.Errorf("%w: depth must be non-negative", domain.ErrInvalidInput)
	}
	if depth > MaxNeighborhoodDepth {
		depth = MaxNeighborhoodDepth
	}

	visited := map[string]bool{nodeID: true}
	frontier := []string{nodeID}
	seenEdges := make(map[string]bool)
	var edges []*domain.Edge

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		level, err := r.edgesTouching(ctx, frontier)
		if err != nil {
			return nil, err
		}

		var next []string
		for _, e := range level {
			key := e.From + "\x00" + e.To + "\x00" + string(e.Kind)
			if !seenEdges[key] {
				seenEdges[key] = true
				edges = append(edges, e)
			}
			for _, id := range []string{e.From, e.To} {
				if !visited[id] {
					visited[id] = true
					next = append(next, id)
				}
			}
		}
		frontier = next
	}

	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	nodes, err := r.nodesByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 && len(edges) == 0 {
		return nil, fmt.Errorf("node %s: %w", nodeID, domain.ErrNotFound)
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].Kind < edges[j].Kind
	})

	return &domain.Neighborhood{Root: nodeID, Depth: depth, Nodes: nodes, Edges: edges}, nil
}

func (r *SQLRepository) edgesTouching(ctx context.Context, ids []string) ([]*domain.Edge, error) {
	in := placeholders(len(ids))
	query := fmt.Sprintf(`
		SELECT from_id, to_id, kind, properties, updated_at
		FROM graph_edges
		WHERE from_id IN (%s) OR to_id IN (%s)
	`, in, in)

	args := make([]any, 0, 2*len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Edge
	for rows.Next() {
		var e domain.Edge
		var kind, props string
		var updated int64
		if err := rows.Scan(&e.From, &e.To, &kind, &props, &updated); err != nil {
			return nil, err
		}
		e.Kind = domain.EdgeKind(kind)
		e.UpdatedAt = fromNanos(updated)
		if err := unmarshalProps(props, &e.Properties); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *SQLRepository) nodesByID(ctx context.Context, ids []string) ([]*domain.Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id, kind, properties, updated_at FROM graph_nodes WHERE id IN (%s) ORDER BY id`, placeholders(len(ids)))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func scanNodes(rows *sql.Rows) ([]*domain.Node, error) {
	var out []*domain.Node
	for rows.Next() {
		var n domain.Node
		var kind, props string
		var updated int64
		if err := rows.Scan(&n.ID, &kind, &props, &updated); err != nil {
			return nil, err
		}
		n.Kind = domain.NodeKind(kind)
		n.UpdatedAt = fromNanos(updated)
		if err := unmarshalProps(props, &n.Properties); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func unmarshalProps(raw string, dst *map[string]any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode properties: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
