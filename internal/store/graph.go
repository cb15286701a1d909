package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lazypower/attune/internal/transform"
)

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// SaveNode stores or replaces the embedding for a context graph node.
func (db *DB) SaveNode(id string, embedding []float64) error {
	if id == "" {
		return fmt.Errorf("save node: empty id")
	}
	now := time.Now().UnixMilli()
	blob := encodeEmbedding(embedding)

	_, err := db.Exec(`
		INSERT INTO graph_nodes (node_id, embedding, dimensions, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET embedding = ?, dimensions = ?, updated_at = ?
	`, id, blob, len(embedding), now,
		blob, len(embedding), now)
	if err != nil {
		return fmt.Errorf("save node: %w", err)
	}
	return nil
}

// SaveEdge stores or replaces a weighted edge. Both endpoints must exist.
func (db *DB) SaveEdge(from, to string, weight float64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO graph_edges (from_id, to_id, weight, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(from_id, to_id) DO UPDATE SET weight = ?, updated_at = ?
	`, from, to, weight, now, weight, now)
	if err != nil {
		return fmt.Errorf("save edge %s->%s: %w", from, to, err)
	}
	return nil
}

// DeleteNode removes a node and, by cascade, its edges.
func (db *DB) DeleteNode(id string) error {
	_, err := db.Exec("DELETE FROM graph_nodes WHERE node_id = ?", id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}

// CountNodes returns the number of stored graph nodes.
func (db *DB) CountNodes() (int, error) {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM graph_nodes").Scan(&n); err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return n, nil
}

// Neighbors returns the subgraph induced by ids: every stored node among
// them plus the edges running between them. Unknown IDs are skipped.
func (db *DB) Neighbors(ctx context.Context, ids []string) (*transform.Graph, error) {
	g := &transform.Graph{}
	if len(ids) == 0 {
		return g, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := db.QueryContext(ctx, `
		SELECT node_id, embedding FROM graph_nodes
		WHERE node_id IN (`+placeholders+`) ORDER BY node_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("neighbor nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var n transform.GraphNode
		var blob []byte
		if err := rows.Scan(&n.ID, &blob); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Embedding = decodeEmbedding(blob)
		g.Nodes = append(g.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	edgeArgs := append(append([]any(nil), args...), args...)
	erows, err := db.QueryContext(ctx, `
		SELECT from_id, to_id, weight FROM graph_edges
		WHERE from_id IN (`+placeholders+`) AND to_id IN (`+placeholders+`)
		ORDER BY from_id, to_id
	`, edgeArgs...)
	if err != nil {
		return nil, fmt.Errorf("neighbor edges: %w", err)
	}
	defer erows.Close()
	for erows.Next() {
		var e transform.Edge
		if err := erows.Scan(&e.From, &e.To, &e.Weight); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		g.Edges = append(g.Edges, e)
	}
	return g, erows.Err()
}
