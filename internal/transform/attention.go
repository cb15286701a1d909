package transform

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// GraphNode is one neighbor supplied by the context collaborator.
type GraphNode struct {
	ID        string    `json:"id"`
	Embedding []float64 `json:"embedding"`
}

// Edge is a weighted connection between two graph nodes.
type Edge struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Weight float64 `json:"weight"`
}

// Graph is the local context around an embedding: neighbor vectors plus the
// edges that connect them.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []Edge      `json:"edges,omitempty"`
}

// Empty reports whether the graph carries no neighbors.
func (g *Graph) Empty() bool {
	return g == nil || len(g.Nodes) == 0
}

// NodeIDs returns the sorted IDs of the graph's nodes.
func (g *Graph) NodeIDs() []string {
	if g == nil {
		return nil
	}
	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	return ids
}

// Prune keeps at most max nodes, ranked by edge-weighted degree (the sum of
// the weights of incident edges). Ties break on ID so pruning is
// deterministic. Edges touching dropped nodes are dropped too.
func (g *Graph) Prune(max int) *Graph {
	if g == nil || max <= 0 || len(g.Nodes) <= max {
		return g
	}

	degree := make(map[string]float64, len(g.Nodes))
	for _, e := range g.Edges {
		degree[e.From] += e.Weight
		degree[e.To] += e.Weight
	}

	nodes := append([]GraphNode(nil), g.Nodes...)
	sort.SliceStable(nodes, func(i, j int) bool {
		di, dj := degree[nodes[i].ID], degree[nodes[j].ID]
		if di != dj {
			return di > dj
		}
		return nodes[i].ID < nodes[j].ID
	})
	nodes = nodes[:max]

	kept := make(map[string]bool, max)
	for _, n := range nodes {
		kept[n.ID] = true
	}
	var edges []Edge
	for _, e := range g.Edges {
		if kept[e.From] && kept[e.To] {
			edges = append(edges, e)
		}
	}
	return &Graph{Nodes: nodes, Edges: edges}
}

// Softmax returns exp(s_i)/Σexp(s_j), computed after subtracting the max
// score so large scores cannot overflow.
func Softmax(scores []float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	max := floats.Max(scores)
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - max)
		sum += out[i]
	}
	floats.Scale(1/sum, out)
	return out
}

// AttentionRecord captures everything the backward pass needs from one
// attention aggregation.
type AttentionRecord struct {
	Center    []float64
	Neighbors [][]float64
	NodeIDs   []string
	Scores    []float64
	Weights   []float64
	Aggregate []float64
	Blend     float64
	Scale     float64 // 1/sqrt(d)
}

// attend aggregates neighbors around center with scaled dot-product
// attention and blends the aggregate with the center.
func attend(center []float64, nodes []GraphNode, dim int, blend float64) ([]float64, *AttentionRecord) {
	rec := &AttentionRecord{
		Center: append([]float64(nil), center...),
		Blend:  blend,
		Scale:  1 / math.Sqrt(float64(dim)),
	}
	for _, n := range nodes {
		rec.Neighbors = append(rec.Neighbors, Fit(n.Embedding, dim))
		rec.NodeIDs = append(rec.NodeIDs, n.ID)
	}

	rec.Scores = make([]float64, len(rec.Neighbors))
	for i, nb := range rec.Neighbors {
		rec.Scores[i] = floats.Dot(center, nb) * rec.Scale
	}
	rec.Weights = Softmax(rec.Scores)

	rec.Aggregate = make([]float64, dim)
	for i, nb := range rec.Neighbors {
		floats.AddScaled(rec.Aggregate, rec.Weights[i], nb)
	}

	out := make([]float64, dim)
	floats.AddScaled(out, 1-blend, center)
	floats.AddScaled(out, blend, rec.Aggregate)
	return out, rec
}
