package transform

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// LayerRecord is the per-layer snapshot captured during a cached forward pass.
type LayerRecord struct {
	SrcLen int       // width of the vector handed to the layer before fitting
	Input  []float64 // input after fitting to the layer's In width
	Pre    []float64 // W·input
	Post   []float64 // activation(Pre)
	Out    []float64 // layer output before normalization (Post, plus Input when residual)
	Norm   float64   // ‖Out‖ when the layer normalizes
	Result []float64 // what the layer handed to the next stage
}

// ActivationCache holds the intermediate activations of one forward pass.
// It belongs to a single training step and is discarded after backward.
type ActivationCache struct {
	InputLen  int
	Attention *AttentionRecord
	StackIn   []float64
	Layers    []LayerRecord
	StackOut  []float64
	FinalNorm float64
	Output    []float64
	// Degenerate is set when the stack produced a zero vector and the
	// output fell back to the normalized input; no gradient flows then.
	Degenerate bool
}

// Forward runs the transform without keeping activations.
func (m *Model) Forward(input []float64, graph *Graph) []float64 {
	out, _ := m.forward(input, graph, false)
	return out
}

// ForwardCached runs the transform and returns the activation cache needed
// by the gradient engine.
func (m *Model) ForwardCached(input []float64, graph *Graph) ([]float64, *ActivationCache) {
	return m.forward(input, graph, true)
}

func (m *Model) forward(input []float64, graph *Graph, keep bool) ([]float64, *ActivationCache) {
	var cache *ActivationCache
	if keep {
		cache = &ActivationCache{InputLen: len(input)}
	}

	x := Fit(input, m.Dim)
	sanitize(x)
	center := x

	if !graph.Empty() {
		pruned := graph.Prune(m.MaxGraphNodes)
		nodes := make([]GraphNode, len(pruned.Nodes))
		for i, n := range pruned.Nodes {
			emb := Fit(n.Embedding, m.Dim)
			sanitize(emb)
			nodes[i] = GraphNode{ID: n.ID, Embedding: emb}
		}
		var rec *AttentionRecord
		x, rec = attend(x, nodes, m.Dim, m.AttentionBlend)
		if keep {
			cache.Attention = rec
		}
	}
	if keep {
		cache.StackIn = append([]float64(nil), x...)
	}

	for i, spec := range m.Layers {
		w := m.Weights[i]
		srcLen := len(x)
		in := Fit(x, spec.In)

		pre := w.MulVec(in)
		post := make([]float64, len(pre))
		for j, z := range pre {
			post[j] = spec.Activation.Apply(z)
		}

		out := append([]float64(nil), post...)
		if spec.residual() {
			floats.Add(out, in)
		}

		result := out
		var norm float64
		if spec.Normalize {
			result = append([]float64(nil), out...)
			norm = Normalize(result)
		}

		if keep {
			cache.Layers = append(cache.Layers, LayerRecord{
				SrcLen: srcLen,
				Input:  in,
				Pre:    pre,
				Post:   post,
				Out:    out,
				Norm:   norm,
				Result: result,
			})
		}
		x = result
	}

	stackOut := Fit(x, m.Dim)
	output := append([]float64(nil), stackOut...)
	norm := Normalize(output)
	degenerate := false
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		output = fallback(center)
		degenerate = true
	}

	if keep {
		cache.StackOut = stackOut
		cache.FinalNorm = norm
		cache.Output = output
		cache.Degenerate = degenerate
	}
	return output, cache
}

// fallback returns the normalized center, or the first basis vector when the
// center is zero, so callers always get a unit vector of the right width.
func fallback(center []float64) []float64 {
	out := append([]float64(nil), center...)
	if Normalize(out) == 0 && len(out) > 0 {
		out[0] = 1
	}
	return out
}

// Fallback is the explicit degraded result for an input: fitted to dim,
// non-finite values zeroed, unit-normalized.
func Fallback(input []float64, dim int) []float64 {
	x := Fit(input, dim)
	sanitize(x)
	return fallback(x)
}

// sanitize zeroes non-finite values in place and returns how many it touched.
func sanitize(vec []float64) int {
	n := 0
	for i, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			vec[i] = 0
			n++
		}
	}
	return n
}
