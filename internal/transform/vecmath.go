package transform

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Fit returns a copy of vec padded with zeros or truncated to exactly n
// elements. It never fails; mismatched widths are the caller's problem to
// log, not to crash on.
func Fit(vec []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, vec)
	return out
}

// Norm returns the L2 norm of vec.
func Norm(vec []float64) float64 {
	if len(vec) == 0 {
		return 0
	}
	return floats.Norm(vec, 2)
}

// Normalize performs in-place L2 normalization and returns the original norm.
// A zero vector is left untouched.
func Normalize(vec []float64) float64 {
	n := Norm(vec)
	if n == 0 {
		return 0
	}
	floats.Scale(1/n, vec)
	return n
}

// CosineSimilarity computes the cosine similarity between two vectors.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	denom := floats.Norm(a, 2) * floats.Norm(b, 2)
	if denom == 0 {
		return 0
	}
	return floats.Dot(a, b) / denom
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	return floats.Distance(a, b, 2)
}

// Finite reports whether every element of vec is a finite number.
func Finite(vec []float64) bool {
	for _, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// NormalizeBackward maps the gradient g of y = x/‖x‖ back to x, given the
// normalized output y and the pre-normalization norm.
func NormalizeBackward(y []float64, norm float64, g []float64) []float64 {
	out := make([]float64, len(g))
	if norm == 0 {
		copy(out, g)
		return out
	}
	dot := floats.Dot(y, g)
	for i := range out {
		out[i] = (g[i] - y[i]*dot) / norm
	}
	return out
}
