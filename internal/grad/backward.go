// Package grad computes gradients for the transform by walking one forward
// pass's activation cache in reverse. Each layer kind has its own explicit
// backward rule; there is no general computation graph.
package grad

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/lazypower/attune/internal/transform"
)

// ErrCacheMismatch is returned when the activation cache was not produced by
// the model it is being differentiated against.
var ErrCacheMismatch = errors.New("activation cache does not match model")

// Gradients is the result of one backward pass.
type Gradients struct {
	// Weights maps tensor name to a gradient of the same shape (row-major).
	Weights map[string][]float64
	// Input is the gradient with respect to the raw input embedding.
	Input []float64
	// Center and Neighbors are set when the pass went through attention.
	Center    []float64
	Neighbors [][]float64
	// Sanitized counts non-finite values that were zeroed.
	Sanitized int
	// Norm is the global weight-gradient L2 norm before clipping.
	Norm float64
	// ClipScale is the factor applied by clipping (1 when not clipped).
	ClipScale float64
}

// Backward propagates gradOut (the loss gradient with respect to the model's
// output) through the cached forward pass. Weight gradients are clipped to a
// global L2 norm of maxNorm when maxNorm > 0.
func Backward(m *transform.Model, cache *transform.ActivationCache, gradOut []float64, maxNorm float64) (*Gradients, error) {
	if cache == nil || len(cache.Layers) != len(m.Layers) {
		return nil, ErrCacheMismatch
	}

	out := &Gradients{
		Weights:   make(map[string][]float64, len(m.Weights)),
		ClipScale: 1,
	}
	for _, w := range m.Weights {
		out.Weights[w.Name] = make([]float64, len(w.Data))
	}

	if cache.Degenerate {
		// The output did not depend on the weights; nothing to learn.
		out.Input = make([]float64, cache.InputLen)
		return out, nil
	}

	g := transform.Fit(gradOut, m.Dim)
	out.Sanitized += zeroNonFinite(g)

	// Final unit normalization, then undo the fit to Dim.
	g = transform.NormalizeBackward(cache.Output, cache.FinalNorm, g)
	lastLen := len(cache.StackIn)
	if n := len(cache.Layers); n > 0 {
		lastLen = len(cache.Layers[n-1].Result)
	}
	g = transform.Fit(g, lastLen)

	for l := len(m.Layers) - 1; l >= 0; l-- {
		g = layerBackward(m.Layers[l], m.Weights[l], &cache.Layers[l], g, out.Weights[m.Weights[l].Name])
	}

	if att := cache.Attention; att != nil {
		g, out.Neighbors = attentionBackward(att, g)
		out.Center = append([]float64(nil), g...)
	}
	out.Input = transform.Fit(g, cache.InputLen)

	out.Sanitized += zeroNonFinite(out.Input)
	out.Sanitized += zeroNonFinite(out.Center)
	for _, nb := range out.Neighbors {
		out.Sanitized += zeroNonFinite(nb)
	}
	for _, wg := range out.Weights {
		out.Sanitized += zeroNonFinite(wg)
	}

	out.Norm, out.ClipScale = ClipGlobal(out.Weights, maxNorm)
	return out, nil
}

// layerBackward applies one layer's backward rule. It accumulates the weight
// gradient into dW and returns the gradient for the previous stage.
func layerBackward(spec transform.LayerSpec, w *transform.WeightTensor, rec *transform.LayerRecord, g []float64, dW []float64) []float64 {
	if spec.Normalize {
		g = transform.NormalizeBackward(rec.Result, rec.Norm, g)
	}

	gz := make([]float64, len(rec.Pre))
	for j, z := range rec.Pre {
		gz[j] = g[j] * spec.Activation.Derivative(z)
	}

	// dW = gz ⊗ input
	outer := mat.NewDense(w.Rows, w.Cols, nil)
	outer.Outer(1, mat.NewVecDense(len(gz), gz), mat.NewVecDense(len(rec.Input), rec.Input))
	floats.Add(dW, outer.RawMatrix().Data)

	gIn := w.MulVecT(gz)
	if spec.Residual && spec.In == spec.Out {
		// Identity shortcut: the incoming gradient passes through unchanged.
		floats.Add(gIn, g)
	}
	return transform.Fit(gIn, rec.SrcLen)
}

// attentionBackward distributes the gradient of the blended attention output
// back to the center (query) and to every neighbor (key and value).
func attentionBackward(att *transform.AttentionRecord, g []float64) ([]float64, [][]float64) {
	dim := len(g)
	gCenter := make([]float64, dim)
	floats.AddScaled(gCenter, 1-att.Blend, g)

	gAgg := make([]float64, dim)
	floats.AddScaled(gAgg, att.Blend, g)

	n := len(att.Neighbors)
	gNeighbors := make([][]float64, n)
	dWeights := make([]float64, n)
	for i, nb := range att.Neighbors {
		// value path: aggregate = Σ w_i n_i
		dWeights[i] = floats.Dot(gAgg, nb)
		gNeighbors[i] = make([]float64, dim)
		floats.AddScaled(gNeighbors[i], att.Weights[i], gAgg)
	}

	dScores := SoftmaxBackward(att.Weights, dWeights)
	for i, nb := range att.Neighbors {
		// score path: s_i = scale * (center · n_i)
		floats.AddScaled(gCenter, dScores[i]*att.Scale, nb)
		floats.AddScaled(gNeighbors[i], dScores[i]*att.Scale, att.Center)
	}
	return gCenter, gNeighbors
}

// SoftmaxBackward applies the softmax Jacobian: given the softmax output w
// and the gradient dw with respect to it, returns the gradient with respect
// to the scores, ds_i = w_i (dw_i − Σ_j w_j dw_j).
func SoftmaxBackward(w, dw []float64) []float64 {
	ds := make([]float64, len(w))
	if len(w) == 0 {
		return ds
	}
	dot := floats.Dot(w, dw)
	for i := range w {
		ds[i] = w[i] * (dw[i] - dot)
	}
	return ds
}

// ClipGlobal rescales every gradient so that their joint L2 norm is at most
// maxNorm. It returns the norm before clipping and the scale applied.
func ClipGlobal(grads map[string][]float64, maxNorm float64) (float64, float64) {
	var sq float64
	for _, g := range grads {
		for _, v := range g {
			sq += v * v
		}
	}
	norm := math.Sqrt(sq)
	if maxNorm <= 0 || norm <= maxNorm || norm == 0 {
		return norm, 1
	}
	scale := maxNorm / norm
	for _, g := range grads {
		floats.Scale(scale, g)
	}
	return norm, scale
}

// zeroNonFinite replaces NaN and ±Inf with zero and returns how many it
// replaced. A single degenerate sample must not poison the optimizer.
func zeroNonFinite(vec []float64) int {
	n := 0
	for i, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			vec[i] = 0
			n++
		}
	}
	return n
}
