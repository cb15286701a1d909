// Package objective implements the triplet contrastive loss used to train
// the transform from quality-labelled trajectories.
package objective

import (
	"gonum.org/v1/gonum/floats"
)

// Config holds the pool thresholds and the triplet margin.
type Config struct {
	Margin            float64
	PositiveThreshold float64 // quality >= this is positive
	NegativeThreshold float64 // quality < this is negative
}

// Result is the loss for one batch plus per-sample output gradients.
type Result struct {
	Loss           float64
	Triplets       int
	Active         int
	ActiveFraction float64
	Positives      int
	Negatives      int
	// Grads[i] is dLoss/dOutputs[i]. Samples in neither pool get zeros.
	Grads [][]float64
}

// Empty reports whether the batch carried no learning signal: either no
// triplets could be formed or none of them were active.
func (r Result) Empty() bool {
	return r.Active == 0
}

// Contrastive scores a batch. The query is the centroid of the outputs and
// is treated as a constant for the gradient. Every (positive, negative)
// pair forms a triplet with loss max(0, ‖q−p‖ − ‖q−n‖ + margin); the batch
// loss is the mean over triplets. A batch with no positives or no negatives
// has zero triplets and zero loss.
func Contrastive(outputs [][]float64, qualities []float64, cfg Config) Result {
	res := Result{Grads: make([][]float64, len(outputs))}
	if len(outputs) == 0 {
		return res
	}
	dim := len(outputs[0])
	for i := range res.Grads {
		res.Grads[i] = make([]float64, len(outputs[i]))
	}

	var pos, neg []int
	for i, q := range qualities {
		if i >= len(outputs) || len(outputs[i]) != dim {
			continue
		}
		switch {
		case q >= cfg.PositiveThreshold:
			pos = append(pos, i)
		case q < cfg.NegativeThreshold:
			neg = append(neg, i)
		}
	}
	res.Positives, res.Negatives = len(pos), len(neg)
	res.Triplets = len(pos) * len(neg)
	if res.Triplets == 0 {
		return res
	}

	query := Centroid(outputs, dim)

	// distances and unit directions from the query, computed once per sample
	dist := make(map[int]float64, len(pos)+len(neg))
	dir := make(map[int][]float64, len(pos)+len(neg))
	for _, i := range append(append([]int(nil), pos...), neg...) {
		d := make([]float64, dim)
		floats.SubTo(d, outputs[i], query)
		n := floats.Norm(d, 2)
		dist[i] = n
		if n > 0 {
			floats.Scale(1/n, d)
		}
		dir[i] = d
	}

	scale := 1 / float64(res.Triplets)
	for _, p := range pos {
		for _, n := range neg {
			l := dist[p] - dist[n] + cfg.Margin
			if l <= 0 {
				continue
			}
			res.Active++
			res.Loss += l
			// d‖q−p‖/dp = (p−q)/‖p−q‖; the negative term enters with a minus
			floats.AddScaled(res.Grads[p], scale, dir[p])
			floats.AddScaled(res.Grads[n], -scale, dir[n])
		}
	}
	res.Loss *= scale
	res.ActiveFraction = float64(res.Active) / float64(res.Triplets)
	return res
}

// Centroid returns the mean of the vectors that have length dim.
func Centroid(vecs [][]float64, dim int) []float64 {
	c := make([]float64, dim)
	n := 0
	for _, v := range vecs {
		if len(v) != dim {
			continue
		}
		floats.Add(c, v)
		n++
	}
	if n > 0 {
		floats.Scale(1/float64(n), c)
	}
	return c
}
