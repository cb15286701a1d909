// Package optim holds the parameter update rule (Adam) and the continual
// learning regularizer (elastic weight consolidation).
package optim

import (
	"errors"
	"fmt"
	"math"

	"github.com/lazypower/attune/internal/transform"
)

// ErrDiverged is returned when an update would write a non-finite weight.
var ErrDiverged = errors.New("optimizer diverged")

// Moments is the Adam state shadowing one weight tensor.
type Moments struct {
	M    []float64 `json:"m"`
	V    []float64 `json:"v"`
	Step int       `json:"step"`
}

func (m *Moments) clone() *Moments {
	return &Moments{
		M:    append([]float64(nil), m.M...),
		V:    append([]float64(nil), m.V...),
		Step: m.Step,
	}
}

// Adam keeps per-tensor first and second moment estimates.
type Adam struct {
	Beta1   float64
	Beta2   float64
	Epsilon float64
	state   map[string]*Moments
}

// NewAdam creates an optimizer with the given decay rates.
func NewAdam(beta1, beta2, eps float64) *Adam {
	return &Adam{
		Beta1:   beta1,
		Beta2:   beta2,
		Epsilon: eps,
		state:   make(map[string]*Moments),
	}
}

// Step applies one bias-corrected Adam update to w. The step counter for
// the tensor increments once per call. If any updated value would be
// non-finite, nothing is written and ErrDiverged is returned.
func (a *Adam) Step(w *transform.WeightTensor, grad []float64, lr float64) error {
	if len(grad) != len(w.Data) {
		return fmt.Errorf("adam step %s: gradient has %d values, tensor %d", w.Name, len(grad), len(w.Data))
	}

	st := a.state[w.Name]
	if st == nil || len(st.M) != len(w.Data) {
		st = &Moments{M: make([]float64, len(w.Data)), V: make([]float64, len(w.Data))}
		a.state[w.Name] = st
	}

	t := st.Step + 1
	b1, b2 := a.Beta1, a.Beta2
	b1Corr := 1 - math.Pow(b1, float64(t))
	b2Corr := 1 - math.Pow(b2, float64(t))

	m := make([]float64, len(w.Data))
	v := make([]float64, len(w.Data))
	next := make([]float64, len(w.Data))
	for j, g := range grad {
		m[j] = b1*st.M[j] + (1-b1)*g
		v[j] = b2*st.V[j] + (1-b2)*g*g
		mhat := m[j] / b1Corr
		vhat := v[j] / b2Corr
		next[j] = w.Data[j] - lr*mhat/(math.Sqrt(vhat)+a.Epsilon)
		if math.IsNaN(next[j]) || math.IsInf(next[j], 0) {
			return fmt.Errorf("adam step %s[%d]: %w", w.Name, j, ErrDiverged)
		}
	}

	st.M, st.V, st.Step = m, v, t
	copy(w.Data, next)
	w.Version++
	return nil
}

// StepCount returns how many updates the named tensor has received.
func (a *Adam) StepCount(name string) int {
	if st := a.state[name]; st != nil {
		return st.Step
	}
	return 0
}

// Moments returns the state for the named tensor, or nil.
func (a *Adam) Moments(name string) *Moments {
	return a.state[name]
}

// Snapshot returns a deep copy of all optimizer state.
func (a *Adam) Snapshot() map[string]*Moments {
	out := make(map[string]*Moments, len(a.state))
	for k, st := range a.state {
		out[k] = st.clone()
	}
	return out
}

// Restore replaces all optimizer state with a deep copy of snap.
func (a *Adam) Restore(snap map[string]*Moments) {
	a.state = make(map[string]*Moments, len(snap))
	for k, st := range snap {
		a.state[k] = st.clone()
	}
}
