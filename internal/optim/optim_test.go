package optim

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/lazypower/attune/internal/persist"
	"github.com/lazypower/attune/internal/transform"
)

func testModel(t *testing.T) *transform.Model {
	t.Helper()
	m, err := transform.New(4, []transform.LayerSpec{
		transform.NewLayerSpec(4, 4, transform.Tanh, false),
		transform.NewLayerSpec(4, 2, transform.Sigmoid, false),
	}, 0, 0, 1, 42)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestAdamStepCounter(t *testing.T) {
	w := transform.NewWeightTensor("w", 2, 3)
	a := NewAdam(0.9, 0.999, 1e-8)
	grad := []float64{0.5, -1, 2, 0, 1e-3, -7}

	const n = 25
	for i := 0; i < n; i++ {
		if err := a.Step(w, grad, 1e-3); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}
	if got := a.StepCount("w"); got != n {
		t.Errorf("StepCount = %d, want %d", got, n)
	}
	if w.Version != n {
		t.Errorf("tensor version = %d, want %d", w.Version, n)
	}
	st := a.Moments("w")
	for j := range st.M {
		if math.IsNaN(st.M[j]) || math.IsInf(st.M[j], 0) || math.IsNaN(st.V[j]) || math.IsInf(st.V[j], 0) {
			t.Fatalf("non-finite moment at %d: m=%v v=%v", j, st.M[j], st.V[j])
		}
	}
}

func TestAdamFirstStepIsLearningRate(t *testing.T) {
	// With bias correction the first update is lr·sign(g) (up to ε).
	w := transform.NewWeightTensor("w", 1, 2)
	a := NewAdam(0.9, 0.999, 1e-8)
	if err := a.Step(w, []float64{3, -0.25}, 0.01); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if math.Abs(w.Data[0]+0.01) > 1e-8 || math.Abs(w.Data[1]-0.01) > 1e-8 {
		t.Errorf("weights after first step = %v, want [-0.01 0.01]", w.Data)
	}
}

func TestAdamRejectsNonFinite(t *testing.T) {
	w := transform.NewWeightTensor("w", 1, 2)
	a := NewAdam(0.9, 0.999, 1e-8)
	err := a.Step(w, []float64{math.NaN(), 1}, 0.1)
	if !errors.Is(err, ErrDiverged) {
		t.Fatalf("err = %v, want ErrDiverged", err)
	}
	if w.Data[0] != 0 || w.Data[1] != 0 || a.StepCount("w") != 0 {
		t.Error("diverged step modified state")
	}
	if err := a.Step(w, []float64{1}, 0.1); err == nil {
		t.Error("expected error for gradient length mismatch")
	}
}

func TestAdamSnapshotRestore(t *testing.T) {
	w := transform.NewWeightTensor("w", 1, 1)
	a := NewAdam(0.9, 0.999, 1e-8)
	a.Step(w, []float64{1}, 0.1)
	snap := a.Snapshot()
	a.Step(w, []float64{1}, 0.1)
	a.Restore(snap)
	if a.StepCount("w") != 1 {
		t.Errorf("StepCount after restore = %d, want 1", a.StepCount("w"))
	}
	snap["w"].Step = 99
	if a.StepCount("w") != 1 {
		t.Error("restore shares state with the snapshot")
	}
}

func TestEWCNoOpWhenEmpty(t *testing.T) {
	m := testModel(t)
	before := m.Clone()
	e := NewEWC(1000, "")
	e.Apply(m)
	for i, w := range m.Weights {
		for j := range w.Data {
			if w.Data[j] != before.Weights[i].Data[j] {
				t.Fatalf("%s[%d] changed with empty regularizer", w.Name, j)
			}
		}
	}
	if p := e.Penalty(m); p != 0 {
		t.Errorf("Penalty = %v, want 0", p)
	}
}

func TestEWCPullsTowardAnchor(t *testing.T) {
	m := testModel(t)
	e := NewEWC(10, "")
	grads := make(map[string][]float64)
	for _, w := range m.Weights {
		g := make([]float64, len(w.Data))
		for j := range g {
			g[j] = 0.1
		}
		grads[w.Name] = g
	}
	e.Accumulate(grads)
	e.Accumulate(grads)
	if err := e.CompleteTask(m); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if e.Accumulated().Count != 0 {
		t.Error("history not cleared on task completion")
	}

	anchor := m.Clone()
	for _, w := range m.Weights {
		for j := range w.Data {
			w.Data[j] += 1
		}
	}
	e.Apply(m)

	// F = 0.01, λ = 10 → coefficient 0.1: distance 1 shrinks to 0.9
	for i, w := range m.Weights {
		for j := range w.Data {
			d := w.Data[j] - anchor.Weights[i].Data[j]
			if math.Abs(d-0.9) > 1e-9 {
				t.Fatalf("%s[%d] distance = %v, want 0.9", w.Name, j, d)
			}
		}
	}
	if p := e.Penalty(m); p <= 0 {
		t.Errorf("Penalty = %v, want > 0 away from the anchor", p)
	}
}

func TestEWCCoefficientClamped(t *testing.T) {
	m := testModel(t)
	e := NewEWC(1e9, "")
	grads := map[string][]float64{}
	for _, w := range m.Weights {
		g := make([]float64, len(w.Data))
		for j := range g {
			g[j] = 1
		}
		grads[w.Name] = g
	}
	e.Accumulate(grads)
	anchor := m.Clone()
	e.CompleteTask(m)
	for _, w := range m.Weights {
		for j := range w.Data {
			w.Data[j] += 5
		}
	}
	e.Apply(m)
	for i, w := range m.Weights {
		for j := range w.Data {
			if math.Abs(w.Data[j]-anchor.Weights[i].Data[j]) > 1e-12 {
				t.Fatalf("clamped pull should land exactly on the anchor, got %v want %v",
					w.Data[j], anchor.Weights[i].Data[j])
			}
		}
	}
}

func TestEWCCompleteTaskPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ewc.json")
	m := testModel(t)

	e := NewEWC(5, path)
	e.Accumulate(map[string][]float64{m.Weights[0].Name: make([]float64, len(m.Weights[0].Data))})
	if err := e.CompleteTask(m); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("ewc file not written before return: %v", err)
	}

	loaded := NewEWC(5, path)
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Tasks() != 1 || loaded.Empty() {
		t.Errorf("loaded tasks=%d empty=%v", loaded.Tasks(), loaded.Empty())
	}
}

func TestEWCLoadVersionMismatchStartsCold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ewc.json")
	if err := persist.WriteJSON(path, map[string]any{"version": EWCFileVersion + 1}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	e := NewEWC(5, path)
	err := e.Load()
	if !errors.Is(err, persist.ErrVersionMismatch) {
		t.Fatalf("Load err = %v, want version mismatch", err)
	}
	if !e.Empty() {
		t.Error("regularizer not empty after rejected load")
	}

	missing := NewEWC(5, filepath.Join(t.TempDir(), "none.json"))
	if err := missing.Load(); err != nil {
		t.Errorf("Load of missing file: %v", err)
	}
}
