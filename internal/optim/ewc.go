package optim

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/lazypower/attune/internal/persist"
	"github.com/lazypower/attune/internal/transform"
)

// EWCFileVersion is the format version of the Fisher/optimal-weights file.
const EWCFileVersion = 1

type ewcFile struct {
	Version   int                  `json:"version"`
	Timestamp time.Time            `json:"timestamp"`
	Tasks     int                  `json:"tasks"`
	Fisher    map[string][]float64 `json:"fisher"`
	Optimal   map[string][]float64 `json:"optimal"`
}

// Accumulator is the running sum of squared gradients since the last
// completed task.
type Accumulator struct {
	SumSq map[string][]float64 `json:"sum_sq"`
	Count int                  `json:"count"`
}

func (a Accumulator) clone() Accumulator {
	out := Accumulator{SumSq: make(map[string][]float64, len(a.SumSq)), Count: a.Count}
	for k, v := range a.SumSq {
		out.SumSq[k] = append([]float64(nil), v...)
	}
	return out
}

// EWC pulls important weights back toward the values they had when the
// last task completed. Importance is the Fisher diagonal, estimated as the
// mean squared gradient seen since the previous task boundary.
type EWC struct {
	Lambda float64

	mu      sync.Mutex
	path    string
	tasks   int
	fisher  map[string][]float64
	optimal map[string][]float64
	acc     Accumulator
}

// NewEWC creates an empty regularizer persisting to path. An empty path
// keeps everything in memory.
func NewEWC(lambda float64, path string) *EWC {
	return &EWC{
		Lambda:  lambda,
		path:    path,
		fisher:  make(map[string][]float64),
		optimal: make(map[string][]float64),
		acc:     Accumulator{SumSq: make(map[string][]float64)},
	}
}

// Load reads persisted Fisher and optimal weights. A missing file is not an
// error. A file with a different version is skipped and the regularizer
// stays empty; the returned error wraps persist.ErrVersionMismatch.
func (e *EWC) Load() error {
	if e.path == "" {
		return nil
	}
	var f ewcFile
	err := persist.ReadJSON(e.path, EWCFileVersion, &f)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ewc state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = f.Tasks
	if f.Fisher != nil {
		e.fisher = f.Fisher
	}
	if f.Optimal != nil {
		e.optimal = f.Optimal
	}
	return nil
}

// Accumulate folds one batch's weight gradients into the squared-gradient
// history.
func (e *EWC) Accumulate(grads map[string][]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, g := range grads {
		sum := e.acc.SumSq[name]
		if len(sum) != len(g) {
			sum = make([]float64, len(g))
			e.acc.SumSq[name] = sum
		}
		for j, v := range g {
			sum[j] += v * v
		}
	}
	e.acc.Count++
}

// Apply pulls each tensor toward its anchor: w -= λ·F·(w − w*). The
// per-parameter coefficient is clamped to [0, 1] so the pull never
// overshoots the anchor. Tensors without both a Fisher entry and an anchor
// are left untouched.
func (e *EWC) Apply(m *transform.Model) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, w := range m.Weights {
		f, ok := e.fisher[w.Name]
		opt, ok2 := e.optimal[w.Name]
		if !ok || !ok2 || len(f) != len(w.Data) || len(opt) != len(w.Data) {
			continue
		}
		for j := range w.Data {
			c := e.Lambda * f[j]
			if c > 1 {
				c = 1
			} else if c < 0 {
				c = 0
			}
			w.Data[j] -= c * (w.Data[j] - opt[j])
		}
	}
}

// Penalty returns (λ/2)·Σ F·(w − w*)², the quadratic cost EWC minimizes.
func (e *EWC) Penalty(m *transform.Model) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var p float64
	for _, w := range m.Weights {
		f, ok := e.fisher[w.Name]
		opt, ok2 := e.optimal[w.Name]
		if !ok || !ok2 || len(f) != len(w.Data) || len(opt) != len(w.Data) {
			continue
		}
		for j := range w.Data {
			d := w.Data[j] - opt[j]
			p += f[j] * d * d
		}
	}
	return e.Lambda / 2 * p
}

// CompleteTask marks a task boundary: the Fisher diagonal becomes the mean
// squared gradient accumulated since the last boundary, the current weights
// become the new anchor, the history is cleared, and both are written to
// disk before returning. With no accumulated history the previous Fisher
// estimate is kept.
func (e *EWC) CompleteTask(m *transform.Model) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.acc.Count > 0 {
		fisher := make(map[string][]float64, len(e.acc.SumSq))
		for name, sum := range e.acc.SumSq {
			f := make([]float64, len(sum))
			for j, s := range sum {
				f[j] = s / float64(e.acc.Count)
			}
			fisher[name] = f
		}
		e.fisher = fisher
	}

	optimal := make(map[string][]float64, len(m.Weights))
	for _, w := range m.Weights {
		optimal[w.Name] = append([]float64(nil), w.Data...)
	}
	e.optimal = optimal
	e.acc = Accumulator{SumSq: make(map[string][]float64)}
	e.tasks++

	if e.path == "" {
		return nil
	}
	f := ewcFile{
		Version:   EWCFileVersion,
		Timestamp: time.Now().UTC(),
		Tasks:     e.tasks,
		Fisher:    e.fisher,
		Optimal:   e.optimal,
	}
	if err := persist.WriteJSON(e.path, f); err != nil {
		return fmt.Errorf("persist ewc state: %w", err)
	}
	log.Printf("ewc: task %d consolidated (%d tensors)", e.tasks, len(e.optimal))
	return nil
}

// Tasks returns the number of completed tasks.
func (e *EWC) Tasks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks
}

// Empty reports whether no task has been consolidated yet.
func (e *EWC) Empty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.fisher) == 0 && len(e.optimal) == 0
}

// Accumulated returns a copy of the squared-gradient history.
func (e *EWC) Accumulated() Accumulator {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc.clone()
}

// SetAccumulated replaces the squared-gradient history, used when a
// checkpoint is resumed or a partial epoch is discarded.
func (e *EWC) SetAccumulated(a Accumulator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a.SumSq == nil {
		a.SumSq = make(map[string][]float64)
	}
	e.acc = a.clone()
}
