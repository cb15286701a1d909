// Package trainer runs the epoch loop: shuffle, batch, forward with caching,
// contrastive loss, backward, EWC, Adam, and per-epoch bookkeeping with
// validation, early stopping and checkpoints.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lazypower/attune/internal/config"
	"github.com/lazypower/attune/internal/grad"
	"github.com/lazypower/attune/internal/objective"
	"github.com/lazypower/attune/internal/optim"
	"github.com/lazypower/attune/internal/parallel"
	"github.com/lazypower/attune/internal/store"
	"github.com/lazypower/attune/internal/transform"
)

// ErrInvalidBatch is returned when a run is started without usable samples.
var ErrInvalidBatch = errors.New("invalid training batch")

// State is a position in the trainer's state machine.
type State string

const (
	StateIdle          State = "idle"
	StateRunningBatch  State = "running-batch"
	StateRunningEpoch  State = "running-epoch"
	StateValidating    State = "validating"
	StateImproved      State = "improved"
	StateNoImprovement State = "no-improvement"
	StateStoppedEarly  State = "stopped-early"
	StateCancelled     State = "cancelled"
)

// Sample is one labelled embedding.
type Sample struct {
	Embedding []float64
	Quality   float64
}

// EventKind names a trainer progress event.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventBatch    EventKind = "batch"
	EventEpoch    EventKind = "epoch"
)

// Event reports training progress to the controller.
type Event struct {
	Kind           EventKind
	State          State
	Epoch          int // 1-based within the run
	Epochs         int
	Batch          int
	Batches        int
	Loss           float64
	ValLoss        float64
	LearningRate   float64
	ActiveFraction float64
	Improved       bool
}

// Control lets the owner of a run observe it and stop it between batches.
type Control interface {
	// Yield is called before every batch and once more before an epoch is
	// committed. Returning true cancels the run.
	Yield(epoch, batch int) bool
	Emit(Event)
}

// HistorySink receives the records of each completed epoch.
type HistorySink interface {
	AppendRecords(ctx context.Context, records []store.TrainingRecord) error
}

// Result summarizes a finished run.
type Result struct {
	RunID           string
	Model           *transform.Model
	EpochsCompleted int
	Batches         int
	FinalLoss       float64
	BestValLoss     float64
	StoppedEarly    bool
	Cancelled       bool
	Duration        time.Duration
}

// Trainer owns the optimizer and regularizer across runs. Run and Commit
// are serialized; State and Epoch may be read concurrently.
type Trainer struct {
	cfg     config.TrainingConfig
	adam    *optim.Adam
	ewc     *optim.EWC
	history HistorySink
	ckpt    string

	// epoch is the global epoch counter used to number history records.
	epoch atomic.Int64
	rng   *rand.Rand
	pcg   *rand.PCG

	runMu sync.Mutex
	last  runSummary

	mu    sync.Mutex
	state State
}

// runSummary is what the last finished run leaves for Commit.
type runSummary struct {
	runID string
	best  float64
	since int
	lr    float64
}

// snapshot is the optimizer, regularizer and shuffle state at a boundary.
type snapshot struct {
	adam  map[string]*optim.Moments
	acc   optim.Accumulator
	tasks int
	rng   []byte
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithHistory sends completed epochs' records to sink.
func WithHistory(sink HistorySink) Option {
	return func(t *Trainer) { t.history = sink }
}

// WithCheckpoint saves checkpoints to path.
func WithCheckpoint(path string) Option {
	return func(t *Trainer) { t.ckpt = path }
}

// WithSeed makes shuffling deterministic.
func WithSeed(seed uint64) Option {
	return func(t *Trainer) {
		t.pcg = rand.NewPCG(seed, seed^0xda942042e4dd58b5)
		t.rng = rand.New(t.pcg)
	}
}

// WithEpochBase sets the global epoch counter, so new records continue the
// numbering of existing history.
func WithEpochBase(epoch int) Option {
	return func(t *Trainer) { t.epoch.Store(int64(epoch)) }
}

// New creates a trainer. ewc may be shared with the engine, which triggers
// task completion.
func New(cfg config.TrainingConfig, ewc *optim.EWC, opts ...Option) *Trainer {
	t := &Trainer{
		cfg:   cfg,
		adam:  optim.NewAdam(cfg.Beta1, cfg.Beta2, cfg.Epsilon),
		ewc:   ewc,
		state: StateIdle,
		last:  runSummary{best: math.Inf(1), lr: cfg.LearningRate},
	}
	WithSeed(uint64(time.Now().UnixNano()))(t)
	for _, o := range opts {
		o(t)
	}
	return t
}

// State returns the current state.
func (t *Trainer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Trainer) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Adam exposes the optimizer, mainly for inspection in tests.
func (t *Trainer) Adam() *optim.Adam { return t.adam }

// Epoch returns the global epoch counter.
func (t *Trainer) Epoch() int { return int(t.epoch.Load()) }

func (t *Trainer) takeSnapshot() snapshot {
	snap := snapshot{adam: t.adam.Snapshot(), acc: t.ewc.Accumulated(), tasks: t.ewc.Tasks()}
	if rng, err := t.pcg.MarshalBinary(); err == nil {
		snap.rng = rng
	}
	return snap
}

// restore rolls optimizer state back to snap. Squared-gradient history is
// dropped instead when a task was consolidated after snap was taken, so the
// rollback never revives history that already went into the Fisher
// diagonal.
func (t *Trainer) restore(snap snapshot, withRNG bool) {
	t.adam.Restore(snap.adam)
	if t.ewc.Tasks() == snap.tasks {
		t.ewc.SetAccumulated(snap.acc)
	} else {
		t.ewc.SetAccumulated(optim.Accumulator{})
	}
	if withRNG && len(snap.rng) > 0 {
		if err := t.pcg.UnmarshalBinary(snap.rng); err != nil {
			log.Printf("trainer: restore rng: %v", err)
		}
	}
}

// Run trains a clone of base on samples. The returned model is a new value;
// base is never modified. A cancelled run returns the weights as of the last
// completed epoch with Cancelled set. A failed run rolls the optimizer,
// squared-gradient history and shuffle state back to where the run began.
//
// Checkpoints written during the run go to a staging file; the committed
// checkpoint only changes when the owner adopts the result and calls Commit.
func (t *Trainer) Run(ctx context.Context, runID string, base *transform.Model, samples []Sample, ctl Control) (*Result, error) {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	usable := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if len(s.Embedding) > 0 && !math.IsNaN(s.Quality) {
			usable = append(usable, s)
		}
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrInvalidBatch)
	}

	start := time.Now()
	runSnap := t.takeSnapshot()
	work := base.Clone()
	res := &Result{RunID: runID, Model: work, BestValLoss: math.Inf(1)}
	defer func() { res.Duration = time.Since(start) }()

	train, val := t.split(usable)
	batchSize := t.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(train)
	}

	lr := t.cfg.LearningRate
	sinceImproved := 0
	objCfg := objective.Config{
		Margin:            t.cfg.Margin,
		PositiveThreshold: t.cfg.PositiveThreshold,
		NegativeThreshold: t.cfg.NegativeThreshold,
	}

	for e := 1; e <= t.cfg.Epochs; e++ {
		t.setState(StateRunningEpoch)
		globalEpoch := t.Epoch() + 1

		// epoch-start snapshot, restored if the epoch is cancelled
		weights := work.Clone()
		epochSnap := t.takeSnapshot()

		t.shuffle(train)
		batches := partition(train, batchSize)
		ctl.Emit(Event{Kind: EventProgress, State: StateRunningEpoch, Epoch: e, Epochs: t.cfg.Epochs,
			Batches: len(batches), LearningRate: lr})

		var staged []store.TrainingRecord
		var lossSum float64
		cancelled := false
		for b, batch := range batches {
			if ctx.Err() != nil || ctl.Yield(e, b) {
				cancelled = true
				break
			}
			t.setState(StateRunningBatch)

			obj, err := t.step(work, batch, lr, objCfg)
			if err != nil {
				t.restore(runSnap, true)
				t.discardStaging()
				t.setState(StateIdle)
				return nil, fmt.Errorf("run %s epoch %d batch %d: %w", runID, e, b, err)
			}
			lossSum += obj.Loss
			staged = append(staged, store.TrainingRecord{
				RunID:          runID,
				Epoch:          globalEpoch,
				Batch:          b,
				Loss:           obj.Loss,
				LearningRate:   lr,
				SampleCount:    len(batch),
				ActiveFraction: obj.ActiveFraction,
				CreatedAt:      time.Now(),
			})
			res.Batches++
			ctl.Emit(Event{Kind: EventBatch, State: StateRunningBatch, Epoch: e, Epochs: t.cfg.Epochs,
				Batch: b, Batches: len(batches), Loss: obj.Loss, LearningRate: lr, ActiveFraction: obj.ActiveFraction})
		}

		// a cancel that arrived while the last batch was reported still
		// discards this epoch
		if !cancelled && (ctx.Err() != nil || ctl.Yield(e, len(batches))) {
			cancelled = true
		}
		if cancelled {
			work.CopyWeightsFrom(weights.Weights)
			t.restore(epochSnap, false)
			res.Batches -= len(staged)
			res.Cancelled = true
			t.setState(StateCancelled)
			log.Printf("trainer: run %s cancelled in epoch %d, keeping %d completed epochs", runID, e, res.EpochsCompleted)
			break
		}

		epochLoss := lossSum / float64(len(batches))
		valLoss := epochLoss
		if len(val) > 0 {
			t.setState(StateValidating)
			valLoss = validate(work, val, objCfg)
		}

		improved := valLoss < res.BestValLoss-t.cfg.MinDelta
		if improved {
			res.BestValLoss = valLoss
			sinceImproved = 0
			t.setState(StateImproved)
		} else {
			sinceImproved++
			t.setState(StateNoImprovement)
		}

		t.epoch.Store(int64(globalEpoch))
		res.EpochsCompleted = e
		res.FinalLoss = epochLoss

		if improved && t.ckpt != "" {
			if err := t.saveCheckpoint(t.stagingPath(), runID, work, res.BestValLoss, sinceImproved, lr*t.decay()); err != nil {
				log.Printf("trainer: checkpoint epoch %d: %v", globalEpoch, err)
			} else if len(staged) > 0 {
				staged[len(staged)-1].CheckpointPath = t.ckpt
			}
		}
		if t.history != nil {
			if err := t.history.AppendRecords(ctx, staged); err != nil {
				log.Printf("trainer: history for epoch %d: %v", globalEpoch, err)
			}
		}

		ctl.Emit(Event{Kind: EventEpoch, State: t.State(), Epoch: e, Epochs: t.cfg.Epochs,
			Batches: len(batches), Loss: epochLoss, ValLoss: valLoss, LearningRate: lr, Improved: improved})

		lr *= t.decay()
		if t.cfg.EarlyStoppingPatience > 0 && sinceImproved >= t.cfg.EarlyStoppingPatience {
			res.StoppedEarly = true
			t.setState(StateStoppedEarly)
			log.Printf("trainer: run %s stopped early after epoch %d (best val loss %.4f)", runID, e, res.BestValLoss)
			break
		}
	}

	if res.EpochsCompleted > 0 {
		t.last = runSummary{runID: runID, best: res.BestValLoss, since: sinceImproved, lr: lr}
	}
	if !res.StoppedEarly && !res.Cancelled {
		t.setState(StateIdle)
	}
	return res, nil
}

// step trains one batch and returns its objective.
func (t *Trainer) step(m *transform.Model, batch []Sample, lr float64, cfg objective.Config) (objective.Result, error) {
	n := len(batch)
	outputs := make([][]float64, n)
	caches := make([]*transform.ActivationCache, n)
	qualities := make([]float64, n)
	parallel.ForEach(n, t.cfg.Parallelism, func(i int) {
		outputs[i], caches[i] = m.ForwardCached(batch[i].Embedding, nil)
	})
	for i, s := range batch {
		qualities[i] = s.Quality
	}

	obj := objective.Contrastive(outputs, qualities, cfg)
	if obj.Empty() {
		// no active triplet: nothing to learn from this batch
		return obj, nil
	}

	perSample := make([]*grad.Gradients, n)
	errs := make([]error, n)
	parallel.ForEach(n, t.cfg.Parallelism, func(i int) {
		perSample[i], errs[i] = grad.Backward(m, caches[i], obj.Grads[i], 0)
	})

	sum := make(map[string][]float64, len(m.Weights))
	for _, w := range m.Weights {
		sum[w.Name] = make([]float64, len(w.Data))
	}
	for i, g := range perSample {
		if errs[i] != nil {
			return obj, fmt.Errorf("backward: %w", errs[i])
		}
		for name, wg := range g.Weights {
			acc := sum[name]
			for j, v := range wg {
				acc[j] += v
			}
		}
	}
	grad.ClipGlobal(sum, t.cfg.MaxGradNorm)

	t.ewc.Accumulate(sum)
	for _, w := range m.Weights {
		if err := t.adam.Step(w, sum[w.Name], lr); err != nil {
			return obj, err
		}
	}
	t.ewc.Apply(m)
	return obj, nil
}

// validate computes the objective on held-out samples without updating.
func validate(m *transform.Model, val []Sample, cfg objective.Config) float64 {
	outputs := make([][]float64, len(val))
	qualities := make([]float64, len(val))
	for i, s := range val {
		outputs[i] = m.Forward(s.Embedding, nil)
		qualities[i] = s.Quality
	}
	return objective.Contrastive(outputs, qualities, cfg).Loss
}

// split holds out ValidationSplit of the samples after a shuffle. Both sides
// keep at least one sample; otherwise everything trains.
func (t *Trainer) split(samples []Sample) (train, val []Sample) {
	all := append([]Sample(nil), samples...)
	t.shuffle(all)
	nVal := int(float64(len(all)) * t.cfg.ValidationSplit)
	if nVal <= 0 || nVal >= len(all) {
		return all, nil
	}
	return all[nVal:], all[:nVal]
}

// shuffle is an in-place Fisher–Yates shuffle.
func (t *Trainer) shuffle(s []Sample) {
	for i := len(s) - 1; i > 0; i-- {
		j := t.rng.IntN(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}

func (t *Trainer) decay() float64 {
	if t.cfg.LRDecay <= 0 {
		return 1
	}
	return t.cfg.LRDecay
}

func partition(s []Sample, size int) [][]Sample {
	var out [][]Sample
	for i := 0; i < len(s); i += size {
		end := i + size
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[i:end])
	}
	return out
}
