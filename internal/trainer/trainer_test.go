package trainer

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lazypower/attune/internal/config"
	"github.com/lazypower/attune/internal/optim"
	"github.com/lazypower/attune/internal/store"
	"github.com/lazypower/attune/internal/transform"
)

type memHistory struct {
	mu      sync.Mutex
	records []store.TrainingRecord
}

func (h *memHistory) AppendRecords(_ context.Context, recs []store.TrainingRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, recs...)
	return nil
}

type recorder struct {
	events   []Event
	cancelAt int // cancel when Yield sees this epoch; 0 never
}

func (r *recorder) Yield(epoch, _ int) bool { return r.cancelAt > 0 && epoch >= r.cancelAt }
func (r *recorder) Emit(e Event)            { r.events = append(r.events, e) }

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func testConfig() config.TrainingConfig {
	cfg := config.Default().Training
	cfg.Epochs = 4
	cfg.BatchSize = 8
	cfg.LearningRate = 0.01
	cfg.ValidationSplit = 0
	cfg.EarlyStoppingPatience = 100
	cfg.Parallelism = 2
	return cfg
}

func testModel(t *testing.T) *transform.Model {
	t.Helper()
	m, err := transform.New(8, []transform.LayerSpec{
		transform.NewLayerSpec(8, 8, transform.Tanh, false),
	}, 0.5, 8, 1, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func testSamples(n int) []Sample {
	rng := rand.New(rand.NewPCG(9, 9))
	out := make([]Sample, n)
	for i := range out {
		emb := make([]float64, 8)
		for j := range emb {
			emb[j] = rng.NormFloat64()
		}
		q := 0.9
		if i%2 == 1 {
			q = 0.1
		}
		out[i] = Sample{Embedding: emb, Quality: q}
	}
	return out
}

func TestRunRecordsInOrder(t *testing.T) {
	hist := &memHistory{}
	tr := New(testConfig(), optim.NewEWC(0, ""), WithHistory(hist), WithSeed(1))
	base := testModel(t)
	before := base.Clone()
	ctl := &recorder{}

	res, err := tr.Run(context.Background(), "run-1", base, testSamples(32), ctl)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.EpochsCompleted != 4 || res.Cancelled || res.StoppedEarly {
		t.Errorf("result = %+v", res)
	}
	if res.Batches != 16 || len(hist.records) != 16 {
		t.Errorf("batches=%d records=%d, want 16", res.Batches, len(hist.records))
	}
	for i := 1; i < len(hist.records); i++ {
		p, c := hist.records[i-1], hist.records[i]
		if c.Epoch < p.Epoch || (c.Epoch == p.Epoch && c.Batch != p.Batch+1) {
			t.Fatalf("record %d out of order: %d/%d after %d/%d", i, c.Epoch, c.Batch, p.Epoch, p.Batch)
		}
	}
	if ctl.count(EventEpoch) != 4 || ctl.count(EventBatch) != 16 || ctl.count(EventProgress) != 4 {
		t.Errorf("events: epoch=%d batch=%d progress=%d",
			ctl.count(EventEpoch), ctl.count(EventBatch), ctl.count(EventProgress))
	}
	if tr.State() != StateIdle {
		t.Errorf("state = %s, want idle", tr.State())
	}
	if tr.Epoch() != 4 {
		t.Errorf("global epoch = %d, want 4", tr.Epoch())
	}

	// the base model is never modified
	for i, w := range base.Weights {
		for j := range w.Data {
			if w.Data[j] != before.Weights[i].Data[j] {
				t.Fatal("Run modified the base model")
			}
		}
	}
	changed := false
	for i, w := range res.Model.Weights {
		for j := range w.Data {
			if w.Data[j] != before.Weights[i].Data[j] {
				changed = true
			}
		}
	}
	if !changed {
		t.Error("trained model identical to base")
	}
}

func TestRunLearningRateDecays(t *testing.T) {
	cfg := testConfig()
	cfg.LRDecay = 0.5
	hist := &memHistory{}
	tr := New(cfg, optim.NewEWC(0, ""), WithHistory(hist), WithSeed(2))
	if _, err := tr.Run(context.Background(), "r", testModel(t), testSamples(8), &recorder{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(hist.records) != 4 {
		t.Fatalf("records = %d, want 4", len(hist.records))
	}
	if hist.records[1].LearningRate != cfg.LearningRate*0.5 || hist.records[3].LearningRate != cfg.LearningRate*0.125 {
		t.Errorf("learning rates = %v, %v", hist.records[1].LearningRate, hist.records[3].LearningRate)
	}
}

func TestRunInvalidBatch(t *testing.T) {
	tr := New(testConfig(), optim.NewEWC(0, ""))
	_, err := tr.Run(context.Background(), "r", testModel(t), []Sample{{Quality: 0.9}}, &recorder{})
	if !errors.Is(err, ErrInvalidBatch) {
		t.Errorf("err = %v, want ErrInvalidBatch", err)
	}
}

func TestRunNoSignalStopsEarly(t *testing.T) {
	cfg := testConfig()
	cfg.Epochs = 10
	cfg.EarlyStoppingPatience = 2
	samples := testSamples(16)
	for i := range samples {
		samples[i].Quality = 0.9
	}
	tr := New(cfg, optim.NewEWC(0, ""), WithSeed(3))

	res, err := tr.Run(context.Background(), "r", testModel(t), samples, &recorder{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// epoch 1 improves on +Inf, epochs 2 and 3 do not
	if !res.StoppedEarly || res.EpochsCompleted != 3 {
		t.Errorf("stopped=%v epochs=%d, want true and 3", res.StoppedEarly, res.EpochsCompleted)
	}
	if res.FinalLoss != 0 {
		t.Errorf("FinalLoss = %v, want 0", res.FinalLoss)
	}
	if tr.State() != StateStoppedEarly {
		t.Errorf("state = %s", tr.State())
	}
	for _, w := range res.Model.Weights {
		if tr.Adam().StepCount(w.Name) != 0 {
			t.Error("optimizer stepped on batches without signal")
		}
	}
}

func TestRunCancelKeepsCompletedEpochs(t *testing.T) {
	hist := &memHistory{}
	cfg := testConfig()
	cfg.Epochs = 10
	tr := New(cfg, optim.NewEWC(0, ""), WithHistory(hist), WithSeed(4))
	ctl := &recorder{cancelAt: 3}

	res, err := tr.Run(context.Background(), "r", testModel(t), testSamples(16), ctl)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Cancelled || res.EpochsCompleted != 2 {
		t.Errorf("cancelled=%v epochs=%d, want true and 2", res.Cancelled, res.EpochsCompleted)
	}
	for _, r := range hist.records {
		if r.Epoch > 2 {
			t.Fatalf("record from discarded epoch %d", r.Epoch)
		}
	}
	if len(hist.records) != 4 || res.Batches != 4 {
		t.Errorf("records=%d batches=%d, want 4", len(hist.records), res.Batches)
	}
	if tr.State() != StateCancelled {
		t.Errorf("state = %s", tr.State())
	}
}

func TestValidationSplit(t *testing.T) {
	cfg := testConfig()
	cfg.ValidationSplit = 0.25
	tr := New(cfg, optim.NewEWC(0, ""), WithSeed(5))
	train, val := tr.split(testSamples(20))
	if len(train) != 15 || len(val) != 5 {
		t.Errorf("split = %d/%d, want 15/5", len(train), len(val))
	}
	train, val = tr.split(testSamples(1))
	if len(train) != 1 || val != nil {
		t.Errorf("single sample split = %d/%d", len(train), len(val))
	}
}

func TestShuffleIsPermutation(t *testing.T) {
	tr := New(testConfig(), optim.NewEWC(0, ""), WithSeed(6))
	s := make([]Sample, 50)
	for i := range s {
		s[i].Quality = float64(i)
	}
	tr.shuffle(s)
	seen := make(map[float64]bool)
	moved := 0
	for i, x := range s {
		seen[x.Quality] = true
		if x.Quality != float64(i) {
			moved++
		}
	}
	if len(seen) != 50 {
		t.Errorf("shuffle lost elements: %d distinct", len(seen))
	}
	if moved == 0 {
		t.Error("shuffle left every element in place")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	tr := New(testConfig(), optim.NewEWC(0, ""), WithCheckpoint(path), WithSeed(7))
	res, err := tr.Run(context.Background(), "r", testModel(t), testSamples(16), &recorder{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("checkpoint written before commit: %v", err)
	}
	if err := tr.Commit(res.Model); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := os.Stat(path + ".staging"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("staging checkpoint left after commit: %v", err)
	}

	resumed := New(testConfig(), optim.NewEWC(0, ""), WithCheckpoint(path))
	ck, err := resumed.LoadCheckpoint()
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if ck.Epoch != 4 || resumed.Epoch() != 4 {
		t.Errorf("epoch = %d/%d, want 4", ck.Epoch, resumed.Epoch())
	}
	name := res.Model.Weights[0].Name
	if resumed.Adam().StepCount(name) != tr.Adam().StepCount(name) {
		t.Errorf("step count = %d, want %d", resumed.Adam().StepCount(name), tr.Adam().StepCount(name))
	}
	for i, w := range ck.Weights {
		for j := range w.Data {
			if w.Data[j] != res.Model.Weights[i].Data[j] {
				t.Fatal("checkpoint weights differ from the trained model")
			}
		}
	}
}

func TestPartition(t *testing.T) {
	got := partition(make([]Sample, 10), 4)
	if len(got) != 3 || len(got[2]) != 2 {
		t.Errorf("partition sizes = %d, last %d", len(got), len(got[len(got)-1]))
	}
}

func TestCommitRecordsServedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	ewc := optim.NewEWC(1, "")
	tr := New(testConfig(), ewc, WithCheckpoint(path), WithSeed(3))
	res, err := tr.Run(context.Background(), "r", testModel(t), testSamples(16), &recorder{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ewc.Accumulated().Count == 0 {
		t.Fatal("run accumulated no gradient history")
	}

	res.Model.Version = 7
	if err := ewc.CompleteTask(res.Model); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if err := tr.Commit(res.Model); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	resumedEWC := optim.NewEWC(1, "")
	resumed := New(testConfig(), resumedEWC, WithCheckpoint(path))
	ck, err := resumed.LoadCheckpoint()
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if ck.ModelVersion != 7 {
		t.Errorf("ModelVersion = %d, want 7", ck.ModelVersion)
	}
	if n := resumedEWC.Accumulated().Count; n != 0 {
		t.Errorf("consolidated history restored: count = %d", n)
	}
}

func TestFailedRunRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	cfg := testConfig()
	cfg.Epochs = 2
	cfg.BatchSize = 16
	cfg.Margin = 4 // every triplet active
	ewc := optim.NewEWC(0, "")
	tr := New(cfg, ewc, WithCheckpoint(path), WithSeed(5))

	first, err := tr.Run(context.Background(), "ok", testModel(t), testSamples(16), &recorder{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := tr.Commit(first.Model); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	committed, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	name := first.Model.Weights[0].Name
	steps := tr.Adam().StepCount(name)
	accCount := ewc.Accumulated().Count

	// epoch 1 trains normally, epoch 2 runs with an infinite learning rate
	tr.cfg.LRDecay = math.Inf(1)
	ctl := &recorder{}
	res, err := tr.Run(context.Background(), "diverges", first.Model, testSamples(16), ctl)
	if !errors.Is(err, optim.ErrDiverged) {
		t.Fatalf("Run err = %v, want ErrDiverged", err)
	}
	if res != nil {
		t.Errorf("failed run returned a result: %+v", res)
	}
	if ctl.count(EventEpoch) != 1 {
		t.Fatalf("epochs before failure = %d, want 1", ctl.count(EventEpoch))
	}

	if got := tr.Adam().StepCount(name); got != steps {
		t.Errorf("step count = %d after failed run, want %d", got, steps)
	}
	if got := ewc.Accumulated().Count; got != accCount {
		t.Errorf("accumulator count = %d after failed run, want %d", got, accCount)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(after, committed) {
		t.Error("committed checkpoint changed by a failed run")
	}
	if _, err := os.Stat(path + ".staging"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("staging checkpoint left after failed run: %v", err)
	}
}

func TestRollbackDropsHistoryConsolidatedMidRun(t *testing.T) {
	ewc := optim.NewEWC(1, "")
	tr := New(testConfig(), ewc, WithSeed(1))
	base := testModel(t)
	ewc.Accumulate(map[string][]float64{base.Weights[0].Name: make([]float64, len(base.Weights[0].Data))})

	snap := tr.takeSnapshot()
	if err := ewc.CompleteTask(base); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	tr.restore(snap, true)
	if n := ewc.Accumulated().Count; n != 0 {
		t.Errorf("restore revived consolidated history: count = %d", n)
	}
}
