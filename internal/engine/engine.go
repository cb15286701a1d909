// Package engine wires the transform, cache, trainer, worker and scheduler
// into the service the API exposes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/lazypower/attune/internal/cache"
	"github.com/lazypower/attune/internal/config"
	"github.com/lazypower/attune/internal/optim"
	"github.com/lazypower/attune/internal/scheduler"
	"github.com/lazypower/attune/internal/store"
	"github.com/lazypower/attune/internal/trainer"
	"github.com/lazypower/attune/internal/transform"
	"github.com/lazypower/attune/internal/worker"
)

// State file names inside the data directory.
const (
	BufferFile     = "buffer.json"
	CheckpointFile = "checkpoint.json"
	EWCFile        = "ewc.json"
)

var (
	ErrNoEmbedder = errors.New("no embedder configured")
	ErrNoStore    = errors.New("no store configured")
)

// ContextSource supplies the neighbor graph for a set of node IDs. The
// engine only reads from it.
type ContextSource interface {
	Neighbors(ctx context.Context, ids []string) (*transform.Graph, error)
}

// EnhanceResult is what Enhance always returns: either the transformed
// embedding or, on any internal fault, the normalized input with Fallback
// set.
type EnhanceResult struct {
	Enhanced  []float64 `json:"enhanced"`
	Base      []float64 `json:"base,omitempty"` // set by EnhanceText
	Cached    bool      `json:"cached"`
	Fallback  bool      `json:"fallback"`
	ElapsedMs float64   `json:"elapsed_ms"`
	Version   int64     `json:"model_version"`
}

// Stats combines scheduler, cache, model and collector state.
type Stats struct {
	scheduler.Stats
	Cache        cache.Stats     `json:"cache"`
	ModelVersion int64           `json:"model_version"`
	Dimension    int             `json:"dimension"`
	Params       int             `json:"params"`
	TrainerState trainer.State   `json:"trainer_state"`
	Epoch        int             `json:"epoch"`
	EWCTasks     int             `json:"ewc_tasks"`
	Metrics      MetricsSnapshot `json:"metrics"`
}

// Engine is the enhancement and continual-learning service.
type Engine struct {
	cfg      config.Config
	db       *store.DB
	source   ContextSource
	embedder Embedder
	metrics  *Metrics

	model   atomic.Pointer[transform.Model]
	cache   *cache.Cache
	ewc     *optim.EWC
	trainer *trainer.Trainer
	worker  *worker.Worker
	sched   *scheduler.Scheduler

	stopCh chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore records training history and runs in db and, unless another
// source is set, uses its graph tables as the context source.
func WithStore(db *store.DB) Option {
	return func(e *Engine) { e.db = db }
}

// WithContextSource sets the neighbor lookup used by EnhanceNodes.
func WithContextSource(src ContextSource) Option {
	return func(e *Engine) { e.source = src }
}

// WithEmbedder enables EnhanceText.
func WithEmbedder(emb Embedder) Option {
	return func(e *Engine) { e.embedder = emb }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New builds the engine and restores persisted state from cfg.Data.Dir.
// An empty data directory keeps all state in memory. Corrupt or
// incompatible state files are logged and the engine starts cold.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		cache:  cache.New(cfg.Cache.MaxBytes),
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics()
	}
	if e.source == nil && e.db != nil {
		e.source = e.db
	}

	m, err := transform.FromConfig(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}

	e.ewc = optim.NewEWC(cfg.EWC.Lambda, e.statePath(EWCFile))
	if err := e.ewc.Load(); err != nil {
		log.Printf("engine: starting without ewc state: %v", err)
	}

	topts := []trainer.Option{trainer.WithCheckpoint(e.statePath(CheckpointFile))}
	if e.db != nil {
		topts = append(topts, trainer.WithHistory(e.db))
		if last, err := e.db.LastEpoch(); err != nil {
			log.Printf("engine: read last epoch: %v", err)
		} else {
			topts = append(topts, trainer.WithEpochBase(last))
		}
		if n, err := e.db.AbandonActiveRuns(); err != nil {
			log.Printf("engine: abandon active runs: %v", err)
		} else if n > 0 {
			log.Printf("engine: marked %d interrupted runs failed", n)
		}
	}
	e.trainer = trainer.New(cfg.Training, e.ewc, topts...)

	if e.statePath(CheckpointFile) != "" {
		ck, err := e.trainer.LoadCheckpoint()
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			log.Printf("engine: starting from initial weights: %v", err)
		default:
			n := m.CopyWeightsFrom(ck.Weights)
			m.Version = ck.ModelVersion
			log.Printf("engine: restored %d/%d tensors from checkpoint (epoch %d, version %d)",
				n, len(m.Weights), ck.Epoch, ck.ModelVersion)
		}
	}
	e.model.Store(m)

	e.worker = worker.New(e.trainer, cfg.Training.YieldInterval)
	e.worker.Start()
	e.sched = scheduler.New(cfg.Scheduler, e.statePath(BufferFile), e)
	return e, nil
}

func (e *Engine) statePath(name string) string {
	if e.cfg.Data.Dir == "" {
		return ""
	}
	return filepath.Join(e.cfg.Data.Dir, name)
}

// Model returns the model currently serving requests.
func (e *Engine) Model() *transform.Model {
	return e.model.Load()
}

// Enhance transforms input with optional neighbor context. It never fails:
// dimension mismatches are padded or truncated, and any internal fault
// yields the normalized input with Fallback set.
func (e *Engine) Enhance(_ context.Context, input []float64, graph *transform.Graph) (res EnhanceResult) {
	start := time.Now()
	m := e.model.Load()
	res.Version = m.Version

	defer func() {
		if r := recover(); r != nil {
			e.metrics.panics.Add(1)
			log.Printf("engine: enhance recovered from panic: %v", r)
			res = EnhanceResult{Enhanced: transform.Fallback(input, m.Dim), Fallback: true, Version: m.Version}
		}
		elapsed := time.Since(start)
		res.ElapsedMs = float64(elapsed.Microseconds()) / 1000
		e.metrics.observeEnhance(elapsed, res.Cached, res.Fallback)
	}()

	if len(input) != m.Dim {
		e.metrics.dimensionMismatches.Add(1)
	}

	key := cache.KeyFor(m.Version, input, graph)
	if vec, ok := e.cache.Get(key, m.Dim); ok {
		res.Enhanced = vec
		res.Cached = true
		return res
	}

	out := m.Forward(input, graph)
	if !transform.Finite(out) {
		res.Enhanced = transform.Fallback(input, m.Dim)
		res.Fallback = true
		return res
	}
	e.cache.Put(key, out, graph.NodeIDs())
	res.Enhanced = out
	return res
}

// EnhanceNodes looks up the neighbor graph for ids, bounded by the enhance
// timeout, and enhances input with it. A failed lookup enhances without
// context.
func (e *Engine) EnhanceNodes(ctx context.Context, input []float64, ids []string) EnhanceResult {
	return e.Enhance(ctx, input, e.lookup(ctx, ids))
}

// EnhanceText embeds text and enhances the result.
func (e *Engine) EnhanceText(ctx context.Context, text string, ids []string) (EnhanceResult, error) {
	if e.embedder == nil {
		return EnhanceResult{}, ErrNoEmbedder
	}
	base, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return EnhanceResult{}, fmt.Errorf("embed text: %w", err)
	}
	res := e.EnhanceNodes(ctx, base, ids)
	res.Base = base
	return res, nil
}

func (e *Engine) lookup(ctx context.Context, ids []string) *transform.Graph {
	if e.source == nil || len(ids) == 0 {
		return nil
	}
	if t := e.cfg.Scheduler.EnhanceTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	g, err := e.source.Neighbors(ctx, ids)
	if err != nil {
		e.metrics.contextFailures.Add(1)
		log.Printf("engine: context lookup for %d nodes: %v", len(ids), err)
		return nil
	}
	return g
}

// AddTrajectory hands feedback to the scheduler.
func (e *Engine) AddTrajectory(t scheduler.Trajectory) error {
	err := e.sched.AddTrajectory(t)
	switch {
	case errors.Is(err, scheduler.ErrInvalidTrajectory):
		e.metrics.trajectoriesDropped.Add(1)
	case err == nil:
		e.metrics.trajectoriesAccepted.Add(1)
	}
	return err
}

// ForceTraining trains on the buffer now, regardless of thresholds.
func (e *Engine) ForceTraining(ctx context.Context) (*scheduler.RunResult, error) {
	return e.sched.ForceTraining(ctx)
}

// CompleteTask consolidates the current weights as a task boundary and
// rewrites the checkpoint without the consolidated history. During a run
// the rewrite is left to that run's commit.
func (e *Engine) CompleteTask() error {
	m := e.model.Load()
	if err := e.ewc.CompleteTask(m); err != nil {
		return err
	}
	if _, err := e.trainer.TryCommit(m); err != nil {
		log.Printf("engine: commit checkpoint after task: %v", err)
	}
	return nil
}

// InvalidateNodes drops cached results that used any of ids as context.
func (e *Engine) InvalidateNodes(ids []string) int {
	n := 0
	for _, id := range ids {
		n += e.cache.InvalidateNode(id)
	}
	return n
}

// ClearCache drops every cached result.
func (e *Engine) ClearCache() {
	e.cache.Clear()
}

// SaveNode stores a context node and invalidates results that used it.
func (e *Engine) SaveNode(id string, embedding []float64) error {
	if e.db == nil {
		return ErrNoStore
	}
	if err := e.db.SaveNode(id, embedding); err != nil {
		return err
	}
	e.cache.InvalidateNode(id)
	return nil
}

// SaveEdge stores a context edge and invalidates results that used either end.
func (e *Engine) SaveEdge(from, to string, weight float64) error {
	if e.db == nil {
		return ErrNoStore
	}
	if err := e.db.SaveEdge(from, to, weight); err != nil {
		return err
	}
	e.cache.InvalidateNode(from)
	e.cache.InvalidateNode(to)
	return nil
}

// DeleteNode removes a context node with its edges.
func (e *Engine) DeleteNode(id string) error {
	if e.db == nil {
		return ErrNoStore
	}
	if err := e.db.DeleteNode(id); err != nil {
		return err
	}
	e.cache.InvalidateNode(id)
	return nil
}

// History returns training records for epochs in [from, to]; to < 0 means
// no upper bound.
func (e *Engine) History(from, to int) ([]store.TrainingRecord, error) {
	if e.db == nil {
		return nil, ErrNoStore
	}
	return e.db.RecordsByEpochRange(from, to)
}

// Runs returns the most recent training runs.
func (e *Engine) Runs(limit int) ([]store.TrainingRun, error) {
	if e.db == nil {
		return nil, ErrNoStore
	}
	return e.db.RecentRuns(limit)
}

// Stats returns a snapshot of the engine.
func (e *Engine) Stats() Stats {
	m := e.model.Load()
	return Stats{
		Stats:        e.sched.Stats(),
		Cache:        e.cache.Stats(),
		ModelVersion: m.Version,
		Dimension:    m.Dim,
		Params:       m.ParamCount(),
		TrainerState: e.trainer.State(),
		Epoch:        e.trainer.Epoch(),
		EWCTasks:     e.ewc.Tasks(),
		Metrics:      e.metrics.Snapshot(),
	}
}

// Shutdown runs a final training pass if feedback is pending, then stops
// the worker and background goroutines. The buffer stays on disk if the
// final run fails.
func (e *Engine) Shutdown(ctx context.Context) (*scheduler.RunResult, error) {
	res, err := e.sched.Shutdown(ctx)
	e.worker.Stop()
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	return res, err
}
