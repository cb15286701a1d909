// Package scheduler buffers quality-labelled trajectories and decides when
// to retrain.
//
// Trigger rules:
//   - buffer size >= MinSamples and the cooldown has elapsed since the last run
//   - buffer size >= MaxBufferSize, regardless of cooldown
//   - a successful run finished and the trajectories that arrived during it
//     satisfy one of the rules above
//   - an explicit ForceTraining or Shutdown, provided the buffer is non-empty
//
// Only one run is active at a time. The buffer is written to disk after
// every addition, so accepted feedback survives a crash.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/lazypower/attune/internal/config"
)

var (
	ErrInvalidTrajectory = errors.New("invalid trajectory")
	ErrEmptyBuffer       = errors.New("training buffer is empty")
	ErrRunInProgress     = errors.New("training run in progress")
	ErrClosed            = errors.New("scheduler closed")
)

// Trajectory is one piece of feedback: the embedding that was enhanced and
// how useful the result turned out to be.
type Trajectory struct {
	ID        string    `json:"id"`
	Embedding []float64 `json:"embedding"`
	Enhanced  []float64 `json:"enhanced,omitempty"`
	Quality   *float64  `json:"quality"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate reports why a trajectory cannot be trained on.
func (t Trajectory) Validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidTrajectory)
	case t.Quality == nil:
		return fmt.Errorf("%w: missing quality", ErrInvalidTrajectory)
	case math.IsNaN(*t.Quality) || *t.Quality < 0 || *t.Quality > 1:
		return fmt.Errorf("%w: quality %v outside [0,1]", ErrInvalidTrajectory, *t.Quality)
	case len(t.Embedding) == 0:
		return fmt.Errorf("%w: empty embedding", ErrInvalidTrajectory)
	}
	return nil
}

// Trigger names why a run started.
type Trigger string

const (
	TriggerThreshold Trigger = "threshold"
	TriggerMaxBuffer Trigger = "max-buffer"
	TriggerForce     Trigger = "force"
	TriggerShutdown  Trigger = "shutdown"
)

// Outcome is what a Runner reports for a finished run.
type Outcome struct {
	RunID     string
	Epochs    int
	Loss      float64
	Cancelled bool
}

// Runner performs one training run over batch.
type Runner interface {
	Train(ctx context.Context, trigger Trigger, batch []Trajectory) (Outcome, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, trigger Trigger, batch []Trajectory) (Outcome, error)

func (f RunnerFunc) Train(ctx context.Context, trigger Trigger, batch []Trajectory) (Outcome, error) {
	return f(ctx, trigger, batch)
}

// RunResult is the structured result of a run. Training failures are
// reported here with OK false, never as a returned error.
type RunResult struct {
	OK        bool          `json:"ok"`
	Reason    string        `json:"reason,omitempty"`
	RunID     string        `json:"run_id,omitempty"`
	Trigger   Trigger       `json:"trigger"`
	Samples   int           `json:"samples"`
	Epochs    int           `json:"epochs"`
	Loss      float64       `json:"loss"`
	Cancelled bool          `json:"cancelled"`
	Duration  time.Duration `json:"duration"`
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	BufferSize          int       `json:"buffer_size"`
	CooldownRemainingMs int64     `json:"cooldown_remaining_ms"`
	TotalRuns           int       `json:"total_runs"`
	FailedRuns          int       `json:"failed_runs"`
	LastLoss            float64   `json:"last_loss"`
	LastError           string    `json:"last_error,omitempty"`
	LastRunAt           time.Time `json:"last_run_at,omitzero"`
	Dropped             int       `json:"dropped"`
	InProgress          bool      `json:"in_progress"`
}

// Scheduler owns the training buffer.
type Scheduler struct {
	cfg    config.SchedulerConfig
	path   string
	runner Runner
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	buffer     []Trajectory
	counters   counters
	inProgress bool
	runDone    chan struct{}
	closed     bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler and restores any buffer persisted at path. An
// empty path keeps the buffer in memory only. A corrupt or incompatible
// buffer file is logged and ignored.
func New(cfg config.SchedulerConfig, path string, runner Runner, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		path:   path,
		runner: runner,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.load(); err != nil {
		log.Printf("scheduler: starting with empty buffer: %v", err)
	} else if len(s.buffer) > 0 {
		log.Printf("scheduler: restored %d buffered trajectories", len(s.buffer))
	}
	return s
}

// AddTrajectory validates t, appends it to the buffer, persists the buffer
// and starts a background run if a trigger rule fires. Invalid trajectories
// are dropped with a warning. A persistence error is returned but the
// trajectory stays buffered in memory. While a run is active the buffer may
// grow past MaxBufferSize; the overflow is trained once the run finishes.
func (s *Scheduler) AddTrajectory(t Trajectory) error {
	if err := t.Validate(); err != nil {
		s.mu.Lock()
		s.counters.Dropped++
		s.mu.Unlock()
		log.Printf("scheduler: dropping trajectory %q: %v", t.ID, err)
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.buffer = append(s.buffer, t)
	err := s.saveLocked()
	if err != nil {
		log.Printf("scheduler: persist buffer: %v", err)
	}

	if trigger, ok := s.shouldTriggerLocked(); ok {
		s.spawnLocked(trigger)
	}
	return err
}

// spawnLocked starts a background run on the current buffer.
func (s *Scheduler) spawnLocked(trigger Trigger) {
	batch := s.beginLocked()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.ctx, trigger, batch)
	}()
}

// ForceTraining waits up to ForceWaitTimeout for an in-flight run, then
// trains on the whole buffer regardless of thresholds and cooldown.
func (s *Scheduler) ForceTraining(ctx context.Context) (*RunResult, error) {
	return s.force(ctx, TriggerForce)
}

func (s *Scheduler) force(ctx context.Context, trigger Trigger) (*RunResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	done := s.runDone
	s.mu.Unlock()

	if done != nil {
		timer := time.NewTimer(s.cfg.ForceWaitTimeout)
		select {
		case <-done:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}

	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		return nil, fmt.Errorf("force training: %w", ErrRunInProgress)
	}
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return nil, ErrEmptyBuffer
	}
	batch := s.beginLocked()
	s.mu.Unlock()

	return s.execute(ctx, trigger, batch), nil
}

// Shutdown runs a final forced run if feedback is pending, then stops
// accepting trajectories and waits for background runs to return.
func (s *Scheduler) Shutdown(ctx context.Context) (*RunResult, error) {
	res, err := s.force(ctx, TriggerShutdown)
	if errors.Is(err, ErrEmptyBuffer) {
		err = nil
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return res, err
}

// Wait blocks until background runs started so far have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stats returns a snapshot of the buffer and run counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		BufferSize: len(s.buffer),
		TotalRuns:  s.counters.TotalRuns,
		FailedRuns: s.counters.FailedRuns,
		LastLoss:   s.counters.LastLoss,
		LastError:  s.counters.LastError,
		LastRunAt:  s.counters.LastRunAt,
		Dropped:    s.counters.Dropped,
		InProgress: s.inProgress,
	}
	if rem := s.cooldownRemainingLocked(); rem > 0 {
		st.CooldownRemainingMs = rem.Milliseconds()
	}
	return st
}

// Pending returns a copy of the buffered trajectories.
func (s *Scheduler) Pending() []Trajectory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Trajectory(nil), s.buffer...)
}

func (s *Scheduler) shouldTriggerLocked() (Trigger, bool) {
	if s.inProgress || s.runner == nil {
		return "", false
	}
	n := len(s.buffer)
	if s.cfg.MaxBufferSize > 0 && n >= s.cfg.MaxBufferSize {
		return TriggerMaxBuffer, true
	}
	if n >= s.cfg.MinSamples && s.cooldownRemainingLocked() <= 0 {
		return TriggerThreshold, true
	}
	return "", false
}

func (s *Scheduler) cooldownRemainingLocked() time.Duration {
	if s.counters.LastRunAt.IsZero() {
		return 0
	}
	return s.cfg.Cooldown - s.now().Sub(s.counters.LastRunAt)
}

// beginLocked marks a run in progress and returns the batch it trains on.
// Trajectories added during the run are appended after the batch.
func (s *Scheduler) beginLocked() []Trajectory {
	s.inProgress = true
	s.runDone = make(chan struct{})
	s.counters.LastRunAt = s.now().UTC()
	return append([]Trajectory(nil), s.buffer...)
}

func (s *Scheduler) execute(ctx context.Context, trigger Trigger, batch []Trajectory) *RunResult {
	start := s.now()
	res := &RunResult{Trigger: trigger, Samples: len(batch)}
	if s.runner == nil {
		res.Reason = "no runner configured"
	} else {
		out, err := s.runner.Train(ctx, trigger, batch)
		res.RunID = out.RunID
		res.Epochs = out.Epochs
		res.Loss = out.Loss
		res.Cancelled = out.Cancelled
		switch {
		case err != nil:
			res.Reason = err.Error()
		case out.Cancelled:
			res.Reason = "cancelled"
		default:
			res.OK = true
		}
	}
	res.Duration = s.now().Sub(start)
	s.finish(res, len(batch))
	return res
}

// finish records the result and releases the in-progress flag. On success
// the trained prefix of the buffer is removed and a follow-up run starts if
// what remains fires a trigger; otherwise the buffer is kept for the next
// attempt.
func (s *Scheduler) finish(res *RunResult, trained int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters.TotalRuns++
	switch {
	case res.OK:
		s.counters.LastLoss = res.Loss
		s.counters.LastError = ""
		s.buffer = append([]Trajectory(nil), s.buffer[trained:]...)
		log.Printf("scheduler: %s run %s trained on %d trajectories (loss %.4f, %d epochs)",
			res.Trigger, res.RunID, trained, res.Loss, res.Epochs)
	case res.Cancelled:
		log.Printf("scheduler: run %s cancelled, keeping %d buffered trajectories", res.RunID, len(s.buffer))
	default:
		s.counters.FailedRuns++
		s.counters.LastError = res.Reason
		log.Printf("scheduler: run %s failed, keeping %d buffered trajectories: %s",
			res.RunID, len(s.buffer), res.Reason)
	}
	if err := s.saveLocked(); err != nil {
		log.Printf("scheduler: persist buffer: %v", err)
	}

	s.inProgress = false
	close(s.runDone)
	s.runDone = nil

	if !res.OK || s.closed || res.Trigger == TriggerShutdown {
		return
	}
	if trigger, ok := s.shouldTriggerLocked(); ok {
		log.Printf("scheduler: %d trajectories arrived during run %s, starting %s run",
			len(s.buffer), res.RunID, trigger)
		s.spawnLocked(trigger)
	}
}
