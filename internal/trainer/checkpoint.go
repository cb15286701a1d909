package trainer

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/lazypower/attune/internal/config"
	"github.com/lazypower/attune/internal/optim"
	"github.com/lazypower/attune/internal/persist"
	"github.com/lazypower/attune/internal/transform"
)

// CheckpointVersion is the format version of checkpoint.json.
const CheckpointVersion = 1

// Checkpoint is the resumable training state. BestValidationLoss is nil
// until some epoch has been validated.
type Checkpoint struct {
	Version                  int                       `json:"version"`
	RunID                    string                    `json:"run_id"`
	Epoch                    int                       `json:"epoch"`
	BestValidationLoss       *float64                  `json:"best_validation_loss"`
	EpochsWithoutImprovement int                       `json:"epochs_without_improvement"`
	LearningRate             float64                   `json:"learning_rate"`
	OptimizerState           map[string]*optim.Moments `json:"optimizer_state"`
	EWCHistory               optim.Accumulator         `json:"ewc_history"`
	ModelVersion             int64                     `json:"model_version"`
	Weights                  []*transform.WeightTensor `json:"weights"`
	RNG                      []byte                    `json:"rng,omitempty"`
	Config                   config.TrainingConfig     `json:"config"`
	Timestamp                time.Time                 `json:"timestamp"`
}

// Commit writes the committed checkpoint for m, the model the owner put in
// service, together with the current optimizer state and squared-gradient
// history, and removes the run's staging file. It blocks while a run is in
// progress. Without a checkpoint path it does nothing.
func (t *Trainer) Commit(m *transform.Model) error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	return t.commitLocked(m)
}

// TryCommit is Commit without waiting: it reports false and writes nothing
// while a run is in progress, since that run's own commit will carry the
// newer state.
func (t *Trainer) TryCommit(m *transform.Model) (bool, error) {
	if !t.runMu.TryLock() {
		return false, nil
	}
	defer t.runMu.Unlock()
	return true, t.commitLocked(m)
}

func (t *Trainer) commitLocked(m *transform.Model) error {
	if t.ckpt == "" {
		return nil
	}
	l := t.last
	if err := t.saveCheckpoint(t.ckpt, l.runID, m, l.best, l.since, l.lr); err != nil {
		return err
	}
	t.discardStaging()
	return nil
}

func (t *Trainer) stagingPath() string {
	return t.ckpt + ".staging"
}

func (t *Trainer) discardStaging() {
	if t.ckpt == "" {
		return
	}
	if err := persist.Remove(t.stagingPath()); err != nil {
		log.Printf("trainer: %v", err)
	}
}

func (t *Trainer) saveCheckpoint(path, runID string, m *transform.Model, best float64, since int, lr float64) error {
	ck := Checkpoint{
		Version:                  CheckpointVersion,
		RunID:                    runID,
		Epoch:                    t.Epoch(),
		EpochsWithoutImprovement: since,
		LearningRate:             lr,
		OptimizerState:           t.adam.Snapshot(),
		EWCHistory:               t.ewc.Accumulated(),
		ModelVersion:             m.Version,
		Weights:                  m.Weights,
		Config:                   t.cfg,
		Timestamp:                time.Now().UTC(),
	}
	if !math.IsInf(best, 0) && !math.IsNaN(best) {
		ck.BestValidationLoss = &best
	}
	if rng, err := t.pcg.MarshalBinary(); err == nil {
		ck.RNG = rng
	}
	if err := persist.WriteJSON(path, ck); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint restores optimizer state, the squared-gradient history,
// the epoch counter and the shuffle RNG from the checkpoint file and
// returns it so the caller can restore the weights. A missing file returns
// an error satisfying errors.Is(err, os.ErrNotExist); a version mismatch
// wraps persist.ErrVersionMismatch and leaves the trainer untouched.
func (t *Trainer) LoadCheckpoint() (*Checkpoint, error) {
	if t.ckpt == "" {
		return nil, fmt.Errorf("load checkpoint: no checkpoint path configured")
	}
	var ck Checkpoint
	if err := persist.ReadJSON(t.ckpt, CheckpointVersion, &ck); err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	if ck.OptimizerState != nil {
		t.adam.Restore(ck.OptimizerState)
	}
	t.ewc.SetAccumulated(ck.EWCHistory)
	if ck.Epoch > t.Epoch() {
		t.epoch.Store(int64(ck.Epoch))
	}
	if len(ck.RNG) > 0 {
		if err := t.pcg.UnmarshalBinary(ck.RNG); err != nil {
			return nil, fmt.Errorf("load checkpoint rng: %w", err)
		}
	}
	return &ck, nil
}
