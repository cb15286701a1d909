package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// Run status values.
const (
	RunActive    = "active"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// TrainingRun tracks one training run from start to finish.
type TrainingRun struct {
	ID          int64    `json:"id"`
	RunID       string   `json:"run_id"`
	Status      string   `json:"status"`
	Trigger     string   `json:"trigger"`
	SampleCount int      `json:"sample_count"`
	Epochs      int      `json:"epochs"`
	FinalLoss   *float64 `json:"final_loss,omitempty"`
	BestValLoss *float64 `json:"best_val_loss,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	StartedAt   int64    `json:"started_at"`
	EndedAt     *int64   `json:"ended_at,omitempty"`
}

// StartRun records a new active run.
func (db *DB) StartRun(runID, trigger string, samples int) (*TrainingRun, error) {
	now := time.Now().UnixMilli()
	result, err := db.Exec(`
		INSERT INTO training_runs (run_id, status, trigger, sample_count, started_at)
		VALUES (?, 'active', ?, ?, ?)
	`, runID, trigger, samples, now)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	id, _ := result.LastInsertId()
	return &TrainingRun{
		ID:          id,
		RunID:       runID,
		Status:      RunActive,
		Trigger:     trigger,
		SampleCount: samples,
		StartedAt:   now,
	}, nil
}

// FinishRun moves an active run to a terminal status.
func (db *DB) FinishRun(runID, status string, epochs int, finalLoss, bestValLoss float64, reason string) error {
	now := time.Now().UnixMilli()
	result, err := db.Exec(`
		UPDATE training_runs
		SET status = ?, epochs = ?, final_loss = ?, best_val_loss = ?, reason = ?, ended_at = ?
		WHERE run_id = ? AND status = 'active'
	`, status, epochs, finite(finalLoss), finite(bestValLoss), reason, now, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("no active run found for %s", runID)
	}
	return nil
}

// GetRun returns a run by its run_id, or nil if not found.
func (db *DB) GetRun(runID string) (*TrainingRun, error) {
	r, err := scanRun(db.QueryRow(`
		SELECT id, run_id, status, trigger, sample_count, epochs, final_loss, best_val_loss, reason, started_at, ended_at
		FROM training_runs WHERE run_id = ?
	`, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// RecentRuns returns the most recent runs, newest first.
func (db *DB) RecentRuns(limit int) ([]TrainingRun, error) {
	rows, err := db.Query(`
		SELECT id, run_id, status, trigger, sample_count, epochs, final_loss, best_val_loss, reason, started_at, ended_at
		FROM training_runs ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var runs []TrainingRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// AbandonActiveRuns marks runs left active by a crash as failed.
func (db *DB) AbandonActiveRuns() (int64, error) {
	now := time.Now().UnixMilli()
	result, err := db.Exec(`
		UPDATE training_runs SET status = 'failed', reason = 'abandoned at startup', ended_at = ?
		WHERE status = 'active'
	`, now)
	if err != nil {
		return 0, fmt.Errorf("abandon active runs: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*TrainingRun, error) {
	var r TrainingRun
	var reason sql.NullString
	if err := s.Scan(&r.ID, &r.RunID, &r.Status, &r.Trigger, &r.SampleCount, &r.Epochs,
		&r.FinalLoss, &r.BestValLoss, &reason, &r.StartedAt, &r.EndedAt); err != nil {
		return nil, err
	}
	r.Reason = reason.String
	return &r, nil
}

// finite maps NaN and ±Inf to NULL; SQLite cannot store them faithfully.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
