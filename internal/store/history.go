package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// historyBackoff is the wait before each retry of a failed history write.
var historyBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// TrainingRecord is one persisted row per trained batch.
type TrainingRecord struct {
	ID             int64     `json:"id,omitempty"`
	RunID          string    `json:"run_id"`
	Epoch          int       `json:"epoch"`
	Batch          int       `json:"batch"`
	Loss           float64   `json:"loss"`
	LearningRate   float64   `json:"learning_rate"`
	SampleCount    int       `json:"sample_count"`
	ActiveFraction float64   `json:"active_fraction"`
	CheckpointPath string    `json:"checkpoint_path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AppendRecords writes records in one transaction, in the order given. A
// failed write is retried after 100, 200 and 400 ms before giving up.
func (db *DB) AppendRecords(ctx context.Context, records []TrainingRecord) error {
	if len(records) == 0 {
		return nil
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = db.appendRecords(ctx, records); err == nil {
			return nil
		}
		if attempt >= len(historyBackoff) {
			break
		}
		log.Printf("store: history write failed (attempt %d): %v", attempt+1, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("append history: %w", ctx.Err())
		case <-time.After(historyBackoff[attempt]):
		}
	}
	return fmt.Errorf("append history after %d attempts: %w", len(historyBackoff)+1, err)
}

func (db *DB) appendRecords(ctx context.Context, records []TrainingRecord) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO training_history (run_id, epoch, batch, loss, learning_rate, sample_count, active_fraction, checkpoint_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		created := r.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		var ckpt sql.NullString
		if r.CheckpointPath != "" {
			ckpt = sql.NullString{String: r.CheckpointPath, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, r.RunID, r.Epoch, r.Batch, r.Loss, r.LearningRate,
			r.SampleCount, r.ActiveFraction, ckpt, created.UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert epoch %d batch %d: %w", r.Epoch, r.Batch, err)
		}
	}
	return tx.Commit()
}

// RecordsByEpochRange returns records with from <= epoch <= to in (epoch,
// batch) order. A negative to means no upper bound.
func (db *DB) RecordsByEpochRange(from, to int) ([]TrainingRecord, error) {
	if to < 0 {
		to = int(^uint32(0) >> 1)
	}
	rows, err := db.Query(`
		SELECT id, run_id, epoch, batch, loss, learning_rate, sample_count, active_fraction, checkpoint_path, created_at
		FROM training_history WHERE epoch BETWEEN ? AND ?
		ORDER BY epoch, batch, id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("records by epoch range: %w", err)
	}
	defer rows.Close()

	var records []TrainingRecord
	for rows.Next() {
		var r TrainingRecord
		var ckpt sql.NullString
		var created int64
		if err := rows.Scan(&r.ID, &r.RunID, &r.Epoch, &r.Batch, &r.Loss, &r.LearningRate,
			&r.SampleCount, &r.ActiveFraction, &ckpt, &created); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.CheckpointPath = ckpt.String
		r.CreatedAt = time.UnixMilli(created)
		records = append(records, r)
	}
	return records, rows.Err()
}

// LastEpoch returns the highest recorded epoch, or 0 when history is empty.
func (db *DB) LastEpoch() (int, error) {
	var epoch int
	err := db.QueryRow("SELECT COALESCE(MAX(epoch), 0) FROM training_history").Scan(&epoch)
	if err != nil {
		return 0, fmt.Errorf("last epoch: %w", err)
	}
	return epoch, nil
}

// PruneHistory deletes records created before the cutoff and returns how
// many were removed.
func (db *DB) PruneHistory(before time.Time) (int64, error) {
	result, err := db.Exec("DELETE FROM training_history WHERE created_at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
