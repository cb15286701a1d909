package scheduler

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lazypower/attune/internal/persist"
)

// BufferVersion is the format version of buffer.json.
const BufferVersion = 1

// counters survive restarts alongside the buffer.
type counters struct {
	TotalRuns  int       `json:"total_runs"`
	FailedRuns int       `json:"failed_runs"`
	LastLoss   float64   `json:"last_loss"`
	LastError  string    `json:"last_error,omitempty"`
	LastRunAt  time.Time `json:"last_run_at,omitzero"`
	Dropped    int       `json:"dropped"`
}

type bufferFile struct {
	Version      int          `json:"version"`
	Timestamp    time.Time    `json:"timestamp"`
	Trajectories []Trajectory `json:"trajectories"`
	Stats        counters     `json:"stats"`
}

// load restores the buffer from disk. A missing file is not an error.
func (s *Scheduler) load() error {
	if s.path == "" {
		return nil
	}
	var f bufferFile
	if err := persist.ReadJSON(s.path, BufferVersion, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load buffer: %w", err)
	}

	kept := f.Trajectories[:0]
	for _, t := range f.Trajectories {
		if err := t.Validate(); err != nil {
			continue
		}
		kept = append(kept, t)
	}
	s.buffer = kept
	s.counters = f.Stats
	return nil
}

// saveLocked writes the buffer, or removes the file once the buffer is
// empty. The caller holds s.mu.
func (s *Scheduler) saveLocked() error {
	if s.path == "" {
		return nil
	}
	if len(s.buffer) == 0 {
		return persist.Remove(s.path)
	}
	return persist.WriteJSON(s.path, bufferFile{
		Version:      BufferVersion,
		Timestamp:    s.now().UTC(),
		Trajectories: s.buffer,
		Stats:        s.counters,
	})
}
