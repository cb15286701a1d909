package engine

import (
	"log"
	"time"
)

// PruneHistory deletes training records older than keep. A zero keep
// deletes nothing.
func (e *Engine) PruneHistory(keep time.Duration) (int64, error) {
	if e.db == nil {
		return 0, ErrNoStore
	}
	if keep <= 0 {
		return 0, nil
	}
	return e.db.PruneHistory(time.Now().Add(-keep))
}

// StartRetentionTimer prunes history on startup and then daily until
// Shutdown.
func (e *Engine) StartRetentionTimer() {
	if e.db == nil || e.cfg.Scheduler.HistoryRetention <= 0 {
		return
	}
	e.prune()

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.prune()
			case <-e.stopCh:
				return
			}
		}
	}()
}

func (e *Engine) prune() {
	if n, err := e.PruneHistory(e.cfg.Scheduler.HistoryRetention); err != nil {
		log.Printf("retention error: %v", err)
	} else if n > 0 {
		log.Printf("retention: pruned %d training records", n)
	}
}
