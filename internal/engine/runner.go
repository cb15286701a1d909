package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/lazypower/attune/internal/scheduler"
	"github.com/lazypower/attune/internal/store"
	"github.com/lazypower/attune/internal/trainer"
	"github.com/lazypower/attune/internal/worker"
)

// Train implements scheduler.Runner. It hands the batch to the worker,
// follows the run's messages to completion, and swaps the trained model in.
// Cancelling ctx sends a cancel message; epochs completed before it are
// kept.
func (e *Engine) Train(ctx context.Context, trigger scheduler.Trigger, batch []scheduler.Trajectory) (scheduler.Outcome, error) {
	samples := make([]trainer.Sample, 0, len(batch))
	for _, t := range batch {
		samples = append(samples, trainer.Sample{Embedding: t.Embedding, Quality: *t.Quality})
	}

	start := worker.StartMessage(e.model.Load(), samples)
	out := scheduler.Outcome{RunID: start.RunID}
	began := time.Now()

	if e.db != nil {
		if _, err := e.db.StartRun(start.RunID, string(trigger), len(samples)); err != nil {
			log.Printf("engine: record run start: %v", err)
		}
	}
	if err := e.worker.Send(ctx, start); err != nil {
		e.finishRun(start.RunID, store.RunFailed, nil, err.Error(), began)
		return out, fmt.Errorf("start run: %w", err)
	}

	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			if err := e.worker.Send(context.Background(), worker.CancelMessage(start.RunID)); err != nil {
				log.Printf("engine: cancel run %s: %v", start.RunID, err)
			}

		case <-e.worker.Done():
			e.finishRun(start.RunID, store.RunFailed, nil, "worker stopped", began)
			return out, worker.ErrStopped

		case msg := <-e.worker.Messages():
			if msg.RunID != start.RunID {
				log.Printf("engine: ignoring %s message for run %s", msg.Kind, msg.RunID)
				continue
			}
			switch msg.Kind {
			case worker.KindBatch:
				e.metrics.batchesSeen.Add(1)
			case worker.KindEpoch:
				if ev, ok := msg.Payload.(trainer.Event); ok {
					log.Printf("engine: run %s epoch %d/%d loss %.4f val %.4f",
						start.RunID, ev.Epoch, ev.Epochs, ev.Loss, ev.ValLoss)
				}
			case worker.KindError:
				p, _ := msg.Payload.(worker.ErrorPayload)
				e.finishRun(start.RunID, store.RunFailed, nil, p.Reason, began)
				if p.Err != nil {
					return out, p.Err
				}
				return out, errors.New(p.Reason)
			case worker.KindComplete:
				p, _ := msg.Payload.(worker.CompletePayload)
				res := p.Result
				if res == nil {
					e.finishRun(start.RunID, store.RunFailed, nil, "complete without result", began)
					return out, errors.New("complete without result")
				}
				out.Epochs = res.EpochsCompleted
				out.Loss = res.FinalLoss
				out.Cancelled = p.Cancelled
				e.adopt(res, p.Cancelled)
				status := store.RunCompleted
				if p.Cancelled {
					status = store.RunCancelled
				}
				e.finishRun(start.RunID, status, res, "", began)
				return out, nil
			}
		}
	}
}

// adopt swaps the trained model in when at least one epoch completed and
// clears the cache, whose keys belong to the old version. The checkpoint is
// committed last, so it records the served version and the history left
// after any consolidation.
func (e *Engine) adopt(res *trainer.Result, cancelled bool) {
	if res.EpochsCompleted == 0 || res.Model == nil {
		return
	}
	next := res.Model
	next.Version = e.model.Load().Version + 1
	e.model.Store(next)
	e.cache.Clear()
	log.Printf("engine: model version %d in service", next.Version)

	if e.cfg.EWC.ConsolidateOnTrain && !cancelled {
		if err := e.ewc.CompleteTask(next); err != nil {
			log.Printf("engine: consolidate after run %s: %v", res.RunID, err)
		}
	}
	if err := e.trainer.Commit(next); err != nil {
		log.Printf("engine: commit checkpoint for run %s: %v", res.RunID, err)
	}
}

func (e *Engine) finishRun(runID, status string, res *trainer.Result, reason string, began time.Time) {
	epochs := 0
	loss, best := math.NaN(), math.NaN()
	if res != nil {
		epochs = res.EpochsCompleted
		loss, best = res.FinalLoss, res.BestValLoss
	}
	e.metrics.observeRun(status, epochs, time.Since(began))
	if e.db == nil {
		return
	}
	if err := e.db.FinishRun(runID, status, epochs, loss, best, reason); err != nil {
		log.Printf("engine: record run finish: %v", err)
	}
}
