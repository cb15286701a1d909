package worker

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/lazypower/attune/internal/config"
	"github.com/lazypower/attune/internal/optim"
	"github.com/lazypower/attune/internal/trainer"
	"github.com/lazypower/attune/internal/transform"
)

func testWorker(t *testing.T, epochs int) *Worker {
	t.Helper()
	cfg := config.Default().Training
	cfg.Epochs = epochs
	cfg.BatchSize = 4
	cfg.ValidationSplit = 0
	cfg.EarlyStoppingPatience = 0
	cfg.Parallelism = 1
	w := New(trainer.New(cfg, optim.NewEWC(0, ""), trainer.WithSeed(1)), 1)
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func testInputs(t *testing.T) (*transform.Model, []trainer.Sample) {
	t.Helper()
	m, err := transform.New(6, []transform.LayerSpec{
		transform.NewLayerSpec(6, 6, transform.Tanh, false),
	}, 0.5, 8, 1, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rng := rand.New(rand.NewPCG(5, 5))
	samples := make([]trainer.Sample, 12)
	for i := range samples {
		emb := make([]float64, 6)
		for j := range emb {
			emb[j] = rng.NormFloat64()
		}
		q := 0.9
		if i%2 == 0 {
			q = 0.2
		}
		samples[i] = trainer.Sample{Embedding: emb, Quality: q}
	}
	return m, samples
}

func next(t *testing.T, w *Worker) Message {
	t.Helper()
	select {
	case msg := <-w.Messages():
		return msg
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for worker message")
		return Message{}
	}
}

func TestCancelAfterSecondEpoch(t *testing.T) {
	w := testWorker(t, 10)
	ctx := context.Background()
	m, samples := testInputs(t)

	start := StartMessage(m, samples)
	if err := w.Send(ctx, start); err != nil {
		t.Fatalf("Send start: %v", err)
	}

	epochs := 0
	for {
		msg := next(t, w)
		if msg.RunID != start.RunID {
			t.Fatalf("message for unexpected run %q", msg.RunID)
		}
		switch msg.Kind {
		case KindEpoch:
			epochs++
			if ev := msg.Payload.(trainer.Event); ev.Epoch == 2 {
				if err := w.Send(ctx, CancelMessage(start.RunID)); err != nil {
					t.Fatalf("Send cancel: %v", err)
				}
			}
		case KindComplete:
			p := msg.Payload.(CompletePayload)
			if !p.Cancelled {
				t.Error("complete message without cancelled:true")
			}
			if p.Result.EpochsCompleted != 2 {
				t.Errorf("EpochsCompleted = %d, want 2", p.Result.EpochsCompleted)
			}
			if epochs != 2 {
				t.Errorf("received %d epoch messages, want 2", epochs)
			}
			return
		case KindError:
			t.Fatalf("run failed: %+v", msg.Payload)
		}
	}
}

func TestRunToCompletion(t *testing.T) {
	w := testWorker(t, 3)
	m, samples := testInputs(t)
	start := StartMessage(m, samples)
	if err := w.Send(context.Background(), start); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var batches, progress int
	for {
		msg := next(t, w)
		switch msg.Kind {
		case KindBatch:
			batches++
		case KindProgress:
			progress++
		case KindComplete:
			p := msg.Payload.(CompletePayload)
			if p.Cancelled || p.Result.EpochsCompleted != 3 {
				t.Errorf("complete = %+v", p.Result)
			}
			if batches != 9 || progress != 3 {
				t.Errorf("batches=%d progress=%d, want 9 and 3", batches, progress)
			}
			if p.Result.Model == m {
				t.Error("result model aliases the input model")
			}
			return
		case KindError:
			t.Fatalf("run failed: %+v", msg.Payload)
		}
	}
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	w := testWorker(t, 3)
	ctx := context.Background()
	m, samples := testInputs(t)

	first := StartMessage(m, samples)
	second := StartMessage(m, samples)
	if err := w.Send(ctx, first); err != nil {
		t.Fatalf("Send first: %v", err)
	}
	if err := w.Send(ctx, second); err != nil {
		t.Fatalf("Send second: %v", err)
	}

	rejected, completed := false, false
	for !(rejected && completed) {
		msg := next(t, w)
		switch {
		case msg.Kind == KindError && msg.RunID == second.RunID:
			rejected = true
		case msg.Kind == KindComplete && msg.RunID == first.RunID:
			completed = true
		case msg.Kind == KindComplete && msg.RunID == second.RunID:
			t.Fatal("second run started while the first was in progress")
		}
	}
}

// untilComplete reads messages until runID completes, skipping other runs.
func untilComplete(t *testing.T, w *Worker, runID string) CompletePayload {
	t.Helper()
	for {
		msg := next(t, w)
		if msg.RunID != runID {
			continue
		}
		switch msg.Kind {
		case KindComplete:
			return msg.Payload.(CompletePayload)
		case KindError:
			t.Fatalf("run %s failed: %+v", runID, msg.Payload)
		}
	}
}

func TestRejectionAfterLastEpochDoesNotBlockNextRun(t *testing.T) {
	w := testWorker(t, 1)
	ctx := context.Background()
	m, samples := testInputs(t)

	first := StartMessage(m, samples)
	if err := w.Send(ctx, first); err != nil {
		t.Fatalf("Send first: %v", err)
	}
	for {
		msg := next(t, w)
		if msg.Kind == KindEpoch {
			break
		}
		if msg.Kind == KindError {
			t.Fatalf("run failed: %+v", msg.Payload)
		}
	}

	// The worker is now publishing the complete message; this start is
	// rejected while it waits.
	if err := w.Send(ctx, StartMessage(m, samples)); err != nil {
		t.Fatalf("Send second: %v", err)
	}
	if msg := next(t, w); msg.Kind != KindComplete || msg.RunID != first.RunID {
		t.Fatalf("got %s for %s, want complete for first run", msg.Kind, msg.RunID)
	}

	third := StartMessage(m, samples)
	if err := w.Send(ctx, third); err != nil {
		t.Fatalf("Send third: %v", err)
	}
	if p := untilComplete(t, w, third.RunID); p.Result.EpochsCompleted != 1 {
		t.Errorf("EpochsCompleted = %d, want 1", p.Result.EpochsCompleted)
	}
}

func TestUnexpectedMessageWithoutReader(t *testing.T) {
	w := testWorker(t, 1)
	ctx := context.Background()
	m, samples := testInputs(t)

	if err := w.Send(ctx, newMessage(KindProgress, "stray", nil)); err != nil {
		t.Fatalf("Send stray: %v", err)
	}
	start := StartMessage(m, samples)
	if err := w.Send(ctx, start); err != nil {
		t.Fatalf("Send start: %v", err)
	}
	if p := untilComplete(t, w, start.RunID); p.Cancelled {
		t.Error("run reported cancelled")
	}
}

func TestInvalidStartReportsError(t *testing.T) {
	w := testWorker(t, 1)
	m, _ := testInputs(t)
	start := StartMessage(m, nil)
	w.Send(context.Background(), start)

	msg := next(t, w)
	if msg.Kind != KindError {
		t.Fatalf("kind = %s, want error", msg.Kind)
	}
	if p := msg.Payload.(ErrorPayload); p.Reason == "" || p.Err == nil {
		t.Errorf("payload = %+v", p)
	}
}

func TestSendAfterStop(t *testing.T) {
	w := testWorker(t, 1)
	w.Stop()
	if err := w.Send(context.Background(), CancelMessage("x")); err != ErrStopped {
		t.Errorf("Send after Stop = %v, want ErrStopped", err)
	}
}
