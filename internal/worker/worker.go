// Package worker runs the trainer on its own goroutine and talks to the
// rest of the process only through messages: inbound start and cancel,
// outbound progress, batch, epoch, complete and error.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/attune/internal/trainer"
	"github.com/lazypower/attune/internal/transform"
)

// ErrStopped is returned by Send after the worker has shut down.
var ErrStopped = errors.New("worker stopped")

// Kind identifies a message.
type Kind string

const (
	KindStart    Kind = "start"
	KindCancel   Kind = "cancel"
	KindProgress Kind = "progress"
	KindBatch    Kind = "batch"
	KindEpoch    Kind = "epoch"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Message is the only thing that crosses the worker boundary.
type Message struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	RunID     string    `json:"run_id"`
	Payload   any       `json:"payload,omitempty"`
}

// StartPayload carries the model to train from and the samples.
type StartPayload struct {
	Model   *transform.Model
	Samples []trainer.Sample
}

// CompletePayload carries the finished run.
type CompletePayload struct {
	Result    *trainer.Result
	Cancelled bool
}

// ErrorPayload carries a failed run's reason.
type ErrorPayload struct {
	Reason string
	Err    error
}

func newMessage(kind Kind, runID string, payload any) Message {
	return Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Kind:      kind,
		RunID:     runID,
		Payload:   payload,
	}
}

// StartMessage builds a start request with a fresh run ID.
func StartMessage(model *transform.Model, samples []trainer.Sample) Message {
	return newMessage(KindStart, uuid.NewString(), StartPayload{Model: model, Samples: samples})
}

// CancelMessage builds a cancel request for runID.
func CancelMessage(runID string) Message {
	return newMessage(KindCancel, runID, nil)
}

// Worker owns a Trainer and drives it from a single goroutine. Both
// channels are unbuffered: while the worker blocks publishing an outbound
// message it keeps accepting inbound ones, so a cancel is never stuck
// behind progress output.
type Worker struct {
	tr         *trainer.Trainer
	yieldEvery int

	in   chan Message
	out  chan Message
	quit chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a worker. yieldEvery is the number of batches between
// cooperative yields; values below 1 yield before every batch.
func New(tr *trainer.Trainer, yieldEvery int) *Worker {
	if yieldEvery < 1 {
		yieldEvery = 1
	}
	return &Worker{
		tr:         tr,
		yieldEvery: yieldEvery,
		in:         make(chan Message),
		out:        make(chan Message),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the worker goroutine. Calling it twice is a no-op.
func (w *Worker) Start() {
	w.startOnce.Do(func() { go w.loop() })
}

// Stop cancels any run in progress and waits for the goroutine to exit.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	w.startOnce.Do(func() { close(w.done) })
	<-w.done
}

// Send delivers an inbound message.
func (w *Worker) Send(ctx context.Context, msg Message) error {
	select {
	case w.in <- msg:
		return nil
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages returns the outbound channel. There should be one reader.
func (w *Worker) Messages() <-chan Message {
	return w.out
}

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case msg := <-w.in:
			switch msg.Kind {
			case KindStart:
				w.run(msg)
			case KindCancel:
				log.Printf("worker: cancel for %s with no run in progress", msg.RunID)
			default:
				w.offer(newMessage(KindError, msg.RunID, ErrorPayload{
					Reason: fmt.Sprintf("unexpected inbound message %q", msg.Kind),
				}))
			}
		}
	}
}

func (w *Worker) run(msg Message) {
	c := &control{w: w, runID: msg.RunID, every: w.yieldEvery}
	defer c.drop()

	p, ok := msg.Payload.(StartPayload)
	if !ok || p.Model == nil {
		c.deliver(newMessage(KindError, msg.RunID, ErrorPayload{Reason: "start message without model"}))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.cancel = cancel

	res, err := w.tr.Run(ctx, msg.RunID, p.Model, p.Samples, c)
	c.flush()
	if err != nil {
		c.deliver(newMessage(KindError, msg.RunID, ErrorPayload{Reason: err.Error(), Err: err}))
		return
	}
	c.deliver(newMessage(KindComplete, msg.RunID, CompletePayload{Result: res, Cancelled: res.Cancelled}))
}

// control implements trainer.Control for one run.
type control struct {
	w         *Worker
	runID     string
	every     int
	batches   int
	cancelled bool
	cancel    context.CancelFunc
	pending   []Message
}

func (c *control) Yield(epoch, batch int) bool {
	if c.cancelled {
		return true
	}
	c.batches++
	if c.batches%c.every == 0 {
		runtime.Gosched()
		c.poll()
	}
	return c.cancelled
}

func (c *control) Emit(e trainer.Event) {
	kind := KindProgress
	switch e.Kind {
	case trainer.EventBatch:
		kind = KindBatch
	case trainer.EventEpoch:
		kind = KindEpoch
	}
	c.flush()
	c.deliver(newMessage(kind, c.runID, e))
}

// poll drains inbound messages without blocking.
func (c *control) poll() {
	for {
		select {
		case m := <-c.w.in:
			c.handle(m)
		case <-c.w.quit:
			c.stop()
			return
		default:
			return
		}
	}
}

func (c *control) handle(m Message) {
	switch m.Kind {
	case KindCancel:
		if m.RunID == "" || m.RunID == c.runID {
			c.stop()
		}
	case KindStart:
		c.pending = append(c.pending, newMessage(KindError, m.RunID, ErrorPayload{
			Reason: fmt.Sprintf("run %s already in progress", c.runID),
		}))
	}
}

func (c *control) stop() {
	c.cancelled = true
	if c.cancel != nil {
		c.cancel()
	}
}

// deliver publishes msg, servicing inbound messages while it waits.
func (c *control) deliver(msg Message) {
	for {
		select {
		case c.w.out <- msg:
			return
		case m := <-c.w.in:
			c.handle(m)
		case <-c.w.quit:
			c.stop()
			return
		}
	}
}

// offer publishes msg only if a reader is waiting.
func (w *Worker) offer(msg Message) {
	select {
	case w.out <- msg:
	default:
		log.Printf("worker: dropped %s message for %s, no reader", msg.Kind, msg.RunID)
	}
}

// drop offers whatever was queued after the run's final message.
func (c *control) drop() {
	for _, m := range c.pending {
		c.w.offer(m)
	}
	c.pending = nil
}

func (c *control) flush() {
	for len(c.pending) > 0 {
		next := c.pending[0]
		c.pending = c.pending[1:]
		c.deliver(next)
	}
}
