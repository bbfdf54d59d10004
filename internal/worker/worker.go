// Package worker runs one conversation turn, publishing its lifecycle
// and streamed content to the broadcaster.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/inercia/courier/internal/broadcast"
	"github.com/inercia/courier/internal/event"
	"github.com/inercia/courier/internal/execctx"
)

// Producer emits the content fragments of a turn through emit.
// Implementations must return promptly once ctx is cancelled;
// cancellation between fragments is cooperative.
type Producer interface {
	Produce(ctx context.Context, emit func(text string)) error
}

// ProducerFunc adapts a function to the Producer interface.
type ProducerFunc func(ctx context.Context, emit func(text string)) error

// Produce implements Producer.
func (f ProducerFunc) Produce(ctx context.Context, emit func(text string)) error {
	return f(ctx, emit)
}

// Runner executes worker turns against a broadcaster and the execution
// context store. It is safe for concurrent use across conversations.
type Runner struct {
	broadcaster *broadcast.Broadcaster
	contexts    *execctx.Store
	logger      *slog.Logger
}

// NewRunner creates a turn runner.
func NewRunner(b *broadcast.Broadcaster, contexts *execctx.Store, logger *slog.Logger) *Runner {
	return &Runner{
		broadcaster: b,
		contexts:    contexts,
		logger:      logger,
	}
}

// Run executes one turn for a conversation: it pushes the worker onto
// the conversation's execution stack, publishes worker-started, streams
// deduplicated content events, and finishes with a worker-finished event
// whose usage payload is the stream's terminal marker.
//
// A cancelled turn publishes no terminal marker - supersession must not
// look like completion to subscribers. A producer error is published as
// an error-kind event and propagated to the task awaiter.
func (r *Runner) Run(ctx context.Context, conversationID, workerID string, p Producer) error {
	ec := r.contexts.GetOrCreate(conversationID)
	ec.Push(workerID)
	started := time.Now()
	delivered := 0

	r.broadcaster.Publish(conversationID, event.New(
		conversationID, ec.NextSeq(), event.KindWorkerStarted, event.StartedPayload(workerID)))

	emit := func(text string) {
		if ctx.Err() != nil {
			return
		}
		payload := event.ContentPayload(text)
		ev := event.New(conversationID, ec.NextSeq(), event.KindContent, payload)
		if r.broadcaster.Publish(conversationID, ev) {
			delivered++
			ec.RecordEvent(workerID)
		}
	}

	err := p.Produce(ctx, emit)

	ec.Pop()
	ec.FinishWorker(workerID)

	if err == nil {
		err = ctx.Err()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if r.logger != nil {
			r.logger.Debug("worker turn cancelled",
				"conversation_id", conversationID,
				"worker_id", workerID,
				"delivered", delivered)
		}
		return err
	}
	if err != nil {
		r.broadcaster.Publish(conversationID, event.New(
			conversationID, ec.NextSeq(), event.KindError, event.ErrorPayload(err.Error())))
		if r.logger != nil {
			r.logger.Error("worker turn failed",
				"conversation_id", conversationID,
				"worker_id", workerID,
				"error", err)
		}
		return err
	}

	usage := event.Usage{
		Events:     delivered,
		DurationMS: time.Since(started).Milliseconds(),
	}
	r.broadcaster.Publish(conversationID, event.New(
		conversationID, ec.NextSeq(), event.KindWorkerFinished, event.FinishedPayload(workerID, usage)))

	if r.logger != nil {
		r.logger.Debug("worker turn finished",
			"conversation_id", conversationID,
			"worker_id", workerID,
			"delivered", delivered,
			"duration_ms", usage.DurationMS)
	}
	return nil
}
