package worker

import (
	"context"
	"strings"
	"time"
)

// EchoProducer streams the prompt message back in word-sized fragments.
// It is the built-in producer used when no upstream agent is wired,
// mainly for development and integration tests.
type EchoProducer struct {
	Message string

	// Delay between fragments; zero means emit as fast as possible.
	Delay time.Duration
}

// Produce implements Producer.
func (e *EchoProducer) Produce(ctx context.Context, emit func(text string)) error {
	for _, word := range strings.Fields(e.Message) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		emit(word)
		if e.Delay > 0 {
			select {
			case <-time.After(e.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
