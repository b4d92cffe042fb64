package stage

import (
	"context"

	"github.com/strtrek/babelor-engine/message"
)

// Hook processes one inbound envelope. It always receives a fully decoded
// envelope of its own and may return a structurally different one. Returning
// a nil envelope with a nil error drops the message.
type Hook func(ctx context.Context, e *message.Envelope) (*message.Envelope, error)

// PassThrough returns its input unchanged.
func PassThrough(_ context.Context, e *message.Envelope) (*message.Envelope, error) {
	return e, nil
}

// Chain runs hooks in order, feeding each result to the next.
func Chain(hooks ...Hook) Hook {
	return func(ctx context.Context, e *message.Envelope) (*message.Envelope, error) {
		var err error
		for _, h := range hooks {
			if e, err = h(ctx, e); err != nil || e == nil {
				return e, err
			}
		}
		return e, nil
	}
}

// Sink consumes envelopes at the end of the pipeline.
type Sink interface {
	Write(ctx context.Context, e *message.Envelope) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e *message.Envelope) error

func (f SinkFunc) Write(ctx context.Context, e *message.Envelope) error {
	return f(ctx, e)
}
