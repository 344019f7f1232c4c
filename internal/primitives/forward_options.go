package primitives

import (
	"context"
	"time"
)

// ForwardOptions carries per-call execution options through the context,
// so callers can vary sampling without changing a program's inputs.
type ForwardOptions struct {
	// Temperature overrides the program's sampling temperature when set
	Temperature *float64

	// MaxTokens overrides the generation budget when positive
	MaxTokens int

	// Timeout bounds the underlying LM call when positive
	Timeout time.Duration

	// CorrelationID ties the call to one optimization run's telemetry
	CorrelationID string
}

type forwardOptionsKey struct{}

// WithForwardOptions attaches options to the context.
func WithForwardOptions(ctx context.Context, opts ForwardOptions) context.Context {
	return context.WithValue(ctx, forwardOptionsKey{}, opts)
}

// ForwardOptionsFrom extracts options from the context; the zero value is
// returned when none were attached.
func ForwardOptionsFrom(ctx context.Context) ForwardOptions {
	if opts, ok := ctx.Value(forwardOptionsKey{}).(ForwardOptions); ok {
		return opts
	}
	return ForwardOptions{}
}
