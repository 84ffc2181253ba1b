// Package sink defines the destinations a submission is written to and how their failures are classified.
package sink

import (
	"context"
	"fmt"

	"github.com/pavelanni/studyflow/internal/model"
)

// Sink is an independent persistent store for submissions.
type Sink interface {
	Name() string
	// Write stores sub and returns the record id assigned by the sink.
	Write(ctx context.Context, sub *model.Submission) (string, error)
}

// TransientError is a failure a later attempt may not repeat: timeouts, lost
// connections, overload or rate limiting.
type TransientError struct {
	Sink string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Sink, e.Err)
}

func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Retryable() bool { return true }

// TerminalError is a rejection that will repeat on every attempt.
type TerminalError struct {
	Sink string
	Err  error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s: rejected: %v", e.Sink, e.Err)
}

func (e *TerminalError) Unwrap() error   { return e.Err }
func (e *TerminalError) Retryable() bool { return false }

// Func adapts a function to the Sink interface.
type Func struct {
	SinkName string
	Fn       func(ctx context.Context, sub *model.Submission) (string, error)
}

func (f Func) Name() string { return f.SinkName }

func (f Func) Write(ctx context.Context, sub *model.Submission) (string, error) {
	return f.Fn(ctx, sub)
}
