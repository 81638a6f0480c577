// Package poll runs bounded status checks against an external resource until
// it reaches a terminal state, the budget runs out, or the caller cancels.
package poll

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultInterval             = 3 * time.Second
	DefaultMaxElapsed           = 10 * time.Minute
	DefaultMaxTransientFailures = 3
)

// Failure reasons reported by the poller itself.
const (
	ReasonTimeout          = "timeout"
	ReasonTooManyTransient = "too_many_transient_errors"
	ReasonNotFound         = "not_found"
	ReasonFailed           = "failed"
	ReasonInvalidCheck     = "invalid_check"
)

type Status string

const (
	StatusChecking  Status = "checking"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further checks will run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeSucceeded
	outcomeFailed
)

// Result is what one status check observed.
type Result struct {
	outcome outcome
	data    any
	reason  string
}

func Succeeded(data any) Result {
	return Result{outcome: outcomeSucceeded, data: data}
}

func Failed(reason string) Result {
	return Result{outcome: outcomeFailed, reason: reason}
}

func Pending() Result {
	return Result{}
}

func (r Result) Terminal() bool {
	return r.outcome != outcomePending
}

func (r Result) String() string {
	switch r.outcome {
	case outcomeSucceeded:
		return "succeeded"
	case outcomeFailed:
		return "failed: " + r.reason
	default:
		return "pending"
	}
}

// TerminalError stops a task immediately with Reason, bypassing the
// transient failure counter.
type TerminalError struct {
	Reason string
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Err == nil {
		return "terminal: " + e.Reason
	}
	return fmt.Sprintf("terminal: %s: %v", e.Reason, e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

func Terminal(reason string, err error) error {
	return &TerminalError{Reason: reason, Err: err}
}

// IsTerminal extracts the reason from a TerminalError anywhere in err's chain.
func IsTerminal(err error) (string, bool) {
	var te *TerminalError
	if errors.As(err, &te) {
		return te.Reason, true
	}
	return "", false
}

// Options configure one task. Zero values fall back to the defaults;
// a negative MaxTransientFailures disables that limit.
type Options struct {
	Interval             time.Duration
	MaxElapsed           time.Duration
	MaxAttempts          int
	MaxTransientFailures int

	OnSuccess func(data any)
	OnFailure func(reason string)
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = DefaultMaxElapsed
	}
	if o.MaxTransientFailures == 0 {
		o.MaxTransientFailures = DefaultMaxTransientFailures
	}
	return o
}
