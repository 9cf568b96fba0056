// Package pipeline implements the message orchestration state machine: one
// user turn in, one moderated, personalized, policy-governed companion reply
// out. This file centralizes the turn error taxonomy.
//
// Safety blocks and quota blocks are routing outcomes, not errors — they are
// resolved locally before any network call and never produce an error value.
// Everything below maps a mid-flight failure (classification, generation, or
// persistence) to a closed set of user-facing categories; raw collaborator
// errors never cross the pipeline boundary.
package pipeline

import (
	"context"
	"errors"
)

// Sentinel causes that generator/classifier implementations wrap so the
// pipeline can map them onto the taxonomy with errors.Is.
var (
	// ErrRateLimited signals the model service rejected the call for rate
	// reasons; retryable after a cooldown.
	ErrRateLimited = errors.New("model rate limited")
	// ErrOffline signals no connectivity to the model service; retryable,
	// surfaced as a persistent banner until connectivity returns.
	ErrOffline = errors.New("network offline")
	// ErrTimedOut signals the model call exceeded its deadline; retryable,
	// distinct from cancellation.
	ErrTimedOut = errors.New("model call timed out")
)

// Local submit rejections. These are caller errors, not turn failures: no
// retry ledger entry is recorded for them.
var (
	// ErrBusy is returned when a submit arrives while a turn is already in
	// flight for the same conversation. Turns are never queued.
	ErrBusy = errors.New("a turn is already in flight for this conversation")
	// ErrEmptyTurn is returned when the submitted turn has no text and no image.
	ErrEmptyTurn = errors.New("turn is empty")
	// ErrNothingToRetry is returned by Retry when the ledger holds no failed turn.
	ErrNothingToRetry = errors.New("no failed turn to retry")
)

// ErrorKind is the closed taxonomy of retryable turn failures.
type ErrorKind string

const (
	KindCancelled   ErrorKind = "cancelled"
	KindRateLimited ErrorKind = "rate_limited"
	KindOffline     ErrorKind = "offline"
	KindTimeout     ErrorKind = "timeout"
	KindUnknown     ErrorKind = "unknown"
)

// TurnError is the single current-error value exposed past the pipeline
// boundary for a failed turn. Every TurnError is retryable: the original
// text is preserved in the retry ledger.
type TurnError struct {
	Kind  ErrorKind
	cause error
}

// Error implements the error interface.
func (e *TurnError) Error() string {
	return "turn failed (" + string(e.Kind) + "): " + e.cause.Error()
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *TurnError) Unwrap() error { return e.cause }

// Retryable reports whether the failed turn may be resubmitted. All taxonomy
// kinds are retryable; quota exhaustion never becomes a TurnError.
func (e *TurnError) Retryable() bool { return true }

// Persistent reports whether the user-facing notice should stay on screen
// until the condition clears instead of auto-dismissing. Only offline
// failures persist.
func (e *TurnError) Persistent() bool { return e.Kind == KindOffline }

// UserMessage returns the category-specific notice for the failed turn.
func (e *TurnError) UserMessage() string {
	switch e.Kind {
	case KindCancelled:
		return "That got interrupted. Tap to try again."
	case KindRateLimited:
		return "I'm getting a lot of messages right now. Try again shortly."
	case KindOffline:
		return "You're offline. I'll be here when you're back."
	case KindTimeout:
		return "That's taking too long. Tap to try again."
	default:
		return "Something went wrong. Tap to try again."
	}
}

// classifyErr maps a mid-flight failure onto the taxonomy. Cancellation is
// detected first so a host-initiated interrupt is never mistaken for a model
// error; a collaborator deadline maps to timeout, not cancellation.
func classifyErr(err error) *TurnError {
	switch {
	case errors.Is(err, context.Canceled):
		return &TurnError{Kind: KindCancelled, cause: err}
	case errors.Is(err, ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return &TurnError{Kind: KindTimeout, cause: err}
	case errors.Is(err, ErrRateLimited):
		return &TurnError{Kind: KindRateLimited, cause: err}
	case errors.Is(err, ErrOffline):
		return &TurnError{Kind: KindOffline, cause: err}
	default:
		return &TurnError{Kind: KindUnknown, cause: err}
	}
}
