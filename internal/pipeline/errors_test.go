package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyErr_Taxonomy(t *testing.T) {
	cases := []struct {
		err  error
		kind ErrorKind
	}{
		{context.Canceled, KindCancelled},
		{fmt.Errorf("call: %w", context.Canceled), KindCancelled},
		{context.DeadlineExceeded, KindTimeout},
		{fmt.Errorf("gen: %w", ErrTimedOut), KindTimeout},
		{fmt.Errorf("gen: %w", ErrRateLimited), KindRateLimited},
		{fmt.Errorf("gen: %w", ErrOffline), KindOffline},
		{errors.New("something exploded"), KindUnknown},
	}
	for _, tc := range cases {
		te := classifyErr(tc.err)
		if te.Kind != tc.kind {
			t.Errorf("classifyErr(%v).Kind = %q, want %q", tc.err, te.Kind, tc.kind)
		}
		if !errors.Is(te, tc.err) && !errors.Is(te.Unwrap(), tc.err) {
			t.Errorf("cause lost for %v", tc.err)
		}
		if !te.Retryable() {
			t.Errorf("%q must be retryable", te.Kind)
		}
	}
}

func TestClassifyErr_CancellationBeatsDeadline(t *testing.T) {
	// An error wrapping both: cancellation is checked first.
	err := fmt.Errorf("%w after %w", context.Canceled, context.DeadlineExceeded)
	if te := classifyErr(err); te.Kind != KindCancelled {
		t.Fatalf("kind = %q, want cancelled", te.Kind)
	}
}

func TestTurnError_PersistentOnlyWhenOffline(t *testing.T) {
	for _, kind := range []ErrorKind{KindCancelled, KindRateLimited, KindTimeout, KindUnknown} {
		te := &TurnError{Kind: kind, cause: errors.New("x")}
		if te.Persistent() {
			t.Errorf("%q should not be persistent", kind)
		}
	}
	te := &TurnError{Kind: KindOffline, cause: errors.New("x")}
	if !te.Persistent() {
		t.Fatal("offline should be persistent")
	}
}

func TestTurnError_UserMessagesAreDistinct(t *testing.T) {
	seen := map[string]ErrorKind{}
	for _, kind := range []ErrorKind{KindCancelled, KindRateLimited, KindOffline, KindTimeout, KindUnknown} {
		te := &TurnError{Kind: kind, cause: errors.New("x")}
		msg := te.UserMessage()
		if msg == "" {
			t.Errorf("empty user message for %q", kind)
		}
		if prev, dup := seen[msg]; dup {
			t.Errorf("kinds %q and %q share the notice %q", prev, kind, msg)
		}
		seen[msg] = kind
	}
}
