package pipeline

import "sync"

// retryEntry preserves the original text of the last failed outbound turn,
// exactly as submitted.
type retryEntry struct {
	text     string
	imageRef *string
}

// RetryLedger tracks at most one pending failed turn for one-tap retry. Each
// new failure replaces the contents; the ledger is cleared on any successful
// submit or explicit dismissal.
type RetryLedger struct {
	mu    sync.Mutex
	entry *retryEntry
}

// Set records the failed turn, replacing any previous entry.
func (l *RetryLedger) Set(text string, imageRef *string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry = &retryEntry{text: text, imageRef: imageRef}
}

// Peek returns the pending failed turn without consuming it.
func (l *RetryLedger) Peek() (text string, imageRef *string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entry == nil {
		return "", nil, false
	}
	return l.entry.text, l.entry.imageRef, true
}

// Clear empties the ledger.
func (l *RetryLedger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry = nil
}
