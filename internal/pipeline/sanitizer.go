package pipeline

import (
	"strings"
	"unicode/utf8"

	"github.com/emberlabs/go-companion-backend/internal/prompt"
)

const (
	// MaxReplyRunes bounds the visible reply length to cap UI and storage cost.
	MaxReplyRunes = 5000

	// ReplyFallback substitutes an empty sanitized reply so a message with no
	// visible text is never persisted.
	ReplyFallback = "I'm here with you."
)

// SanitizeResponse removes every internal section marker the model must never
// leak, trims surrounding whitespace, substitutes the fallback phrase when
// nothing remains, and truncates to MaxReplyRunes. Purely textual and
// synchronous.
func SanitizeResponse(raw string) string {
	s := raw
	for _, marker := range prompt.Markers {
		s = strings.ReplaceAll(s, marker, "")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return ReplyFallback
	}
	if utf8.RuneCountInString(s) > MaxReplyRunes {
		s = string([]rune(s)[:MaxReplyRunes])
	}
	return s
}
