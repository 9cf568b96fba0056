// Package prompt builds the generation request for one turn: persona template
// substitution, classification context, conditional behavioral overrides, and
// the sanitized long-term pattern block. It also owns the internal section
// markers shared with the response sanitizer.
package prompt

// Internal section markers. The composer emits some of these to structure the
// prompt; the generation model is instructed to use others to separate its
// reasoning from the visible reply. None of them may ever reach the user —
// the response sanitizer strips every token below even when the model leaks
// them.
const (
	MarkerContextOpen    = "[context]"
	MarkerContextClose   = "[/context]"
	MarkerOverrideOpen   = "[override]"
	MarkerOverrideClose  = "[/override]"
	MarkerReasoningOpen  = "<reasoning>"
	MarkerReasoningClose = "</reasoning>"
	MarkerReplyOpen      = "<reply>"
	MarkerReplyClose     = "</reply>"
	MarkerOptionsOpen    = "<options>"
	MarkerOptionsClose   = "</options>"
)

// Markers lists every internal marker token in stripping order.
var Markers = []string{
	MarkerContextOpen, MarkerContextClose,
	MarkerOverrideOpen, MarkerOverrideClose,
	MarkerReasoningOpen, MarkerReasoningClose,
	MarkerReplyOpen, MarkerReplyClose,
	MarkerOptionsOpen, MarkerOptionsClose,
}
