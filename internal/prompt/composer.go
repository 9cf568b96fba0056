package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

// Classification categories produced by the router for one turn.
const (
	CategorySafetyRisk = "safety_risk"
	CategoryCasual     = "casual"
	CategoryOther      = "other"
)

// Classification is the router output for one turn. It is produced per turn
// and never persisted beyond it (a compact trace may be stored in message
// metadata).
type Classification struct {
	Category  string `json:"category"`
	Urgency   string `json:"urgency"`
	Reasoning string `json:"reasoning"`
}

// Profile carries the personalization values substituted into the persona
// template.
type Profile struct {
	DisplayName          string
	ArchetypeLabel       string
	ArchetypeBlend       string
	ArchetypeDescription string
}

// Overrides are the conditional behavioral switches applied after
// substitution. SoftSpiral takes precedence over casual mode; the two are
// mutually exclusive.
type Overrides struct {
	SoftSpiral bool
	// Patterns are accumulated long-term behavioral patterns. They originate
	// from prior model output fed back in, so each entry is sanitized before
	// it may appear in the prompt.
	Patterns []string
}

// Composer assembles the final generation prompt for one turn.
type Composer struct {
	// BaseTemplate is the persona template containing {{token}} placeholders.
	BaseTemplate string
}

// Placeholder syntax: {{token_name}}.
var placeholderRE = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Neutral stand-ins for unresolved profile values. Literal placeholder text
// must never leak into the prompt.
const (
	standInName      = "friend"
	standInArchetype = "a thoughtful companion"
	standInBlend     = "a balanced mix"
	standInDesc      = "someone who values genuine connection"
)

// Compose builds the final prompt. Steps, in order:
//  1. substitute profile placeholders (unknown tokens are removed, never
//     leaked literally);
//  2. append the machine-readable classification context block;
//  3. apply the soft-spiral override, or else the casual-mode override;
//  4. append the sanitized known-patterns block, omitted entirely when
//     nothing survives sanitization.
func (c Composer) Compose(p Profile, cls Classification, ov Overrides) string {
	var b strings.Builder
	b.WriteString(c.substitute(p))

	b.WriteString("\n\n")
	b.WriteString(MarkerContextOpen)
	fmt.Fprintf(&b, "\ncategory: %s\nurgency: %s\nreasoning: %s\n", cls.Category, cls.Urgency, cls.Reasoning)
	b.WriteString(MarkerContextClose)

	// Soft spiral wins over casual mode; the overrides never stack.
	if ov.SoftSpiral {
		b.WriteString("\n\n")
		b.WriteString(MarkerOverrideOpen)
		b.WriteString("\nThe user is shutting down emotionally. Drop all strategic framing. " +
			"Respond with short, warm grounding language. Do not analyze, do not plan, do not list. " +
			"End with exactly one tiny suggested action the user could take right now.\n")
		b.WriteString(MarkerOverrideClose)
	} else if cls.Category == CategoryCasual {
		b.WriteString("\n\n")
		b.WriteString(MarkerOverrideOpen)
		b.WriteString("\nThis is a casual exchange. Skip structured strategy output entirely and " +
			"do not offer selectable options. Just talk like a close friend.\n")
		b.WriteString(MarkerOverrideClose)
	}

	if block := patternsBlock(ov.Patterns); block != "" {
		b.WriteString("\n\n")
		b.WriteString(block)
	}

	return b.String()
}

// substitute resolves the persona template's placeholders against the profile,
// using neutral stand-ins for missing values and removing tokens it does not
// recognize.
func (c Composer) substitute(p Profile) string {
	values := map[string]string{
		"user_name":             firstNonBlank(p.DisplayName, standInName),
		"archetype_label":       firstNonBlank(p.ArchetypeLabel, standInArchetype),
		"archetype_blend":       firstNonBlank(p.ArchetypeBlend, standInBlend),
		"archetype_description": firstNonBlank(p.ArchetypeDescription, standInDesc),
	}
	return placeholderRE.ReplaceAllStringFunc(c.BaseTemplate, func(m string) string {
		token := placeholderRE.FindStringSubmatch(m)[1]
		if v, ok := values[token]; ok {
			return v
		}
		return ""
	})
}

// patternsBlock sanitizes each stored pattern and renders the bulleted
// known-patterns section. It returns "" when no pattern survives.
func patternsBlock(patterns []string) string {
	clean := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if s := SanitizePattern(p); s != "" {
			clean = append(clean, s)
		}
	}
	if len(clean) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known patterns in how this user operates:\n")
	for _, s := range clean {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// PatternMaxLen caps each behavioral pattern injected into a prompt.
const PatternMaxLen = 200

var (
	// markup-like fragments to strip: HTML/XML-style tags, square-bracket
	// section tags, and template placeholders.
	tagRE         = regexp.MustCompile(`</?[a-zA-Z][^<>]*>`)
	bracketTagRE  = regexp.MustCompile(`\[/?[a-zA-Z_]+\]`)
	placeholderRX = regexp.MustCompile(`\{\{[^{}]*\}\}`)
)

// SanitizePattern strips embedded markup-like tags from a stored behavioral
// pattern, collapses whitespace, and truncates to PatternMaxLen runes with a
// trailing ellipsis marker. It returns "" when nothing survives trimming.
//
// The function is idempotent: a tag-free string within the length cap is
// returned unchanged. Patterns are prior model output fed back into prompts,
// so this is the injection barrier for that path.
func SanitizePattern(s string) string {
	s = tagRE.ReplaceAllString(s, "")
	s = bracketTagRE.ReplaceAllString(s, "")
	s = placeholderRX.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	runes := []rune(s)
	if len(runes) > PatternMaxLen {
		s = strings.TrimSpace(string(runes[:PatternMaxLen])) + "..."
	}
	return s
}

// firstNonBlank returns the first argument with non-whitespace content.
func firstNonBlank(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
