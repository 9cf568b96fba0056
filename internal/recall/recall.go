// Package recall ranks stored user facts by relevance to the current turn so
// the generation call receives the most useful slice of long-term memory
// first. Scoring is a simple token-overlap blend: Jaccard overlap between
// turn tokens and fact tokens, with a small recency tiebreak. No I/O happens
// here; callers load facts and pass them in.
package recall

import (
	"regexp"
	"sort"
	"strings"

	"github.com/emberlabs/go-companion-backend/internal/domain"
)

// wordRE tokenizes on letters/digits.
var wordRE = regexp.MustCompile(`[\p{L}\p{N}]+`)

// stopWords are dropped before overlap scoring.
var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
	"i": {}, "me": {}, "my": {}, "you": {}, "your": {}, "we": {}, "so": {}, "just": {},
	"im": {}, "its": {}, "dont": {}, "do": {}, "not": {}, "have": {}, "has": {},
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range wordRE.FindAllString(strings.ToLower(s), -1) {
		if _, stop := stopWords[t]; stop {
			continue
		}
		out[t] = struct{}{}
	}
	return out
}

// overlap computes the Jaccard overlap between two token sets.
func overlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// RankFacts orders facts by relevance to the turn text and returns at most k
// of them. Facts that share no vocabulary with the turn keep their stored
// order behind every scored fact, so a short generic turn still carries some
// memory context.
func RankFacts(turnText string, facts []domain.UserFact, k int) []domain.UserFact {
	if k <= 0 || len(facts) == 0 {
		return nil
	}
	turn := tokenize(turnText)

	type scored struct {
		fact  domain.UserFact
		score float64
		pos   int
	}
	cands := make([]scored, 0, len(facts))
	for i, f := range facts {
		cands = append(cands, scored{
			fact:  f,
			score: overlap(turn, tokenize(f.Content)),
			pos:   i,
		})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		// newer facts win ties (stored order is oldest-first)
		return cands[i].pos > cands[j].pos
	})

	if k > len(cands) {
		k = len(cands)
	}
	out := make([]domain.UserFact, 0, k)
	for _, c := range cands[:k] {
		out = append(out, c.fact)
	}
	return out
}
