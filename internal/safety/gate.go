// Package safety implements the local, synchronous screening that runs before
// any network call in the message pipeline: crisis-language detection and
// "soft spiral" (emotional shutdown) detection.
//
// The gate is purely a classifier. It performs no persistence, no analytics,
// and no I/O; blocking decisions and tone overrides are acted on by the
// pipeline controller.
package safety

import "strings"

// Kind identifies the crisis category driving which fixed safety response is
// shown to the user.
type Kind string

const (
	KindSelfHarm     Kind = "self_harm"
	KindAbuse        Kind = "abuse"
	KindMentalHealth Kind = "severe_mental_health"
)

// Decision is the outcome of a crisis screen. Blocked=true short-circuits the
// pipeline: the turn is persisted together with a fixed crisis response and
// never reaches classification or generation.
type Decision struct {
	Blocked bool
	Kind    Kind
}

// Gate screens user text against fixed phrase lists. The zero value is not
// usable; construct with NewGate.
type Gate struct {
	crisis     map[Kind][]string
	softSpiral []string
	responses  map[Kind]string
}

// NewGate returns a Gate loaded with the built-in phrase lists and crisis
// responses.
func NewGate() *Gate {
	return &Gate{
		crisis: map[Kind][]string{
			KindSelfHarm: {
				"kill myself", "end my life", "suicide", "suicidal",
				"want to die", "better off dead", "hurt myself", "self harm",
				"self-harm", "cut myself", "no reason to live",
			},
			KindAbuse: {
				"he hits me", "she hits me", "they hit me", "hits me",
				"being abused", "abusing me", "afraid of my partner",
				"afraid to go home", "threatens to hurt me",
			},
			KindMentalHealth: {
				"hearing voices", "voices telling me", "psychotic",
				"hallucinating", "can't tell what's real", "losing my mind completely",
			},
		},
		softSpiral: []string{
			"what's the point", "whats the point", "nothing matters",
			"i give up", "why bother", "i can't do this anymore",
			"i cant do this anymore", "nothing ever changes",
			"i don't care anymore", "i dont care anymore", "too tired of everything",
		},
		responses: map[Kind]string{
			KindSelfHarm: "I'm really glad you told me. What you're feeling matters, and you don't have to " +
				"carry it alone. Please reach out to someone who can support you right now — you can call or " +
				"text 988 (Suicide & Crisis Lifeline) any time. I'm here, and I care about what happens to you.",
			KindAbuse: "I'm so sorry you're going through this. Nobody deserves to feel unsafe. If you're in " +
				"danger right now, please contact local emergency services, or reach the domestic violence " +
				"hotline at 1-800-799-7233. You deserve safety and support.",
			KindMentalHealth: "Thank you for trusting me with this. What you're describing sounds really hard, " +
				"and it deserves real support from someone trained to help. Please consider reaching out to a " +
				"mental health professional or calling 988. I'm still here with you.",
		},
	}
}

// Check screens text for crisis language. It is synchronous and local: no
// network, no side effects. The first matching category wins, checked in a
// fixed order (self-harm, abuse, severe mental health).
func (g *Gate) Check(text string) Decision {
	low := strings.ToLower(text)
	for _, k := range []Kind{KindSelfHarm, KindAbuse, KindMentalHealth} {
		for _, phrase := range g.crisis[k] {
			if strings.Contains(low, phrase) {
				return Decision{Blocked: true, Kind: k}
			}
		}
	}
	return Decision{}
}

// CheckSoftSpiral reports whether text reads as emotional shutdown. A soft
// spiral never blocks the turn; it flags a tone override consumed by prompt
// composition.
func (g *Gate) CheckSoftSpiral(text string) bool {
	low := strings.ToLower(text)
	for _, phrase := range g.softSpiral {
		if strings.Contains(low, phrase) {
			return true
		}
	}
	return false
}

// CrisisResponse returns the fixed response for a crisis kind, falling back
// to the self-harm response for unknown kinds.
func (g *Gate) CrisisResponse(kind Kind) string {
	if r, ok := g.responses[kind]; ok {
		return r
	}
	return g.responses[KindSelfHarm]
}
