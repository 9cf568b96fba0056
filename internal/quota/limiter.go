// Package quota enforces the daily free-tier message limit. The limiter is a
// pure function over the pre-increment usage count: it never performs I/O and
// never mutates the counter itself — the pipeline increments usage only after
// a turn reaches generation successfully.
package quota

import "github.com/emberlabs/go-companion-backend/internal/domain"

// DefaultFreeDailyLimit is the number of free turns per calendar day.
const DefaultFreeDailyLimit = 5

// Decision is the outcome of a quota evaluation for one turn.
//
// LastFreeTurn is true only when the pre-increment count sits exactly one
// below the limit and the user is not exempt; the pipeline uses it to append
// a scripted farewell after the real reply and to flip the limit-reached flag.
type Decision struct {
	Allowed      bool
	LastFreeTurn bool
}

// Limiter evaluates the daily quota. Premium subscribers and deployments with
// the global premium-for-all flag bypass the limit entirely.
type Limiter struct {
	// FreeDailyLimit caps free-tier turns per day; values <= 0 fall back to
	// DefaultFreeDailyLimit.
	FreeDailyLimit int
	// PremiumForAll disables the quota for every user when set.
	PremiumForAll bool
}

// Exempt reports whether the quota does not apply to the given tier.
func (l Limiter) Exempt(tier string) bool {
	return l.PremiumForAll || tier == domain.TierPremium
}

// Evaluate decides whether a turn with the given pre-increment daily count
// may proceed for a user on the given tier.
func (l Limiter) Evaluate(count int, tier string) Decision {
	if l.Exempt(tier) {
		return Decision{Allowed: true}
	}
	limit := l.FreeDailyLimit
	if limit <= 0 {
		limit = DefaultFreeDailyLimit
	}
	return Decision{
		Allowed:      count < limit,
		LastFreeTurn: count == limit-1,
	}
}
