package quota

import (
	"testing"

	"github.com/emberlabs/go-companion-backend/internal/domain"
)

func TestEvaluate_FreeTierMatrix(t *testing.T) {
	l := Limiter{FreeDailyLimit: 5}

	cases := []struct {
		count    int
		allowed  bool
		lastFree bool
	}{
		{0, true, false},
		{3, true, false},
		{4, true, true}, // the turn that consumes the final free slot
		{5, false, false},
		{9, false, false},
	}
	for _, tc := range cases {
		d := l.Evaluate(tc.count, domain.TierFree)
		if d.Allowed != tc.allowed || d.LastFreeTurn != tc.lastFree {
			t.Errorf("Evaluate(%d, free) = %+v; want allowed=%v lastFree=%v",
				tc.count, d, tc.allowed, tc.lastFree)
		}
	}
}

func TestEvaluate_PremiumBypassesLimit(t *testing.T) {
	l := Limiter{FreeDailyLimit: 5}
	for _, count := range []int{0, 4, 5, 1000} {
		d := l.Evaluate(count, domain.TierPremium)
		if !d.Allowed || d.LastFreeTurn {
			t.Errorf("Evaluate(%d, premium) = %+v; want allowed, never last-free", count, d)
		}
	}
}

func TestEvaluate_PremiumForAllOverridesTier(t *testing.T) {
	l := Limiter{FreeDailyLimit: 5, PremiumForAll: true}
	d := l.Evaluate(100, domain.TierFree)
	if !d.Allowed || d.LastFreeTurn {
		t.Fatalf("Evaluate with PremiumForAll = %+v; want allowed", d)
	}
}

func TestEvaluate_ZeroLimitFallsBackToDefault(t *testing.T) {
	l := Limiter{}
	if d := l.Evaluate(DefaultFreeDailyLimit-1, domain.TierFree); !d.Allowed || !d.LastFreeTurn {
		t.Fatalf("count at default limit-1: got %+v, want allowed last-free", d)
	}
	if d := l.Evaluate(DefaultFreeDailyLimit, domain.TierFree); d.Allowed {
		t.Fatalf("count at default limit: got %+v, want blocked", d)
	}
}

func TestExempt(t *testing.T) {
	l := Limiter{FreeDailyLimit: 5}
	if l.Exempt(domain.TierFree) {
		t.Fatal("free tier must not be exempt")
	}
	if !l.Exempt(domain.TierPremium) {
		t.Fatal("premium tier must be exempt")
	}
	if !(Limiter{PremiumForAll: true}).Exempt(domain.TierFree) {
		t.Fatal("PremiumForAll must exempt everyone")
	}
}
