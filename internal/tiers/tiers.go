// Package tiers defines the static subscription tier table.
//
// DESIGN: Tiers and their quota limits are compiled in, not user data.
// Billing state (who is on which tier) lives in the ledger; this package only
// answers "what does tier X allow". Unknown tiers resolve to free so a missing
// or corrupted tier record can never grant extra quota.
package tiers

import "fmt"

// Tier is a named subscription level.
type Tier string

const (
	TierFree Tier = "free"
	TierPlus Tier = "plus"
	TierPro  Tier = "pro"
)

// Unlimited marks a limit that is not enforced.
const Unlimited int64 = -1

// Limits holds the quota limits for a tier.
type Limits struct {
	DailyOps      int64 // metered operations per calendar day, Unlimited = no cap
	MonthlyTokens int64 // total tokens per calendar month, Unlimited = no cap
}

// tierTable is the static tier -> limits mapping.
// Pro keeps a monthly token cap (200k) even though its daily operation count
// is uncapped; the cap is the abuse backstop for the highest plan.
var tierTable = map[Tier]Limits{
	TierFree: {DailyOps: 10, MonthlyTokens: 10_000},
	TierPlus: {DailyOps: 30, MonthlyTokens: 50_000},
	TierPro:  {DailyOps: Unlimited, MonthlyTokens: 200_000},
}

// Parse normalizes a stored tier string. Empty or unknown values resolve to free.
func Parse(s string) Tier {
	switch Tier(s) {
	case TierPlus:
		return TierPlus
	case TierPro:
		return TierPro
	default:
		return TierFree
	}
}

// LimitsFor returns the quota limits for a tier.
func LimitsFor(t Tier) Limits {
	if l, ok := tierTable[t]; ok {
		return l
	}
	return tierTable[TierFree]
}

// DailyUnlimited reports whether the daily operation count is uncapped.
func (l Limits) DailyUnlimited() bool { return l.DailyOps == Unlimited }

// MonthlyUnlimited reports whether the monthly token count is uncapped.
func (l Limits) MonthlyUnlimited() bool { return l.MonthlyTokens == Unlimited }

// DailyLimitMessage is the user-facing deny message for a daily cap.
func DailyLimitMessage(t Tier) string {
	l := LimitsFor(t)
	return fmt.Sprintf(
		"You've reached the daily limit of %d conversations on the %s plan. Upgrade to keep chatting with Bubba today!",
		l.DailyOps, t)
}

// MonthlyLimitMessage is the user-facing deny message for a monthly token cap.
func MonthlyLimitMessage(t Tier) string {
	l := LimitsFor(t)
	return fmt.Sprintf(
		"You've used all %d tokens included in the %s plan this month. Upgrade for a bigger monthly allowance.",
		l.MonthlyTokens, t)
}
