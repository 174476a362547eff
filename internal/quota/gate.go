// Package quota is the enforcement gate consulted before every metered
// operation.
//
// DESIGN: Two paths exist on purpose.
//
//   - CheckLimits is a plain read: "would this user be allowed right now".
//     It is advisory only: the read and any later increment are separate
//     operations, so two concurrent requests can both pass before either
//     increments. It backs the profile/usage endpoints.
//   - Reserve folds check+increment into one atomic counter operation and is
//     what the request path uses. Under Reserve the concurrent-overrun window
//     does not exist.
//
// Checks fail closed: if the ledger cannot be read the request is denied
// rather than granted unmetered access.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/ledger"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/tiers"
)

// Decision is the result of a quota check.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  string     `json:"reason,omitempty"` // user-facing, set on deny
	Tier    tiers.Tier `json:"tier"`

	DailyUsed     int64 `json:"daily_used"`
	DailyLimit    int64 `json:"daily_limit"` // -1 = unlimited
	MonthlyTokens int64 `json:"monthly_tokens"`
	MonthlyLimit  int64 `json:"monthly_limit"` // -1 = unlimited
}

// Counter is the day-keyed operation counter behind the gate. The ledger
// store satisfies it directly; a Redis implementation exists for
// multi-instance deployments.
type Counter interface {
	// Reserve atomically increments the counter for (userID, day) unless it
	// has reached limit. Returns the resulting count and whether the
	// reservation succeeded. limit < 0 means unlimited.
	Reserve(ctx context.Context, userID, day string, limit int64) (int64, bool, error)

	// Increment unconditionally increments the counter.
	Increment(ctx context.Context, userID, day string) error

	// Used returns the current count.
	Used(ctx context.Context, userID, day string) (int64, error)
}

// ledgerCounter adapts ledger.Store to Counter.
type ledgerCounter struct{ store ledger.Store }

func (c ledgerCounter) Reserve(ctx context.Context, userID, day string, limit int64) (int64, bool, error) {
	return c.store.ReserveDailyOp(ctx, userID, day, limit)
}

func (c ledgerCounter) Increment(ctx context.Context, userID, day string) error {
	return c.store.IncrementDailyOps(ctx, userID, day)
}

func (c ledgerCounter) Used(ctx context.Context, userID, day string) (int64, error) {
	return c.store.DailyOps(ctx, userID, day)
}

// Gate decides whether a user may run another metered operation.
type Gate struct {
	store   ledger.Store
	counter Counter
	now     func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithCounter replaces the daily-op counter backend (e.g. Redis).
func WithCounter(c Counter) Option {
	return func(g *Gate) { g.counter = c }
}

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a quota gate on the given ledger store.
func NewGate(store ledger.Store, opts ...Option) *Gate {
	g := &Gate{store: store, counter: ledgerCounter{store: store}, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckLimits reports whether the user could run one more metered operation
// right now. Read-only; see the package comment for the concurrency caveat.
func (g *Gate) CheckLimits(ctx context.Context, userID string) (Decision, error) {
	tier, limits, err := g.userLimits(ctx, userID)
	if err != nil {
		return deniedOnError(tier), fmt.Errorf("quota: check limits: %w", err)
	}

	now := g.now()
	dec := Decision{
		Allowed:      true,
		Tier:         tier,
		DailyLimit:   limits.DailyOps,
		MonthlyLimit: limits.MonthlyTokens,
	}

	dec.DailyUsed, err = g.counter.Used(ctx, userID, ledger.DayKey(now))
	if err != nil {
		return deniedOnError(tier), fmt.Errorf("quota: read daily ops: %w", err)
	}
	monthly, err := g.store.MonthlyUsage(ctx, userID, ledger.MonthKey(now))
	if err != nil {
		return deniedOnError(tier), fmt.Errorf("quota: read monthly usage: %w", err)
	}
	dec.MonthlyTokens = monthly.TotalTokens

	if !limits.DailyUnlimited() && dec.DailyUsed >= limits.DailyOps {
		dec.Allowed = false
		dec.Reason = tiers.DailyLimitMessage(tier)
		return dec, nil
	}
	if !limits.MonthlyUnlimited() && dec.MonthlyTokens >= limits.MonthlyTokens {
		dec.Allowed = false
		dec.Reason = tiers.MonthlyLimitMessage(tier)
		return dec, nil
	}
	return dec, nil
}

// Reserve performs the atomic check-and-increment for one metered operation.
// On an allowed decision the daily counter has already been incremented; a
// denied decision leaves all counters untouched.
func (g *Gate) Reserve(ctx context.Context, userID string) (Decision, error) {
	tier, limits, err := g.userLimits(ctx, userID)
	if err != nil {
		return deniedOnError(tier), fmt.Errorf("quota: reserve: %w", err)
	}

	now := g.now()
	dec := Decision{
		Tier:         tier,
		DailyLimit:   limits.DailyOps,
		MonthlyLimit: limits.MonthlyTokens,
	}

	// Monthly tokens only grow after the LLM call completes, so a plain read
	// is enough here; the racy counter is the daily one, handled below.
	monthly, err := g.store.MonthlyUsage(ctx, userID, ledger.MonthKey(now))
	if err != nil {
		return deniedOnError(tier), fmt.Errorf("quota: read monthly usage: %w", err)
	}
	dec.MonthlyTokens = monthly.TotalTokens
	if !limits.MonthlyUnlimited() && dec.MonthlyTokens >= limits.MonthlyTokens {
		dec.Reason = tiers.MonthlyLimitMessage(tier)
		return dec, nil
	}

	used, ok, err := g.counter.Reserve(ctx, userID, ledger.DayKey(now), limits.DailyOps)
	if err != nil {
		return deniedOnError(tier), fmt.Errorf("quota: reserve daily op: %w", err)
	}
	dec.DailyUsed = used
	if !ok {
		dec.Reason = tiers.DailyLimitMessage(tier)
		return dec, nil
	}

	dec.Allowed = true
	return dec, nil
}

// IncrementDaily bumps the day-keyed counter by one. Retained for callers on
// the legacy advisory flow (CheckLimits then IncrementDaily); new callers
// should use Reserve.
func (g *Gate) IncrementDaily(ctx context.Context, userID string) error {
	if err := g.counter.Increment(ctx, userID, ledger.DayKey(g.now())); err != nil {
		return fmt.Errorf("quota: increment daily: %w", err)
	}
	return nil
}

func (g *Gate) userLimits(ctx context.Context, userID string) (tiers.Tier, tiers.Limits, error) {
	raw, err := g.store.UserTier(ctx, userID)
	if err != nil {
		return tiers.TierFree, tiers.Limits{}, err
	}
	tier := tiers.Parse(raw)
	return tier, tiers.LimitsFor(tier), nil
}

func deniedOnError(tier tiers.Tier) Decision {
	return Decision{
		Allowed: false,
		Tier:    tier,
		Reason:  "We couldn't verify your plan limits right now. Please try again in a moment.",
	}
}
