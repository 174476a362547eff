package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/ledger"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/tiers"
)

func fixedClock() func() time.Time {
	ts := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func newTestGate(t *testing.T) (*Gate, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	return NewGate(store, WithClock(fixedClock())), store
}

func TestCheckLimits_FreeTierDefaults(t *testing.T) {
	gate, _ := newTestGate(t)

	dec, err := gate.CheckLimits(context.Background(), "newcomer")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, tiers.TierFree, dec.Tier)
	assert.Equal(t, int64(10), dec.DailyLimit)
	assert.Equal(t, int64(10_000), dec.MonthlyLimit)
	assert.Zero(t, dec.DailyUsed)
}

func TestCheckLimits_DailyCapDeniesWithTierMessage(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()
	day := ledger.DayKey(fixedClock()())

	for i := 0; i < 10; i++ {
		require.NoError(t, store.IncrementDailyOps(ctx, "u1", day))
	}

	dec, err := gate.CheckLimits(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "free")
	assert.Contains(t, dec.Reason, "10")
}

func TestCheckLimits_MonthlyTokenCap(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, store.AddSubcall(ctx, ledger.SubcallRecord{
		UserID: "u1", TxID: "tx", Type: "generate_response",
		TotalTokens: 10_000, RecordedAt: fixedClock()(),
	}))

	dec, err := gate.CheckLimits(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, int64(10_000), dec.MonthlyTokens)
	assert.Contains(t, dec.Reason, "free")
}

func TestCheckLimits_PlusTierGetsBiggerCaps(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()
	require.NoError(t, store.SetUserTier(ctx, "u1", "plus"))

	day := ledger.DayKey(fixedClock()())
	for i := 0; i < 10; i++ {
		require.NoError(t, store.IncrementDailyOps(ctx, "u1", day))
	}

	// 10 ops would cap a free user; plus allows 30.
	dec, err := gate.CheckLimits(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, tiers.TierPlus, dec.Tier)
	assert.Equal(t, int64(30), dec.DailyLimit)
}

func TestReserve_IncrementsOnAllow(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()

	dec, err := gate.Reserve(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, int64(1), dec.DailyUsed)

	n, err := store.DailyOps(ctx, "u1", ledger.DayKey(fixedClock()()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReserve_DenyLeavesCounterUntouched(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		dec, err := gate.Reserve(ctx, "u1")
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}
	dec, err := gate.Reserve(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.NotEmpty(t, dec.Reason)

	n, err := store.DailyOps(ctx, "u1", ledger.DayKey(fixedClock()()))
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestReserve_MonthlyCapDeniesBeforeIncrement(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, store.AddSubcall(ctx, ledger.SubcallRecord{
		UserID: "u1", TxID: "tx", Type: "generate_response",
		TotalTokens: 10_000, RecordedAt: fixedClock()(),
	}))

	dec, err := gate.Reserve(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)

	n, err := store.DailyOps(ctx, "u1", ledger.DayKey(fixedClock()()))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReserve_ProTierDailyUnlimited(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()
	require.NoError(t, store.SetUserTier(ctx, "u1", "pro"))

	for i := 0; i < 50; i++ {
		dec, err := gate.Reserve(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
	}
}

func TestReserve_ConcurrentRequestsNeverExceedCap(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	allowed := make(chan struct{}, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := gate.Reserve(ctx, "u1")
			if err == nil && dec.Allowed {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	assert.Equal(t, 10, len(allowed))
}

// failingCounter simulates a counter backend outage.
type failingCounter struct{}

func (failingCounter) Reserve(context.Context, string, string, int64) (int64, bool, error) {
	return 0, false, errors.New("backend down")
}
func (failingCounter) Increment(context.Context, string, string) error {
	return errors.New("backend down")
}
func (failingCounter) Used(context.Context, string, string) (int64, error) {
	return 0, errors.New("backend down")
}

func TestGate_FailsClosedOnCounterError(t *testing.T) {
	store := ledger.NewMemoryStore()
	gate := NewGate(store, WithClock(fixedClock()), WithCounter(failingCounter{}))

	dec, err := gate.Reserve(context.Background(), "u1")
	assert.Error(t, err)
	assert.False(t, dec.Allowed)
	assert.NotEmpty(t, dec.Reason)

	dec, err = gate.CheckLimits(context.Background(), "u1")
	assert.Error(t, err)
	assert.False(t, dec.Allowed)
}

func TestIncrementDaily(t *testing.T) {
	gate, store := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, gate.IncrementDaily(ctx, "u1"))
	require.NoError(t, gate.IncrementDaily(ctx, "u1"))

	n, err := store.DailyOps(ctx, "u1", ledger.DayKey(fixedClock()()))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
