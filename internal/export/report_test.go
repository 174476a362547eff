package export

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/ledger"
)

func TestBuildReport(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	for _, u := range []struct {
		id     string
		tokens int64
		cost   float64
	}{{"alice", 1200, 0.0031}, {"bob", 800, 0.0015}} {
		require.NoError(t, store.AddSubcall(ctx, ledger.SubcallRecord{
			UserID: u.id, TxID: "tx", Type: "generate_response",
			TotalTokens: u.tokens, EstimatedCost: u.cost, RecordedAt: now,
		}))
	}

	e := &Exporter{store: store, bucket: "b", prefix: "usage-reports"}
	report, err := e.BuildReport(ctx, "2026-08")
	require.NoError(t, err)

	assert.Equal(t, "2026-08", report.Month)
	assert.Len(t, report.Users, 2)
	assert.Equal(t, int64(2000), report.TotalTokens)
	assert.InDelta(t, 0.0046, report.TotalCost, 1e-9)
	assert.False(t, report.GeneratedAt.IsZero())
}

func TestBuildReport_EmptyMonth(t *testing.T) {
	e := &Exporter{store: ledger.NewMemoryStore(), bucket: "b"}
	report, err := e.BuildReport(context.Background(), "2026-01")
	require.NoError(t, err)
	assert.Empty(t, report.Users)
	assert.Zero(t, report.TotalTokens)
}
