package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetModelPricing_KnownModels(t *testing.T) {
	tests := []struct {
		model          string
		wantPrompt     float64
		wantCompletion float64
	}{
		{"gemini-2.0-flash", 0.10, 0.40},
		{"gemini-1.5-pro", 1.25, 5},
		{"gpt-4o", 2.5, 10},
		{"gpt-4o-mini", 0.15, 0.60},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p := GetModelPricing(tt.model)
			assert.Equal(t, tt.wantPrompt, p.PromptPerMTok)
			assert.Equal(t, tt.wantCompletion, p.CompletionPerMTok)
		})
	}
}

func TestGetModelPricing_UnknownModel(t *testing.T) {
	p := GetModelPricing("some-unknown-model-xyz")
	// Should return conservative defaults
	assert.Equal(t, defaultPricing, p)
}

func TestGetModelPricing_FamilyMatch(t *testing.T) {
	// A dated model should match via family prefix
	p := GetModelPricing("gemini-2.0-flash-042")
	assert.Equal(t, 0.10, p.PromptPerMTok)
	assert.Equal(t, 0.40, p.CompletionPerMTok)
}

func TestGetModelPricing_LongestFamilyWins(t *testing.T) {
	// gemini-1.5-flash-8b dated variant must match its own family,
	// NOT the broader "gemini-1.5-flash" prefix
	p := GetModelPricing("gemini-1.5-flash-8b-001")
	assert.Equal(t, 0.0375, p.PromptPerMTok)
	assert.Equal(t, 0.15, p.CompletionPerMTok)

	p2 := GetModelPricing("gpt-4o-mini-2025-01-01")
	assert.Equal(t, 0.15, p2.PromptPerMTok)
}

func TestEstimateCost(t *testing.T) {
	// 1000 prompt + 500 completion on gpt-4o: 1000/1M*2.5 + 500/1M*10
	cost := EstimateCost("gpt-4o", 1000, 500)
	assert.InDelta(t, 0.0075, cost, 1e-9)
}

func TestEstimateCost_RoundsToSixDecimals(t *testing.T) {
	// 1 prompt token on gemini-2.0-flash is 0.0000001, which rounds to 0
	assert.Equal(t, 0.0, EstimateCost("gemini-2.0-flash", 1, 0))
	// 7 prompt tokens is 0.0000007, rounds to 0.000001
	assert.Equal(t, 0.000001, EstimateCost("gemini-2.0-flash", 7, 0))
}

func TestEstimateCost_Deterministic(t *testing.T) {
	a := EstimateCost("gemini-2.0-flash", 12345, 678)
	b := EstimateCost("gemini-2.0-flash", 12345, 678)
	assert.Equal(t, a, b)
}

func TestEstimateCost_NegativeClampedToZero(t *testing.T) {
	assert.Equal(t, 0.0, EstimateCost("gpt-4o", -100, -100))
	assert.GreaterOrEqual(t, EstimateCost("gpt-4o", -100, 500), 0.0)
}
