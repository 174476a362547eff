// Package pricing holds the per-model price table used for cost attribution.
//
// DESIGN: Every recorded LLM sub-call is converted to an estimated USD cost
// at write time, so aggregates never need to re-price historical usage when
// the table changes. Lookup order: exact model match, then family prefix
// (longest prefix wins), then a conservative default for unknown models.
package pricing

import (
	"math"
	"strings"
)

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	PromptPerMTok     float64 // USD per million prompt tokens
	CompletionPerMTok float64 // USD per million completion tokens
}

// modelPricingTable maps model names to their pricing.
var modelPricingTable = map[string]ModelPricing{
	// Gemini (dated/full IDs)
	"gemini-2.0-flash":        {PromptPerMTok: 0.10, CompletionPerMTok: 0.40},
	"gemini-2.0-flash-001":    {PromptPerMTok: 0.10, CompletionPerMTok: 0.40},
	"gemini-2.0-flash-lite":   {PromptPerMTok: 0.075, CompletionPerMTok: 0.30},
	"gemini-1.5-pro":          {PromptPerMTok: 1.25, CompletionPerMTok: 5},
	"gemini-1.5-pro-002":      {PromptPerMTok: 1.25, CompletionPerMTok: 5},
	"gemini-1.5-flash":        {PromptPerMTok: 0.075, CompletionPerMTok: 0.30},
	"gemini-1.5-flash-8b":     {PromptPerMTok: 0.0375, CompletionPerMTok: 0.15},
	"gemini-pro":              {PromptPerMTok: 0.50, CompletionPerMTok: 1.50},

	// OpenAI
	"gpt-4o":                 {PromptPerMTok: 2.5, CompletionPerMTok: 10},
	"gpt-4o-2024-11-20":      {PromptPerMTok: 2.5, CompletionPerMTok: 10},
	"gpt-4o-mini":            {PromptPerMTok: 0.15, CompletionPerMTok: 0.60},
	"gpt-4o-mini-2024-07-18": {PromptPerMTok: 0.15, CompletionPerMTok: 0.60},
	"gpt-4o-mini-tts":        {PromptPerMTok: 0.60, CompletionPerMTok: 12},
}

// defaultPricing is used for unknown models (conservative to avoid
// under-reporting spend for models added upstream before the table is updated).
var defaultPricing = ModelPricing{PromptPerMTok: 2.5, CompletionPerMTok: 10}

// modelFamilyPricing maps model family prefixes to pricing.
// Ordered longest-prefix-first in lookup so e.g. "gemini-1.5-flash-8b"
// matches its own entry and not the broader "gemini-1.5-flash" family.
var modelFamilyPricing = map[string]ModelPricing{
	// Version-specific families (must win over broad families)
	"gemini-2.0-flash-lite": {PromptPerMTok: 0.075, CompletionPerMTok: 0.30},
	"gemini-2.0-flash":      {PromptPerMTok: 0.10, CompletionPerMTok: 0.40},
	"gemini-1.5-flash-8b":   {PromptPerMTok: 0.0375, CompletionPerMTok: 0.15},
	"gemini-1.5-flash":      {PromptPerMTok: 0.075, CompletionPerMTok: 0.30},
	"gemini-1.5-pro":        {PromptPerMTok: 1.25, CompletionPerMTok: 5},
	"gpt-4o-mini":           {PromptPerMTok: 0.15, CompletionPerMTok: 0.60},

	// Broad families (fallback)
	"gemini-pro":   {PromptPerMTok: 0.50, CompletionPerMTok: 1.50},
	"gemini-flash": {PromptPerMTok: 0.10, CompletionPerMTok: 0.40},
	"gemini":       {PromptPerMTok: 0.50, CompletionPerMTok: 1.50},
	"gpt-4o":       {PromptPerMTok: 2.5, CompletionPerMTok: 10},
	"gpt-4":        {PromptPerMTok: 10, CompletionPerMTok: 30},
}

// GetModelPricing returns pricing for a model.
// Tries exact match, then prefix/family match (longest prefix wins), then default.
func GetModelPricing(model string) ModelPricing {
	if p, ok := modelPricingTable[model]; ok {
		return p
	}

	bestPrefix := ""
	var bestPricing ModelPricing
	for prefix, p := range modelFamilyPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			bestPricing = p
		}
	}
	if bestPrefix != "" {
		return bestPricing
	}

	return defaultPricing
}

// EstimateCost computes the estimated USD cost for a sub-call, rounded to
// 6 decimal places. Deterministic for a given (model, promptTokens,
// completionTokens) triple; never negative.
func EstimateCost(model string, promptTokens, completionTokens int64) float64 {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	p := GetModelPricing(model)
	cost := float64(promptTokens)/1_000_000*p.PromptPerMTok +
		float64(completionTokens)/1_000_000*p.CompletionPerMTok
	return math.Round(cost*1e6) / 1e6
}
