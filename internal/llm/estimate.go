package llm

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// charsPerToken is the coarse text-length fallback used when no encoder is
// available for a model family.
const charsPerToken = 4

// EstimateTokens approximates the token count of text for model. OpenAI
// models use the real tiktoken encoder; other families fall back to a
// characters-per-token ratio, which is close enough for quota accounting.
func EstimateTokens(model, text string) int64 {
	if text == "" {
		return 0
	}
	if strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") {
		if enc, err := tiktoken.EncodingForModel(model); err == nil {
			return int64(len(enc.Encode(text, nil, nil)))
		}
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			return int64(len(enc.Encode(text, nil, nil)))
		}
	}
	return int64(len(text)/charsPerToken) + 1
}

// estimateRequestTokens approximates the prompt token count of a request.
func estimateRequestTokens(req Request) int64 {
	var total int64
	if req.System != "" {
		total += EstimateTokens(req.Model, req.System)
	}
	for _, msg := range req.Messages {
		total += EstimateTokens(req.Model, msg.Content)
	}
	return total
}
