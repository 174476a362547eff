// Package llm wraps the upstream model providers behind one Client.
//
// DESIGN: Responses are parsed from the raw JSON body with gjson rather than
// full struct unmarshaling. The providers keep growing their payloads and the
// metering path only needs the reply text plus the usage block; path lookups
// keep this package stable across provider schema churn. When a provider
// omits usage the counts are estimated locally and flagged, never dropped,
// so every invocation stays billable.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Endpoint holds the credentials and base URL for one provider.
type Endpoint struct {
	APIKey  string
	BaseURL string
}

// Config configures a Client.
type Config struct {
	Gemini  Endpoint
	OpenAI  Endpoint
	Timeout time.Duration
}

// Client calls the Gemini and OpenAI HTTP APIs and normalizes the results.
type Client struct {
	httpClient *http.Client
	gemini     Endpoint
	openai     Endpoint
}

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultOpenAIBaseURL = "https://api.openai.com"
	defaultTimeout       = 60 * time.Second
)

// NewClient creates a provider client. Unset base URLs and timeout fall back
// to the public endpoints and 60s.
func NewClient(cfg Config) *Client {
	if cfg.Gemini.BaseURL == "" {
		cfg.Gemini.BaseURL = defaultGeminiBaseURL
	}
	if cfg.OpenAI.BaseURL == "" {
		cfg.OpenAI.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		gemini:     cfg.Gemini,
		openai:     cfg.OpenAI,
	}
}

// Complete routes the request to the provider owning the model and returns a
// normalized result. Models starting with "gpt-" or "o1" go to OpenAI,
// everything else to Gemini.
func (c *Client) Complete(ctx context.Context, req Request) (*Result, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("llm: empty model")
	}
	if strings.HasPrefix(req.Model, "gpt-") || strings.HasPrefix(req.Model, "o1") {
		return c.completeOpenAI(ctx, req)
	}
	return c.completeGemini(ctx, req)
}

// =============================================================================
// Gemini
// =============================================================================

func (c *Client) completeGemini(ctx context.Context, req Request) (*Result, error) {
	greq := GeminiRequest{
		GenerationConfig: &GeminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	if req.System != "" {
		greq.SystemInstruction = &GeminiContent{Parts: []GeminiPart{{Text: req.System}}}
	}
	for _, msg := range req.Messages {
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		greq.Contents = append(greq.Contents, GeminiContent{
			Role:  role,
			Parts: []GeminiPart{{Text: msg.Content}},
		})
	}

	body, err := json.Marshal(greq)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal gemini request: %w", err)
	}
	if req.JSONResponse {
		body, err = sjson.SetBytes(body, "generationConfig.responseMimeType", "application/json")
		if err != nil {
			return nil, fmt.Errorf("llm: set response mime type: %w", err)
		}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.gemini.BaseURL, req.Model, c.gemini.APIKey)
	raw, err := c.post(ctx, url, nil, body)
	if err != nil {
		return nil, err
	}

	if msg := gjson.GetBytes(raw, "error.message"); msg.Exists() {
		return nil, fmt.Errorf("llm: gemini error: %s", msg.String())
	}
	text := gjson.GetBytes(raw, "candidates.0.content.parts.0.text").String()

	res := &Result{Text: text, Model: req.Model}
	meta := gjson.GetBytes(raw, "usageMetadata")
	if meta.Exists() {
		res.Usage = Usage{
			PromptTokens:     meta.Get("promptTokenCount").Int(),
			CompletionTokens: meta.Get("candidatesTokenCount").Int(),
			TotalTokens:      meta.Get("totalTokenCount").Int(),
		}
	} else {
		res.Usage = estimateUsage(req, text)
		res.UsageEstimated = true
		log.Debug().Str("model", req.Model).Msg("llm: gemini response missing usage metadata, estimated")
	}
	if res.Usage.TotalTokens == 0 {
		res.Usage.TotalTokens = res.Usage.PromptTokens + res.Usage.CompletionTokens
	}
	return res, nil
}

// =============================================================================
// OpenAI
// =============================================================================

func (c *Client) completeOpenAI(ctx context.Context, req Request) (*Result, error) {
	oreq := OpenAIChatRequest{
		Model:               req.Model,
		MaxCompletionTokens: req.MaxTokens,
		Temperature:         req.Temperature,
	}
	if req.System != "" {
		oreq.Messages = append(oreq.Messages, OpenAIMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		oreq.Messages = append(oreq.Messages, OpenAIMessage{Role: msg.Role, Content: msg.Content})
	}

	body, err := json.Marshal(oreq)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal openai request: %w", err)
	}
	if req.JSONResponse {
		body, err = sjson.SetBytes(body, "response_format.type", "json_object")
		if err != nil {
			return nil, fmt.Errorf("llm: set response format: %w", err)
		}
	}

	headers := map[string]string{"Authorization": "Bearer " + c.openai.APIKey}
	raw, err := c.post(ctx, c.openai.BaseURL+"/v1/chat/completions", headers, body)
	if err != nil {
		return nil, err
	}

	if msg := gjson.GetBytes(raw, "error.message"); msg.Exists() {
		return nil, fmt.Errorf("llm: openai error: %s", msg.String())
	}
	text := gjson.GetBytes(raw, "choices.0.message.content").String()

	res := &Result{Text: text, Model: req.Model}
	u := gjson.GetBytes(raw, "usage")
	if u.Exists() {
		res.Usage = Usage{
			PromptTokens:     u.Get("prompt_tokens").Int(),
			CompletionTokens: u.Get("completion_tokens").Int(),
			TotalTokens:      u.Get("total_tokens").Int(),
		}
	} else {
		res.Usage = estimateUsage(req, text)
		res.UsageEstimated = true
		log.Debug().Str("model", req.Model).Msg("llm: openai response missing usage, estimated")
	}
	if res.Usage.TotalTokens == 0 {
		res.Usage.TotalTokens = res.Usage.PromptTokens + res.Usage.CompletionTokens
	}
	return res, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (c *Client) post(ctx context.Context, url string, headers map[string]string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: provider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if msg := gjson.GetBytes(raw, "error.message"); msg.Exists() {
			return nil, fmt.Errorf("llm: provider status %d: %s", resp.StatusCode, msg.String())
		}
		return nil, fmt.Errorf("llm: provider status %d", resp.StatusCode)
	}
	return raw, nil
}

func estimateUsage(req Request, replyText string) Usage {
	prompt := estimateRequestTokens(req)
	completion := EstimateTokens(req.Model, replyText)
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}
