package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func geminiStub(t *testing.T, body string, capture *[]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			buf, _ := io.ReadAll(r.Body)
			*capture = buf
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func TestComplete_GeminiParsesTextAndUsage(t *testing.T) {
	srv := geminiStub(t, `{
		"candidates": [{"content": {"parts": [{"text": "hello there"}], "role": "model"}}],
		"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 7, "totalTokenCount": 19}
	}`, nil)
	defer srv.Close()

	client := NewClient(Config{Gemini: Endpoint{APIKey: "k", BaseURL: srv.URL}})
	res, err := client.Complete(context.Background(), Request{
		Model:    "gemini-2.0-flash",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Text)
	assert.Equal(t, int64(12), res.Usage.PromptTokens)
	assert.Equal(t, int64(7), res.Usage.CompletionTokens)
	assert.Equal(t, int64(19), res.Usage.TotalTokens)
	assert.False(t, res.UsageEstimated)
}

func TestComplete_GeminiMissingUsageIsEstimated(t *testing.T) {
	srv := geminiStub(t, `{
		"candidates": [{"content": {"parts": [{"text": "a reply with several words in it"}]}}]
	}`, nil)
	defer srv.Close()

	client := NewClient(Config{Gemini: Endpoint{APIKey: "k", BaseURL: srv.URL}})
	res, err := client.Complete(context.Background(), Request{
		Model:    "gemini-2.0-flash",
		Messages: []Message{{Role: "user", Content: "tell me something"}},
	})
	require.NoError(t, err)
	assert.True(t, res.UsageEstimated)
	assert.Greater(t, res.Usage.PromptTokens, int64(0))
	assert.Greater(t, res.Usage.CompletionTokens, int64(0))
	assert.Equal(t, res.Usage.PromptTokens+res.Usage.CompletionTokens, res.Usage.TotalTokens)
}

func TestComplete_GeminiJSONModeSetsMimeType(t *testing.T) {
	var captured []byte
	srv := geminiStub(t, `{"candidates": [{"content": {"parts": [{"text": "{}"}]}}],
		"usageMetadata": {"promptTokenCount": 1, "candidatesTokenCount": 1, "totalTokenCount": 2}}`, &captured)
	defer srv.Close()

	client := NewClient(Config{Gemini: Endpoint{APIKey: "k", BaseURL: srv.URL}})
	_, err := client.Complete(context.Background(), Request{
		Model:        "gemini-2.0-flash",
		Messages:     []Message{{Role: "user", Content: "hi"}},
		JSONResponse: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "application/json",
		gjson.GetBytes(captured, "generationConfig.responseMimeType").String())
}

func TestComplete_GeminiAssistantRoleMapsToModel(t *testing.T) {
	var captured []byte
	srv := geminiStub(t, `{"candidates": [{"content": {"parts": [{"text": "ok"}]}}],
		"usageMetadata": {"promptTokenCount": 1, "candidatesTokenCount": 1, "totalTokenCount": 2}}`, &captured)
	defer srv.Close()

	client := NewClient(Config{Gemini: Endpoint{APIKey: "k", BaseURL: srv.URL}})
	_, err := client.Complete(context.Background(), Request{
		Model: "gemini-2.0-flash",
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "bye"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "model", gjson.GetBytes(captured, "contents.1.role").String())
}

func TestComplete_OpenAIParsesTextAndUsage(t *testing.T) {
	srv := geminiStub(t, `{
		"choices": [{"message": {"role": "assistant", "content": "hi from openai"}}],
		"usage": {"prompt_tokens": 20, "completion_tokens": 4, "total_tokens": 24}
	}`, nil)
	defer srv.Close()

	client := NewClient(Config{OpenAI: Endpoint{APIKey: "k", BaseURL: srv.URL}})
	res, err := client.Complete(context.Background(), Request{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi from openai", res.Text)
	assert.Equal(t, int64(24), res.Usage.TotalTokens)
}

func TestComplete_ProviderErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "API key not valid"}}`))
	}))
	defer srv.Close()

	client := NewClient(Config{Gemini: Endpoint{APIKey: "bad", BaseURL: srv.URL}})
	_, err := client.Complete(context.Background(), Request{
		Model:    "gemini-2.0-flash",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key not valid")
}

func TestComplete_EmptyModelRejected(t *testing.T) {
	client := NewClient(Config{})
	_, err := client.Complete(context.Background(), Request{})
	assert.Error(t, err)
}

func TestAnalyzeEmotion_ParsesLabel(t *testing.T) {
	srv := geminiStub(t, `{
		"candidates": [{"content": {"parts": [{"text": "{\"emotion\": \"Joy\", \"confidence\": 0.9}"}]}}],
		"usageMetadata": {"promptTokenCount": 30, "candidatesTokenCount": 10, "totalTokenCount": 40}
	}`, nil)
	defer srv.Close()

	client := NewClient(Config{Gemini: Endpoint{APIKey: "k", BaseURL: srv.URL}})
	res, err := client.AnalyzeEmotion(context.Background(), "gemini-2.0-flash", "I got the job!")
	require.NoError(t, err)
	assert.Equal(t, "joy", res.Emotion)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.Equal(t, int64(40), res.Usage.TotalTokens)
}

func TestAnalyzeEmotion_UnparseableFallsBackToNeutral(t *testing.T) {
	srv := geminiStub(t, `{
		"candidates": [{"content": {"parts": [{"text": "I cannot classify that."}]}}],
		"usageMetadata": {"promptTokenCount": 30, "candidatesTokenCount": 6, "totalTokenCount": 36}
	}`, nil)
	defer srv.Close()

	client := NewClient(Config{Gemini: Endpoint{APIKey: "k", BaseURL: srv.URL}})
	res, err := client.AnalyzeEmotion(context.Background(), "gemini-2.0-flash", "hm")
	require.NoError(t, err)
	assert.Equal(t, "neutral", res.Emotion)
	// Usage is still attributed even when the reply is useless.
	assert.Equal(t, int64(36), res.Usage.TotalTokens)
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens("gemini-2.0-flash", ""))

	// chars/4 fallback for non-OpenAI families
	n := EstimateTokens("gemini-2.0-flash", "tell me a story about a dragon")
	assert.Equal(t, int64(len("tell me a story about a dragon")/4)+1, n)

	// tiktoken path for OpenAI models returns something plausible
	gpt := EstimateTokens("gpt-4o", "tell me a story about a dragon")
	assert.Greater(t, gpt, int64(0))
	assert.Less(t, gpt, int64(30))
}
