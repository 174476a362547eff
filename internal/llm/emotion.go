package llm

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"
)

const emotionSystemPrompt = `You classify the emotional tone of a user's message.
Reply with a JSON object only: {"emotion": "<label>", "confidence": <0..1>}.
Pick one label from: joy, sadness, anger, fear, surprise, love, neutral.`

// EmotionResult is the outcome of one emotion-analysis invocation.
type EmotionResult struct {
	Emotion    string
	Confidence float64
	Usage      Usage
	Model      string
}

// AnalyzeEmotion classifies the emotional tone of text using model. The
// provider is asked for a JSON-only reply; unparseable replies fall back to
// "neutral" rather than failing, since emotion is advisory context for the
// main response.
func (c *Client) AnalyzeEmotion(ctx context.Context, model, text string) (*EmotionResult, error) {
	res, err := c.Complete(ctx, Request{
		Model:        model,
		System:       emotionSystemPrompt,
		Messages:     []Message{{Role: "user", Content: text}},
		MaxTokens:    64,
		Temperature:  0,
		JSONResponse: true,
	})
	if err != nil {
		return nil, err
	}

	out := &EmotionResult{Emotion: "neutral", Usage: res.Usage, Model: res.Model}
	body := strings.TrimSpace(res.Text)
	// Some models wrap JSON in a markdown fence even in JSON mode.
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	if emo := gjson.Get(body, "emotion"); emo.Exists() {
		out.Emotion = strings.ToLower(strings.TrimSpace(emo.String()))
		out.Confidence = gjson.Get(body, "confidence").Float()
	}
	return out, nil
}
