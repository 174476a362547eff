// LLM provider request/response types for Gemini and OpenAI.
//
// These types are used by client.go for the companion's chat-completion and
// emotion-analysis calls. Only the fields the metering path consumes are
// modeled; everything else in the provider payloads is ignored.
package llm

// =============================================================================
// Common Types
// =============================================================================

// Message is one role-tagged part of a conversation.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Usage holds the token counts a provider reports for one invocation.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Request is a provider-neutral completion request.
type Request struct {
	Model        string
	System       string
	Messages     []Message
	MaxTokens    int
	Temperature  float64
	JSONResponse bool // ask the provider for a JSON-only reply
}

// Result is a provider-neutral completion result.
type Result struct {
	Text           string
	Model          string
	Usage          Usage
	UsageEstimated bool // provider omitted usage; counts were estimated locally
}

// =============================================================================
// Gemini Types
// =============================================================================

// GeminiPart represents a content part in Gemini format.
type GeminiPart struct {
	Text string `json:"text"`
}

// GeminiContent represents a content block in Gemini format.
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiGenerationConfig contains generation parameters.
type GeminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature"`
}

// GeminiRequest is the request body for Gemini generateContent.
type GeminiRequest struct {
	SystemInstruction *GeminiContent          `json:"systemInstruction,omitempty"`
	Contents          []GeminiContent         `json:"contents"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

// =============================================================================
// OpenAI Types
// =============================================================================

// OpenAIMessage represents a message in OpenAI chat format.
type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIChatRequest is the request body for OpenAI chat completions.
type OpenAIChatRequest struct {
	Model               string          `json:"model"`
	Messages            []OpenAIMessage `json:"messages"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         float64         `json:"temperature,omitempty"`
}
