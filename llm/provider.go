package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRequestFailed is returned when a provider answers with a non-success
// status or an unusable body.
var ErrRequestFailed = errors.New("llm: request failed")

// Provider is the interface for LLM interactions.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures an LLM provider.
type Config struct {
	Provider string `json:"provider" yaml:"provider" mapstructure:"provider"` // gemini, ollama, lmstudio, openai, openrouter, groq, xai, custom
	Model    string `json:"model" yaml:"model" mapstructure:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key" mapstructure:"api_key"`

	// Temperature applies to requests that do not set their own.
	Temperature float64 `json:"temperature" yaml:"temperature" mapstructure:"temperature"`

	Timeout    time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGemini(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	}
	v, ok := vendors[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = v.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = v.model
	}
	return NewOpenAICompat(cfg), nil
}

// vendor holds the defaults of an OpenAI-compatible service.
type vendor struct {
	baseURL string
	model   string
}

var vendors = map[string]vendor{
	"ollama":     {baseURL: "http://localhost:11434", model: "llama3.1:8b"},
	"lmstudio":   {baseURL: "http://localhost:1234"},
	"openai":     {baseURL: "https://api.openai.com", model: "gpt-4o-mini"},
	"openrouter": {baseURL: "https://openrouter.ai/api"},
	"groq":       {baseURL: "https://api.groq.com/openai", model: "llama-3.3-70b-versatile"},
	"xai":        {baseURL: "https://api.x.ai"},
	"custom":     {},
}
