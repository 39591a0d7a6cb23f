package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		provider string
		wantType string
	}{
		{"gemini", "*llm.geminiProvider"},
		{"ollama", "*llm.openAICompatProvider"},
		{"lmstudio", "*llm.openAICompatProvider"},
		{"openrouter", "*llm.openAICompatProvider"},
		{"custom", "*llm.openAICompatProvider"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			p, err := NewProvider(Config{Provider: tt.provider, Model: "test-model"})
			if err != nil {
				t.Fatalf("NewProvider(%q) returned error: %v", tt.provider, err)
			}
			if got := typeName(p); got != tt.wantType {
				t.Errorf("NewProvider(%q) type = %s, want %s", tt.provider, got, tt.wantType)
			}
		})
	}
}

func typeName(p Provider) string {
	switch p.(type) {
	case *geminiProvider:
		return "*llm.geminiProvider"
	case *openAICompatProvider:
		return "*llm.openAICompatProvider"
	}
	return "unknown"
}

func TestNewProviderErrors(t *testing.T) {
	_, err := NewProvider(Config{Provider: "doesnotexist"})
	if err == nil || err.Error() != "unknown llm provider: doesnotexist" {
		t.Errorf("unknown provider: got %v", err)
	}
	_, err = NewProvider(Config{})
	if err == nil || err.Error() != "llm provider not specified" {
		t.Errorf("empty provider: got %v", err)
	}
}

// TestDefaults verifies that empty BaseURL and Model are filled per vendor
// and that explicit values are kept.
func TestDefaults(t *testing.T) {
	tests := []struct {
		provider  string
		wantURL   string
		wantModel string
	}{
		{"ollama", "http://localhost:11434", "llama3.1:8b"},
		{"lmstudio", "http://localhost:1234", ""},
		{"openrouter", "https://openrouter.ai/api", ""},
		{"xai", "https://api.x.ai", ""},
		{"custom", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			p, _ := NewProvider(Config{Provider: tt.provider})
			cfg := p.(*openAICompatProvider).cfg
			if cfg.BaseURL != tt.wantURL || cfg.Model != tt.wantModel {
				t.Errorf("got %q / %q, want %q / %q", cfg.BaseURL, cfg.Model, tt.wantURL, tt.wantModel)
			}
		})
	}

	p, _ := NewProvider(Config{Provider: "ollama", BaseURL: "http://my-server:9999", Model: "llama3:latest"})
	cfg := p.(*openAICompatProvider).cfg
	if cfg.BaseURL != "http://my-server:9999" || cfg.Model != "llama3:latest" {
		t.Errorf("explicit values overwritten: %+v", cfg)
	}

	g := NewGemini(Config{}).(*geminiProvider)
	if g.cfg.Model != "gemini-2.5-flash" || g.cfg.BaseURL != geminiBaseURL {
		t.Errorf("gemini defaults: %+v", g.cfg)
	}
}

// ---------------------------------------------------------------------------
// OpenAI-compatible client
// ---------------------------------------------------------------------------

func TestOpenAICompatChat(t *testing.T) {
	var got chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-1" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"model":"m1","choices":[{"message":{"content":"{\"ok\":true}"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":10,"completion_tokens":3,"total_tokens":13}}`)
	}))
	defer srv.Close()

	p := NewOpenAICompat(Config{BaseURL: srv.URL, Model: "m1", APIKey: "sk-1", Temperature: 0.1})
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages:       []Message{{Role: "user", Content: "hi"}},
		ResponseFormat: "json_object",
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != `{"ok":true}` || resp.TotalTokens != 13 || resp.FinishReason != "stop" {
		t.Errorf("response: %+v", resp)
	}
	if got.Model != "m1" || got.Temperature != 0.1 {
		t.Errorf("request defaults: model %q, temperature %v", got.Model, got.Temperature)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Error("json mode not requested")
	}
}

func TestOpenAICompatClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewOpenAICompat(Config{BaseURL: srv.URL})
	_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("a 400 must not be retried, got %d calls", calls.Load())
	}
}

func TestRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"choices":[{"message":{"content":"done"}}]}`)
	}))
	defer srv.Close()

	p := NewOpenAICompat(Config{BaseURL: srv.URL, MaxRetries: 2})
	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "done" || calls.Load() != 2 {
		t.Errorf("content %q after %d calls", resp.Content, calls.Load())
	}
}

func TestNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	_, err := NewOpenAICompat(Config{BaseURL: srv.URL}).Chat(context.Background(), ChatRequest{})
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Gemini
// ---------------------------------------------------------------------------

func TestGeminiChat(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.5-flash:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Errorf("api key header = %q", r.Header.Get("x-goog-api-key"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{
			"candidates":[{"content":{"role":"model","parts":[{"text":"{\"patient\":"},{"text":"{}}"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":100,"candidatesTokenCount":20,"totalTokenCount":120},
			"modelVersion":"gemini-2.5-flash-001"
		}`)
	}))
	defer srv.Close()

	p := NewGemini(Config{BaseURL: srv.URL, APIKey: "g-key", Temperature: 0.1})
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "extract"},
			{Role: "user", Content: "document text"},
		},
		ResponseFormat: "json_object",
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != `{"patient":{}}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Model != "gemini-2.5-flash-001" || resp.TotalTokens != 120 || resp.CompletionTokens != 20 {
		t.Errorf("response: %+v", resp)
	}

	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "extract" {
		t.Errorf("system instruction: %+v", got.SystemInstruction)
	}
	if len(got.Contents) != 1 || got.Contents[0].Role != "user" {
		t.Errorf("contents: %+v", got.Contents)
	}
	if got.GenerationConfig.Temperature != 0.1 || got.GenerationConfig.ResponseMimeType != "application/json" {
		t.Errorf("generation config: %+v", got.GenerationConfig)
	}
}

func TestGeminiNoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"candidates":[]}`)
	}))
	defer srv.Close()

	_, err := NewGemini(Config{BaseURL: srv.URL}).Chat(context.Background(), ChatRequest{})
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
}
