package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type verdict struct {
	Role  string  `json:"role"`
	Score float64 `json:"score"`
}

func TestAnthropicChat_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("expected x-api-key test-key, got %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("expected anthropic-version 2023-06-01, got %q", r.Header.Get("anthropic-version"))
		}

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("expected model test-model, got %q", req.Model)
		}
		if !strings.HasPrefix(req.System, "classify speakers") || !strings.Contains(req.System, `"role"`) {
			t.Errorf("system prompt should carry the schema, got %q", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "A: hola" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		if req.MaxTokens != 200 {
			t.Errorf("expected max_tokens 200, got %d", req.MaxTokens)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]any{{"type": "text", "text": "```json\n{\"role\":\"agent\",\"score\":0.8}\n```"}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 12, "output_tokens": 7},
		})
	}))
	defer server.Close()

	c := NewAnthropic("test-key", "test-model")
	c.SetBaseURL(server.URL)

	var out verdict
	resp, err := c.Chat(context.Background(), Request{
		SystemPrompt: "classify speakers",
		UserPrompt:   "A: hola",
		SchemaName:   "verdict",
		Schema:       GenerateSchema[verdict](),
		MaxTokens:    200,
	}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Role != "agent" || out.Score != 0.8 {
		t.Errorf("unexpected result %+v", out)
	}
	if resp.PromptTokens != 12 || resp.CompletionTokens != 7 {
		t.Errorf("unexpected usage %+v", resp)
	}
}

func TestAnthropicChat_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"type": "rate_limit_error", "message": "slow down"},
		})
	}))
	defer server.Close()

	c := NewAnthropic("test-key", "test-model")
	c.SetBaseURL(server.URL)

	var out verdict
	_, err := c.Chat(context.Background(), Request{UserPrompt: "hi"}, &out)
	if err == nil {
		t.Fatal("expected error for API error response")
	}
	if !IsRetryable(context.Background(), err) {
		t.Errorf("429 should be retryable: %v", err)
	}
}

func TestAnthropicChat_EmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"content": []any{}, "stop_reason": "end_turn"})
	}))
	defer server.Close()

	c := NewAnthropic("test-key", "test-model")
	c.SetBaseURL(server.URL)

	var out verdict
	if _, err := c.Chat(context.Background(), Request{UserPrompt: "hi"}, &out); err == nil {
		t.Fatal("expected error for empty content response")
	}
}

func TestExtractJSON(t *testing.T) {
	tests := map[string]string{
		`{"a":1}`:                        `{"a":1}`,
		"Sure!\n```json\n{\"a\":1}\n```": `{"a":1}`,
		"no json here":                   "no json here",
	}
	for in, want := range tests {
		if got := extractJSON(in); got != want {
			t.Errorf("extractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}
