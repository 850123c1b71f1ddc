package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIChat_StructuredOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["model"] != "gpt-test" {
			t.Errorf("expected model gpt-test, got %v", body["model"])
		}
		rf, _ := body["response_format"].(map[string]any)
		if rf["type"] != "json_schema" {
			t.Errorf("expected json_schema response format, got %v", body["response_format"])
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-test",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"role\":\"client\",\"score\":0.7}"}}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 5, "total_tokens": 25}
		}`))
	}))
	defer server.Close()

	c, err := NewOpenAI(Config{APIKey: "k", BaseURL: server.URL, Model: "gpt-test"})
	if err != nil {
		t.Fatal(err)
	}

	var out verdict
	resp, err := c.Chat(context.Background(), Request{
		SystemPrompt: "s",
		UserPrompt:   "u",
		SchemaName:   "verdict",
		Schema:       GenerateSchema[verdict](),
	}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Role != "client" || out.Score != 0.7 {
		t.Errorf("unexpected result %+v", out)
	}
	if resp.PromptTokens != 20 || resp.CompletionTokens != 5 {
		t.Errorf("unexpected usage %+v", resp)
	}
	if c.Model() != "gpt-test" {
		t.Errorf("unexpected model %s", c.Model())
	}
}

func TestOpenAIChat_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer server.Close()

	c, _ := NewOpenAI(Config{APIKey: "k", BaseURL: server.URL})
	var out verdict
	_, err := c.Chat(context.Background(), Request{UserPrompt: "u"}, &out)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRetryable(context.Background(), err) {
		t.Errorf("503 should be retryable: %v", err)
	}
}

func TestEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0.3, 0.4]},
				{"object": "embedding", "index": 0, "embedding": [0.1, 0.2]}
			],
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`))
	}))
	defer server.Close()

	e, err := NewEmbedder(Config{APIKey: "k", BaseURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}
	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 0.1 || vecs[1][1] != 0.4 {
		t.Errorf("embeddings not ordered by index: %v", vecs)
	}

	none, err := e.Embed(context.Background(), nil)
	if err != nil || none != nil {
		t.Errorf("empty input should be a no-op, got %v %v", none, err)
	}
}

func TestIsRetryable(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want bool
	}{
		{"nil", context.Background(), nil, false},
		{"cancelled", context.Background(), context.Canceled, false},
		{"per-call timeout", context.Background(), context.DeadlineExceeded, true},
		{"caller gone", cancelled, context.DeadlineExceeded, false},
		{"anthropic 500", context.Background(), &APIError{StatusCode: 500}, true},
		{"anthropic 400", context.Background(), &APIError{StatusCode: 400}, false},
		{"plain", context.Background(), errors.New("bad json"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.ctx, tt.err); got != tt.want {
				t.Errorf("IsRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew_Providers(t *testing.T) {
	if _, err := New(Config{Provider: "openai"}); err == nil {
		t.Error("expected missing key error")
	}
	c, err := New(Config{Provider: "anthropic", APIKey: "k", Model: "m"})
	if err != nil || c.Model() != "m" {
		t.Errorf("unexpected anthropic client %v %v", c, err)
	}
	if _, err := New(Config{Provider: "bard", APIKey: "k"}); err == nil {
		t.Error("expected unknown provider error")
	}
}
