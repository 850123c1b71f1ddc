package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
)

// Client is a provider-agnostic structured-output chat client. The reply is
// decoded into result, which should match Schema.
type Client interface {
	Chat(ctx context.Context, req Request, result any) (*Response, error)
	Model() string
}

type Request struct {
	SystemPrompt string
	UserPrompt   string
	SchemaName   string
	Schema       any
	MaxTokens    int
	Temperature  *float64
}

type Response struct {
	PromptTokens     int
	CompletionTokens int
}

type Config struct {
	Provider string // openai | anthropic
	APIKey   string
	BaseURL  string
	Model    string
}

// New builds the Client for cfg.Provider.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAI(cfg)
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("API key is required")
		}
		c := NewAnthropic(cfg.APIKey, cfg.Model)
		if cfg.BaseURL != "" {
			c.SetBaseURL(cfg.BaseURL)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// GenerateSchema reflects a strict JSON schema from T.
func GenerateSchema[T any]() any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

func Temp(t float64) *float64 {
	return &t
}

// IsRetryable reports whether a Chat or Embed error is worth another attempt:
// rate limits, server errors and network timeouts. Cancellation never is.
func IsRetryable(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// The caller's own deadline is final; a per-call timeout is not.
		return ctx.Err() == nil
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return retryableStatus(ctx, apiErr.StatusCode)
	}
	var anthErr *APIError
	if errors.As(err, &anthErr) {
		return retryableStatus(ctx, anthErr.StatusCode)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

func retryableStatus(ctx context.Context, status int) bool {
	switch {
	case status == 429:
		slog.WarnContext(ctx, "llm rate limited, will retry", "status_code", status)
		return true
	case status >= 500:
		slog.WarnContext(ctx, "llm server error, will retry", "status_code", status)
		return true
	default:
		slog.ErrorContext(ctx, "llm client error, not retryable", "status_code", status)
		return false
	}
}
