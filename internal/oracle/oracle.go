// Package oracle abstracts the external language-model endpoint behind a
// small completion interface with http and mock implementations.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message is one chat message in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a normalized completion request.
type Request struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

// Response is the completed text plus provider metadata.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   Usage  `json:"usage,omitempty"`
}

// Usage reports token accounting when the provider returns it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrUnavailable marks transport-level failures: timeouts, connection
// errors, non-2xx statuses. Callers recover locally; it never surfaces
// as a user-visible failure.
var ErrUnavailable = errors.New("oracle unavailable")

// ErrProtocol marks a reachable oracle returning a response the caller
// cannot interpret.
var ErrProtocol = errors.New("oracle protocol error")

// Oracle is the opaque classification/generation endpoint.
type Oracle interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Config controls oracle construction.
type Config struct {
	Mode         string
	Endpoint     string
	Model        string
	TokenURL     string
	ClientID     string
	ClientSecret string
	MaxRetries   int
}

// New builds an oracle by mode: "http", "mock", or "auto" which picks http
// when an endpoint is configured and mock otherwise.
func New(cfg Config) (Oracle, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.Endpoint) != "" {
			return NewHTTPOracle(cfg), nil
		}
		return NewMockOracle(), nil
	case "http":
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return nil, errors.New("oracle endpoint is required for http mode")
		}
		return NewHTTPOracle(cfg), nil
	case "mock":
		return NewMockOracle(), nil
	default:
		return nil, fmt.Errorf("unsupported oracle mode %q", cfg.Mode)
	}
}
