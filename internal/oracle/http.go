package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mpedrazzi/intentchat/internal/reliability"
)

const (
	retryBackoffBase = 250 * time.Millisecond
	retryBackoffCap  = 4 * time.Second
)

// HTTPOracle calls a chat-completions compatible endpoint, optionally
// authenticating via a client-credentials token source.
type HTTPOracle struct {
	endpoint   string
	model      string
	maxRetries int
	client     *http.Client
	tokens     *tokenSource
}

func NewHTTPOracle(cfg Config) *HTTPOracle {
	client := &http.Client{Timeout: 60 * time.Second}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &HTTPOracle{
		endpoint:   strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		model:      cfg.Model,
		maxRetries: retries,
		client:     client,
		tokens:     newTokenSource(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, client),
	}
}

func (o *HTTPOracle) Complete(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(struct {
		Messages    []Message `json:"messages"`
		MaxTokens   int       `json:"max_tokens"`
		Temperature float64   `json:"temperature"`
		Stream      bool      `json:"stream"`
		Model       string    `json:"model,omitempty"`
	}{
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Model:       o.model,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := reliability.ExponentialBackoff(attempt-1, retryBackoffBase, retryBackoffCap)
			select {
			case <-ctx.Done():
				return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
		}

		res, retryable, err := o.attempt(ctx, payload)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable {
			return Response{}, err
		}
	}
	return Response{}, lastErr
}

func (o *HTTPOracle) attempt(ctx context.Context, payload []byte) (Response, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if o.tokens.enabled() {
		token, err := o.tokens.bearer(ctx)
		if err != nil {
			return Response{}, true, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := o.client.Do(httpReq)
	if err != nil {
		return Response{}, true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized && o.tokens.enabled() {
		o.tokens.invalidate()
		return Response{}, true, fmt.Errorf("%w: status 401", ErrUnavailable)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		err := fmt.Errorf("%w: status %d: %s", ErrUnavailable, res.StatusCode, string(body))
		return Response{}, reliability.IsRetryableHTTPStatus(res.StatusCode), err
	}

	var completion struct {
		Model   string `json:"model"`
		Usage   Usage  `json:"usage"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(res.Body).Decode(&completion); err != nil {
		return Response{}, false, fmt.Errorf("%w: decode response: %v", ErrProtocol, err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, false, fmt.Errorf("%w: no choices returned", ErrProtocol)
	}

	model := completion.Model
	if model == "" {
		model = o.model
	}
	return Response{
		Content: strings.TrimSpace(completion.Choices[0].Message.Content),
		Model:   model,
		Usage:   completion.Usage,
	}, false, nil
}
