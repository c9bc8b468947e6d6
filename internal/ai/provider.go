package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider is the single surface the review engine and bounty evaluator
// consume. Implementations wrap one completion backend each; callers never
// see vendor-specific request shapes.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}

type Request struct {
	Prompt      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// ErrAuth marks authentication failures from the backend. These are
// permanent: retrying with the same key cannot succeed.
var ErrAuth = errors.New("ai: authentication failed")

// ErrNotConfigured is returned when no API key is present. Safety paths
// treat it exactly like any other provider failure: fail closed.
var ErrNotConfigured = errors.New("ai: provider not configured")

// ChatProvider talks to an OpenAI-compatible chat completions endpoint
// (xAI/Grok, OpenAI, and most gateways speak this shape).
type ChatProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	http    *http.Client
}

func NewChatProvider(baseURL, apiKey, model string) *ChatProvider {
	return &ChatProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		http:    &http.Client{}, // per-call timeouts via context
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *ChatProvider) Complete(ctx context.Context, req Request) (string, error) {
	if p.APIKey == "" {
		return "", ErrNotConfigured
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:       p.Model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("ai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ai: request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ai: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: http %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("ai: http %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("ai: decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("ai: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("ai: empty completion")
	}
	return parsed.Choices[0].Message.Content, nil
}

// IsRetryable classifies provider errors. Auth and missing-config failures
// are permanent; timeouts, 5xx, and transport errors are worth another try.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrNotConfigured) {
		return false
	}
	return true
}
