// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

package deliberation

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

// DefaultCallTimeout bounds a single model call. Council models routinely
// think for minutes, so this is deliberately generous.
const DefaultCallTimeout = 120 * time.Second

// Gateway sends one chat-completion request to one named model backend. It is
// the only component that talks to the network. A single attempt is made per
// call; retry policy, if any, belongs to the caller.
type Gateway interface {
	Invoke(ctx context.Context, model string, messages []Message) (*ModelReply, error)
}

// OpenRouterGateway talks to the OpenRouter chat-completions API, which
// fronts every council model behind one endpoint and one credential.
type OpenRouterGateway struct {
	apiKey   string
	endpoint string
	timeout  time.Duration
	client   *http.Client
}

// GatewayOption configures an OpenRouterGateway.
type GatewayOption func(*OpenRouterGateway)

// WithEndpoint overrides the chat-completions URL (used by tests and proxies).
func WithEndpoint(url string) GatewayOption {
	return func(g *OpenRouterGateway) { g.endpoint = url }
}

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(d time.Duration) GatewayOption {
	return func(g *OpenRouterGateway) { g.timeout = d }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *OpenRouterGateway) { g.client = c }
}

// NewOpenRouterGateway creates a gateway authenticated with the given API key.
func NewOpenRouterGateway(apiKey string, opts ...GatewayOption) *OpenRouterGateway {
	g := &OpenRouterGateway{
		apiKey:   apiKey,
		endpoint: "https://openrouter.ai/api/v1/chat/completions",
		timeout:  DefaultCallTimeout,
		client:   &http.Client{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type chatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content          string          `json:"content"`
			ReasoningDetails json.RawMessage `json:"reasoning_details"`
		} `json:"message"`
	} `json:"choices"`
}

// Invoke sends one chat-completion request and returns the model's reply.
// Network errors, non-2xx statuses, malformed bodies, and timeouts all come
// back as *GatewayError; Invoke never panics and never retries.
func (g *OpenRouterGateway) Invoke(ctx context.Context, model string, messages []Message) (*ModelReply, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	reqBody, err := json.Marshal(chatCompletionRequest{Model: model, Messages: messages})
	if err != nil {
		return nil, &GatewayError{Model: model, Code: FailureMalformed, Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, &GatewayError{Model: model, Code: FailureNetwork, Cause: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		code := FailureNetwork
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			code = FailureTimeout
		}
		return nil, &GatewayError{Model: model, Code: code, Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read a bounded amount of the body for diagnostics.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &GatewayError{
			Model:      model,
			Code:       FailureStatus,
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("upstream returned: %s", string(body)),
		}
	}

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &GatewayError{Model: model, Code: FailureMalformed, Cause: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &GatewayError{Model: model, Code: FailureMalformed, Cause: fmt.Errorf("response has no choices")}
	}

	msg := parsed.Choices[0].Message
	return &ModelReply{
		Content:          msg.Content,
		ReasoningDetails: msg.ReasoningDetails,
	}, nil
}
