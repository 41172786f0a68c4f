// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package anthropic implements llm.Provider against the Anthropic
// Messages API. Structured outputs use a single forced tool call whose
// input schema is the response schema.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/teradata-labs/reflexio/pkg/llm"
)

const (
	// DefaultModel is the default Claude model.
	DefaultModel = "claude-sonnet-4-5-20250929"
	// DefaultEndpoint is the default Anthropic API endpoint.
	DefaultEndpoint = "https://api.anthropic.com/v1/messages"
	// DefaultMaxTokens is the default maximum tokens per request.
	DefaultMaxTokens = 4096
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	apiVersion = "2023-06-01"
)

// Config holds configuration for the Anthropic client.
type Config struct {
	APIKey      string
	Model       string // Default: DefaultModel (or ANTHROPIC_DEFAULT_MODEL)
	Endpoint    string // Default: DefaultEndpoint
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
	RateLimiter *llm.RateLimiter
}

// Client implements llm.Provider for Anthropic's Claude API.
type Client struct {
	apiKey      string
	model       string
	endpoint    string
	httpClient  *http.Client
	maxTokens   int
	temperature float64
	rateLimiter *llm.RateLimiter
}

// NewClient creates a new Anthropic client. The API key falls back to
// ANTHROPIC_API_KEY when empty.
func NewClient(config Config) *Client {
	if config.APIKey == "" {
		config.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if config.Model == "" {
		if envModel := os.Getenv("ANTHROPIC_DEFAULT_MODEL"); envModel != "" {
			config.Model = envModel
		} else {
			config.Model = DefaultModel
		}
	}
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}

	return &Client{
		apiKey:      config.APIKey,
		model:       config.Model,
		endpoint:    config.Endpoint,
		maxTokens:   config.MaxTokens,
		temperature: config.Temperature,
		rateLimiter: config.RateLimiter,
		httpClient:  &http.Client{Timeout: config.Timeout},
	}
}

// Name returns the provider name.
func (c *Client) Name() string { return "anthropic" }

// Model returns the model identifier.
func (c *Client) Model() string { return c.model }

// Generate returns the model's text answer for the conversation.
func (c *Client) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	req := c.buildRequest(messages)

	resp, err := c.callAPI(ctx, req)
	if err != nil {
		return "", err
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("anthropic: response contained no text block (stop_reason=%s)", resp.StopReason)
}

// GenerateStructured forces a tool call shaped by schema and validates the
// returned input object before decoding it into out.
func (c *Client) GenerateStructured(ctx context.Context, messages []llm.Message, schema *llm.ResponseSchema, out interface{}) error {
	if schema == nil {
		return fmt.Errorf("anthropic: structured generation requires a response schema")
	}
	req := c.buildRequest(messages)
	req.Tools = []apiTool{{
		Name:        schema.Name(),
		Description: schema.Description(),
		InputSchema: schema.Document(),
	}}
	req.ToolChoice = &toolChoice{Type: "tool", Name: schema.Name()}

	resp, err := c.callAPI(ctx, req)
	if err != nil {
		return err
	}
	for _, block := range resp.Content {
		if block.Type == "tool_use" && block.Name == schema.Name() {
			return schema.Validate(block.Input, out)
		}
	}
	return fmt.Errorf("%w: no tool_use block in response", llm.ErrSchemaViolation)
}

// buildRequest converts messages to the wire format, splitting out the
// system prompt (the Messages API carries it in a separate field).
func (c *Client) buildRequest(messages []llm.Message) *messagesRequest {
	req := &messagesRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	for _, m := range messages {
		if m.Role == "system" {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
			continue
		}
		role := m.Role
		if role == "agent" {
			role = "assistant"
		}
		req.Messages = append(req.Messages, apiMessage{Role: role, Content: m.Content})
	}
	return req
}

// callAPI posts the request, going through the shared rate limiter.
func (c *Client) callAPI(ctx context.Context, req *messagesRequest) (*messagesResponse, error) {
	var resp *messagesResponse
	call := func(ctx context.Context) error {
		var err error
		resp, err = c.doOnce(ctx, req)
		return err
	}
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Do(ctx, call); err != nil {
			return nil, err
		}
		return resp, nil
	}
	if err := call(ctx); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, req *messagesRequest) (*messagesResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var errResp messagesResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != nil {
			return nil, fmt.Errorf("anthropic: status %d: %s: %s",
				httpResp.StatusCode, errResp.Error.Type, errResp.Error.Message)
		}
		return nil, fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var resp messagesResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	return &resp, nil
}

// Compile-time check: Client implements llm.Provider.
var _ llm.Provider = (*Client)(nil)
