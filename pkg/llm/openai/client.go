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

// Package openai implements llm.Provider and llm.Embedder against the
// OpenAI API. Structured outputs use the json_schema response format;
// embeddings use the embeddings endpoint with a fixed dimension per model.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/teradata-labs/reflexio/pkg/llm"
)

const (
	// DefaultModel is the default chat model.
	DefaultModel = "gpt-4o-2024-08-06"
	// DefaultEmbeddingModel is the default embedding model.
	DefaultEmbeddingModel = "text-embedding-3-small"
	// DefaultBaseURL is the OpenAI API base.
	DefaultBaseURL = "https://api.openai.com/v1"
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second
	// DefaultMaxTokens is the default completion token cap.
	DefaultMaxTokens = 4096
)

// embeddingDimensions maps known embedding models to their output size.
var embeddingDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// Config holds configuration for the OpenAI client.
type Config struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	BaseURL        string
	Timeout        time.Duration
	MaxTokens      int
	Temperature    float64
	RateLimiter    *llm.RateLimiter
}

// Client implements llm.Provider and llm.Embedder for OpenAI.
type Client struct {
	apiKey         string
	model          string
	embeddingModel string
	baseURL        string
	httpClient     *http.Client
	maxTokens      int
	temperature    float64
	rateLimiter    *llm.RateLimiter
}

// NewClient creates a new OpenAI client. The API key falls back to
// OPENAI_API_KEY when empty.
func NewClient(config Config) *Client {
	if config.APIKey == "" {
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = DefaultEmbeddingModel
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	return &Client{
		apiKey:         config.APIKey,
		model:          config.Model,
		embeddingModel: config.EmbeddingModel,
		baseURL:        strings.TrimSuffix(config.BaseURL, "/"),
		maxTokens:      config.MaxTokens,
		temperature:    config.Temperature,
		rateLimiter:    config.RateLimiter,
		httpClient:     &http.Client{Timeout: config.Timeout},
	}
}

// Name returns the provider name.
func (c *Client) Name() string { return "openai" }

// Model returns the chat model identifier.
func (c *Client) Model() string { return c.model }

// Dimensions returns the embedding dimension for the configured model.
func (c *Client) Dimensions() int {
	if d, ok := embeddingDimensions[c.embeddingModel]; ok {
		return d
	}
	return 1536
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string                 `json:"name"`
	Strict bool                   `json:"strict"`
	Schema map[string]interface{} `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate returns the model's text answer for the conversation.
func (c *Client) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	resp, err := c.chat(ctx, c.buildRequest(messages))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: response contained no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateStructured requests a json_schema-constrained completion and
// validates the content before decoding it into out.
func (c *Client) GenerateStructured(ctx context.Context, messages []llm.Message, schema *llm.ResponseSchema, out interface{}) error {
	if schema == nil {
		return fmt.Errorf("openai: structured generation requires a response schema")
	}
	req := c.buildRequest(messages)
	req.ResponseFormat = &responseFormat{
		Type: "json_schema",
		JSONSchema: &jsonSchema{
			Name:   schema.Name(),
			Strict: true,
			Schema: schema.Document(),
		},
	}
	resp, err := c.chat(ctx, req)
	if err != nil {
		return err
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("openai: response contained no choices")
	}
	return schema.Validate([]byte(resp.Choices[0].Message.Content), out)
}

func (c *Client) buildRequest(messages []llm.Message) *chatRequest {
	req := &chatRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	for _, m := range messages {
		role := m.Role
		if role == "agent" {
			role = "assistant"
		}
		req.Messages = append(req.Messages, chatMessage{Role: role, Content: m.Content})
	}
	return req
}

func (c *Client) chat(ctx context.Context, req *chatRequest) (*chatResponse, error) {
	var resp chatResponse
	call := func(ctx context.Context) error {
		return c.post(ctx, "/chat/completions", req, &resp)
	}
	var err error
	if c.rateLimiter != nil {
		err = c.rateLimiter.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("openai: %s: %s", resp.Error.Type, resp.Error.Message)
	}
	return &resp, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed returns the embedding vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one API call, preserving input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := &embeddingRequest{Model: c.embeddingModel, Input: texts}
	var resp embeddingResponse
	call := func(ctx context.Context) error {
		return c.post(ctx, "/embeddings", req, &resp)
	}
	var err error
	if c.rateLimiter != nil {
		err = c.rateLimiter.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("openai: %s: %s", resp.Error.Type, resp.Error.Message)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("openai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai: request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("openai: read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai: status %d: %s", httpResp.StatusCode, truncate(string(raw), 300))
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return fmt.Errorf("openai: decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Compile-time checks.
var (
	_ llm.Provider = (*Client)(nil)
	_ llm.Embedder = (*Client)(nil)
)
