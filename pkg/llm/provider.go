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

// Package llm defines the provider contract the reflexio core consumes and
// shared plumbing (rate limiting, structured-output schemas, retries).
// Concrete providers live in pkg/llm/anthropic and pkg/llm/openai.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is a single chat turn sent to a provider.
type Message struct {
	// Role is "system", "user" or "assistant"
	Role string

	// Content is the message text
	Content string
}

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Provider is the LLM contract the core depends on.
//
// GenerateStructured must only be called with a schema built by
// NewResponseSchema; providers reject nil or hand-built schemas. The decoded
// output is validated against the schema before it is unmarshaled into out.
type Provider interface {
	// Generate returns the model's free-form text answer.
	Generate(ctx context.Context, messages []Message) (string, error)

	// GenerateStructured asks for a JSON object matching schema and
	// unmarshals it into out (a pointer to the schema's prototype type).
	GenerateStructured(ctx context.Context, messages []Message, schema *ResponseSchema, out interface{}) error

	// Name returns the provider name ("anthropic", "openai", ...).
	Name() string

	// Model returns the model identifier.
	Model() string
}

// Embedder produces dense vectors with a fixed dimension per model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// ErrSchemaViolation marks a structured response that failed schema
// validation. Callers must not retry these in the same call (the model
// already saw the schema); the window is treated as failed instead.
var ErrSchemaViolation = errors.New("llm: response violates schema")

// IsSchemaViolation reports whether err is (or wraps) a schema violation.
func IsSchemaViolation(err error) bool {
	return errors.Is(err, ErrSchemaViolation)
}

// IsRetryable reports whether err looks like a transient provider failure
// (timeout, 5xx, throttling). Schema violations are never retryable.
func IsRetryable(err error) bool {
	if err == nil || IsSchemaViolation(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"429", "500", "502", "503", "504", "529",
		"timeout", "overloaded", "rate limit", "connection reset",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// GenerateWithRetry calls fn once, and once more if the first attempt failed
// with a retryable error. This is the policy for LLM timeout/5xx: retry
// once, then surface the failure for this extractor only.
func GenerateWithRetry(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || !IsRetryable(err) {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
	}
	if err2 := fn(ctx); err2 != nil {
		return fmt.Errorf("retry failed after %v: %w", err, err2)
	}
	return nil
}
