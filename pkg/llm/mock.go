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
package llm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
)

// MockProvider is a scripted Provider for tests. Structured responses are
// keyed by schema name; Generate pops from the Responses queue. Every call
// is recorded so tests can assert on call counts (fingerprint carry-forward
// relies on "zero LLM calls" being observable).
type MockProvider struct {
	mu sync.Mutex

	// Responses is a FIFO of free-form answers for Generate.
	Responses []string

	// Structured maps schema name to the JSON payload to return.
	Structured map[string]interface{}

	// Err, when set, is returned by every call.
	Err error

	calls      int
	generated  []Message
	structured []string
}

// NewMockProvider creates an empty mock.
func NewMockProvider() *MockProvider {
	return &MockProvider{Structured: make(map[string]interface{})}
}

// Generate pops the next scripted response.
func (m *MockProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.generated = append(m.generated, messages...)
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "", fmt.Errorf("mock provider: no scripted response")
	}
	resp := m.Responses[0]
	m.Responses = m.Responses[1:]
	return resp, nil
}

// GenerateStructured marshals the scripted payload for the schema through
// schema validation, exactly as a real provider response would be handled.
func (m *MockProvider) GenerateStructured(ctx context.Context, messages []Message, schema *ResponseSchema, out interface{}) error {
	m.mu.Lock()
	m.calls++
	m.structured = append(m.structured, schema.Name())
	payload, ok := m.Structured[schema.Name()]
	err := m.Err
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("mock provider: no scripted payload for schema %q", schema.Name())
	}
	raw, merr := json.Marshal(payload)
	if merr != nil {
		return merr
	}
	return schema.Validate(raw, out)
}

// Name returns "mock".
func (m *MockProvider) Name() string { return "mock" }

// Model returns "mock-model".
func (m *MockProvider) Model() string { return "mock-model" }

// Calls returns the total number of provider calls made.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// StructuredCalls returns the schema names requested, in order.
func (m *MockProvider) StructuredCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.structured))
	copy(out, m.structured)
	return out
}

// MockEmbedder derives deterministic unit vectors from text, so tests get
// stable similarity structure without a real embedding model: identical
// texts embed identically, different texts almost surely do not.
type MockEmbedder struct {
	Dim int

	mu    sync.Mutex
	calls int
}

// NewMockEmbedder creates a deterministic embedder with the given dimension.
func NewMockEmbedder(dim int) *MockEmbedder {
	if dim <= 0 {
		dim = 8
	}
	return &MockEmbedder{Dim: dim}
}

// Embed returns a deterministic pseudo-random unit vector for text.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	vec := make([]float32, m.Dim)
	var norm float64
	for i := range vec {
		h := fnv.New64a()
		_, _ = h.Write([]byte(text))
		var idx [8]byte
		binary.LittleEndian.PutUint64(idx[:], uint64(i))
		_, _ = h.Write(idx[:])
		// Map the hash onto [-1, 1).
		v := float64(int64(h.Sum64())) / float64(1<<63)
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		inv := float32(1.0 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the vector dimension.
func (m *MockEmbedder) Dimensions() int { return m.Dim }

// Calls returns the number of Embed calls made.
func (m *MockEmbedder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
