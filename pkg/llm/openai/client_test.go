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
package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/reflexio/pkg/llm"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Model: "gpt-test"})
}

func TestGenerateStructuredSendsJSONSchemaFormat(t *testing.T) {
	type verdict struct {
		IsSuccess bool `json:"is_success"`
	}
	schema := llm.MustResponseSchema("verdict", "", verdict{})

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_schema", req.ResponseFormat.Type)
		require.NotNil(t, req.ResponseFormat.JSONSchema)
		assert.Equal(t, "verdict", req.ResponseFormat.JSONSchema.Name)
		assert.True(t, req.ResponseFormat.JSONSchema.Strict)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"is_success\":true}"}}]}`))
	})

	var out verdict
	err := client.GenerateStructured(context.Background(), []llm.Message{{Role: "user", Content: "judge"}}, schema, &out)
	require.NoError(t, err)
	assert.True(t, out.IsSuccess)
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"a", "b"}, req.Input)

		// Return out of order; the client must sort by index.
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	})

	vecs, err := client.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0}, vecs[0])
	assert.Equal(t, []float32{0, 1}, vecs[1])
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	client := NewClient(Config{APIKey: "k"})
	vecs, err := client.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestEmbedCountMismatch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	_, err := client.Embed(context.Background(), "a")
	require.Error(t, err)
}

func TestDimensionsKnownModels(t *testing.T) {
	assert.Equal(t, 1536, NewClient(Config{APIKey: "k"}).Dimensions())
	assert.Equal(t, 3072, NewClient(Config{APIKey: "k", EmbeddingModel: "text-embedding-3-large"}).Dimensions())
	assert.Equal(t, 1536, NewClient(Config{APIKey: "k", EmbeddingModel: "custom"}).Dimensions())
}

func TestGenerateServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`upstream error`))
	})
	_, err := client.Generate(context.Background(), []llm.Message{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.True(t, llm.IsRetryable(err))
}
