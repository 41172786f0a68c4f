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
package anthropic

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

type extractionPayload struct {
	DoAction      string `json:"do_action"`
	DoNotAction   string `json:"do_not_action"`
	WhenCondition string `json:"when_condition"`
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{
		APIKey:   "test-key",
		Endpoint: server.URL,
		Model:    "claude-test",
	})
}

func TestGenerateReturnsTextBlock(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))

		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-test", req.Model)
		// System messages are hoisted out of the messages array.
		assert.Equal(t, "be brief", req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		_ = json.NewEncoder(w).Encode(messagesResponse{
			Content: []contentBlock{{Type: "text", Text: "hello"}},
		})
	})

	got, err := client.Generate(context.Background(), []llm.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestGenerateStructuredForcesToolChoice(t *testing.T) {
	schema := llm.MustResponseSchema("extract_feedback", "structured feedback", extractionPayload{})

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "extract_feedback", req.Tools[0].Name)
		require.NotNil(t, req.ToolChoice)
		assert.Equal(t, "tool", req.ToolChoice.Type)
		assert.Equal(t, "extract_feedback", req.ToolChoice.Name)

		_ = json.NewEncoder(w).Encode(messagesResponse{
			Content: []contentBlock{{
				Type:  "tool_use",
				Name:  "extract_feedback",
				Input: json.RawMessage(`{"do_action":"use CTEs","do_not_action":"","when_condition":"writing SQL"}`),
			}},
		})
	})

	var out extractionPayload
	err := client.GenerateStructured(context.Background(), []llm.Message{{Role: "user", Content: "x"}}, schema, &out)
	require.NoError(t, err)
	assert.Equal(t, "use CTEs", out.DoAction)
	assert.Equal(t, "writing SQL", out.WhenCondition)
}

func TestGenerateStructuredRejectsInvalidToolInput(t *testing.T) {
	schema := llm.MustResponseSchema("extract_feedback", "", extractionPayload{})

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(messagesResponse{
			Content: []contentBlock{{
				Type:  "tool_use",
				Name:  "extract_feedback",
				Input: json.RawMessage(`{"do_action": 42}`),
			}},
		})
	})

	var out extractionPayload
	err := client.GenerateStructured(context.Background(), []llm.Message{{Role: "user", Content: "x"}}, schema, &out)
	require.Error(t, err)
	assert.True(t, llm.IsSchemaViolation(err))
}

func TestGenerateStructuredRequiresSchema(t *testing.T) {
	client := NewClient(Config{APIKey: "k"})
	err := client.GenerateStructured(context.Background(), nil, nil, nil)
	require.Error(t, err)
}

func TestGenerateSurfacesAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(messagesResponse{
			Error: &apiError{Type: "overloaded_error", Message: "try later"},
		})
	})

	_, err := client.Generate(context.Background(), []llm.Message{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.True(t, llm.IsRetryable(err))
}
