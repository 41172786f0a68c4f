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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type judgeOutput struct {
	IsSuccess     bool     `json:"is_success"`
	FailureReason string   `json:"failure_reason,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Confidence    float64  `json:"confidence"`
}

func TestNewResponseSchemaFromStruct(t *testing.T) {
	s, err := NewResponseSchema("judge_output", "success judgment", judgeOutput{})
	require.NoError(t, err)

	doc := s.Document()
	assert.Equal(t, "object", doc["type"])
	props, ok := doc["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "is_success")
	assert.Contains(t, props, "failure_reason")
	assert.Contains(t, props, "tags")

	// omitempty fields are optional; the rest are required.
	required, ok := doc["required"].([]string)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"is_success", "confidence"}, required)
}

func TestNewResponseSchemaRejectsNonStruct(t *testing.T) {
	_, err := NewResponseSchema("bad", "", map[string]interface{}{"type": "object"})
	require.Error(t, err)

	_, err = NewResponseSchema("bad", "", nil)
	require.Error(t, err)

	_, err = NewResponseSchema("bad", "", "a string")
	require.Error(t, err)
}

func TestSchemaValidateAccepts(t *testing.T) {
	s := MustResponseSchema("judge_output", "", judgeOutput{})

	var out judgeOutput
	raw := []byte(`{"is_success": true, "confidence": 0.9, "tags": ["tone"]}`)
	require.NoError(t, s.Validate(raw, &out))
	assert.True(t, out.IsSuccess)
	assert.InDelta(t, 0.9, out.Confidence, 1e-9)
	assert.Equal(t, []string{"tone"}, out.Tags)
}

func TestSchemaValidateRejects(t *testing.T) {
	s := MustResponseSchema("judge_output", "", judgeOutput{})

	tests := []struct {
		name string
		raw  string
	}{
		{"missing required", `{"failure_reason": "x"}`},
		{"wrong type", `{"is_success": "yes", "confidence": 1}`},
		{"extra property", `{"is_success": true, "confidence": 1, "verdict": "ok"}`},
		{"not json", `success!`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out judgeOutput
			err := s.Validate([]byte(tt.raw), &out)
			require.Error(t, err)
			assert.True(t, IsSchemaViolation(err), "expected schema violation, got %v", err)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(ErrSchemaViolation))
	assert.True(t, IsRetryable(assertError("anthropic: status 529 overloaded")))
	assert.True(t, IsRetryable(assertError("openai: status 500")))
	assert.False(t, IsRetryable(assertError("invalid api key")))
}

type assertError string

func (e assertError) Error() string { return string(e) }
