// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/reflexio/pkg/config"
	"github.com/teradata-labs/reflexio/pkg/generation"
	"github.com/teradata-labs/reflexio/pkg/llm"
	"github.com/teradata-labs/reflexio/pkg/prompts"
	"github.com/teradata-labs/reflexio/pkg/storage"
	"github.com/teradata-labs/reflexio/pkg/types"
)

func newFixture(t *testing.T, seed int64) (*Service, *storage.Store, *llm.MockProvider) {
	t.Helper()
	store, err := storage.New(storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	provider := llm.NewMockProvider()
	svc := NewService(store, provider, prompts.NewRegistry("", nil), nil, seed)
	return svc, store, provider
}

func publishJudgeRequest(t *testing.T, store *storage.Store, shadow string) {
	t.Helper()
	req := &types.Request{RequestID: "r1", OrgID: "org1", UserID: "u1", Source: "chat", AgentVersion: "v1", CreatedAt: 100}
	require.NoError(t, store.CreateRequest(context.Background(), req, []*types.Interaction{
		{InteractionID: "i1", UserID: "u1", RequestID: "r1", CreatedAt: 100, Role: types.RoleUser, Content: "book a table"},
		{InteractionID: "i2", UserID: "u1", RequestID: "r1", CreatedAt: 101, Role: types.RoleAgent, Content: "booked for 7pm", ShadowContent: shadow},
	}))
}

func evalOrg(rate float64) *config.OrgConfig {
	return &config.OrgConfig{
		OrgID: "org1",
		Evaluations: []config.AgentSuccessConfig{{
			EvaluationName:    "booking-success",
			SuccessDefinition: "the reservation was made",
			ToolSet:           []string{"calendar", "reservations"},
			ActionSpace:       "read and write reservations",
			SamplingRate:      rate,
		}},
	}
}

func evalParams() generation.RunParams {
	return generation.RunParams{OrgID: "org1", UserID: "u1", Source: "chat", AgentVersion: "v1", RequestID: "r1", Mode: generation.ModeRegular}
}

func TestRunStoresSuccessJudgment(t *testing.T) {
	svc, store, provider := newFixture(t, 1)
	ctx := context.Background()
	publishJudgeRequest(t, store, "")

	provider.Structured["success_judgment"] = map[string]interface{}{
		"is_success":     false,
		"failure_type":   "WRONG_TIME",
		"failure_reason": "booked 7pm instead of 8pm",
	}

	failures, err := svc.Run(ctx, evalOrg(1.0), evalParams())
	require.NoError(t, err)
	assert.Empty(t, failures)

	results, err := store.GetEvaluationResults(ctx, "org1", storage.EvaluationResultFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "booking-success", results[0].EvaluationName)
	assert.False(t, results[0].IsSuccess)
	assert.Equal(t, "WRONG_TIME", results[0].FailureType)
	assert.Equal(t, "v1", results[0].AgentVersion)
	assert.Empty(t, results[0].RegularVsShadow)
}

func TestRunNeverJudgesTwice(t *testing.T) {
	svc, store, provider := newFixture(t, 1)
	ctx := context.Background()
	publishJudgeRequest(t, store, "")

	provider.Structured["success_judgment"] = map[string]interface{}{"is_success": true}

	_, err := svc.Run(ctx, evalOrg(1.0), evalParams())
	require.NoError(t, err)
	callsAfterFirst := provider.Calls()

	_, err = svc.Run(ctx, evalOrg(1.0), evalParams())
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, provider.Calls())

	results, err := store.GetEvaluationResults(ctx, "org1", storage.EvaluationResultFilter{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRunSkipsUnsampledRequests(t *testing.T) {
	svc, store, provider := newFixture(t, 1)
	ctx := context.Background()
	publishJudgeRequest(t, store, "")

	_, err := svc.Run(ctx, evalOrg(0), evalParams())
	require.NoError(t, err)
	assert.Zero(t, provider.Calls())

	results, err := store.GetEvaluationResults(ctx, "org1", storage.EvaluationResultFilter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunSourceFilter(t *testing.T) {
	svc, store, provider := newFixture(t, 1)
	ctx := context.Background()
	publishJudgeRequest(t, store, "")

	org := evalOrg(1.0)
	org.Evaluations[0].RequestSourcesEnabled = []string{"api"}

	_, err := svc.Run(ctx, org, evalParams())
	require.NoError(t, err)
	assert.Zero(t, provider.Calls())
}

func TestShadowJudgmentMapsComparison(t *testing.T) {
	svc, store, provider := newFixture(t, 42)
	ctx := context.Background()
	publishJudgeRequest(t, store, "booked for 8pm as asked")

	provider.Structured["shadow_judgment"] = map[string]interface{}{
		"is_success_a":        true,
		"is_success_b":        true,
		"comparison":          "TIED",
		"agent_prompt_update": "mention the reservation time explicitly",
	}

	failures, err := svc.Run(ctx, evalOrg(1.0), evalParams())
	require.NoError(t, err)
	assert.Empty(t, failures)

	results, err := store.GetEvaluationResults(ctx, "org1", storage.EvaluationResultFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.Tied, results[0].RegularVsShadow)
	assert.True(t, results[0].IsSuccess)
	assert.Equal(t, "mention the reservation time explicitly", results[0].AgentPromptUpdate)
	assert.Equal(t, []string{"shadow_judgment"}, provider.StructuredCalls())
}

// positionalJudge answers per position from the rendered prompt: the side
// holding the regular reply succeeds, the side holding the shadow reply
// fails. It lets tests observe whether stored verdicts track the regular
// reply across both random position assignments.
type positionalJudge struct {
	regularReply string

	mu        sync.Mutex
	regularAs int
	regularBs int
}

func (j *positionalJudge) Name() string { return "positional" }

func (j *positionalJudge) Model() string { return "positional-model" }

func (j *positionalJudge) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	return "", fmt.Errorf("not scripted")
}

func (j *positionalJudge) GenerateStructured(ctx context.Context, messages []llm.Message, schema *llm.ResponseSchema, out interface{}) error {
	prompt := messages[0].Content
	aStart := strings.Index(prompt, "Request A:")
	bStart := strings.Index(prompt, "Request B:")
	if aStart < 0 || bStart < 0 {
		return fmt.Errorf("prompt missing position sections")
	}
	regularIsA := strings.Contains(prompt[aStart:bStart], j.regularReply)

	j.mu.Lock()
	if regularIsA {
		j.regularAs++
	} else {
		j.regularBs++
	}
	j.mu.Unlock()

	payload := map[string]interface{}{
		"is_success_a": regularIsA,
		"is_success_b": !regularIsA,
		"comparison":   "TIED",
	}
	if regularIsA {
		payload["failure_type_b"] = "WRONG_TIME"
	} else {
		payload["failure_type_a"] = "WRONG_TIME"
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return schema.Validate(raw, out)
}

func TestShadowSuccessFollowsRegularReply(t *testing.T) {
	store, err := storage.New(storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	judge := &positionalJudge{regularReply: "booked for 7pm"}
	svc := NewService(store, judge, prompts.NewRegistry("", nil), nil, 7)

	interactions := []*types.Interaction{
		{InteractionID: "i1", UserID: "u1", RequestID: "r1", CreatedAt: 100, Role: types.RoleUser, Content: "book a table"},
		{InteractionID: "i2", UserID: "u1", RequestID: "r1", CreatedAt: 101, Role: types.RoleAgent, Content: "booked for 7pm", ShadowContent: "booked for 8pm as asked"},
	}

	eval := evalOrg(1.0).Evaluations[0]
	for i := 0; i < 32; i++ {
		result, err := svc.judgeShadow(context.Background(), eval, interactions, evalParams())
		require.NoError(t, err)
		assert.True(t, result.IsSuccess, "iteration %d: stored is_success must describe the regular reply", i)
		assert.Empty(t, result.FailureType, "iteration %d: failure fields must describe the regular reply", i)
	}

	// The coin flip exercised both assignments.
	assert.Positive(t, judge.regularAs)
	assert.Positive(t, judge.regularBs)
}

func TestMapComparison(t *testing.T) {
	cases := []struct {
		verdict    string
		regularIsA bool
		want       types.Comparison
	}{
		{"A_IS_BETTER", true, types.RegularIsBetter},
		{"A_IS_BETTER", false, types.ShadowIsBetter},
		{"A_IS_SLIGHTLY_BETTER", true, types.RegularIsSlightlyBetter},
		{"A_IS_SLIGHTLY_BETTER", false, types.ShadowIsSlightlyBetter},
		{"B_IS_BETTER", true, types.ShadowIsBetter},
		{"B_IS_BETTER", false, types.RegularIsBetter},
		{"B_IS_SLIGHTLY_BETTER", true, types.ShadowIsSlightlyBetter},
		{"B_IS_SLIGHTLY_BETTER", false, types.RegularIsSlightlyBetter},
		{"TIED", true, types.Tied},
		{"TIED", false, types.Tied},
	}
	for _, tc := range cases {
		got, err := mapComparison(tc.verdict, tc.regularIsA)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s regularIsA=%v", tc.verdict, tc.regularIsA)
	}

	_, err := mapComparison("SIDEWAYS", true)
	assert.Error(t, err)
}

func TestShadowAssignmentIsBalanced(t *testing.T) {
	svc, _, _ := newFixture(t, 7)

	// Drive the service's coin directly through many flips.
	regularA := 0
	for i := 0; i < 1000; i++ {
		svc.mu.Lock()
		if svc.rng.Intn(2) == 0 {
			regularA++
		}
		svc.mu.Unlock()
	}
	assert.InDelta(t, 500, regularA, 50)
}

func TestSampledIsDeterministicAndProportional(t *testing.T) {
	assert.True(t, Sampled("anything", 1.0))
	assert.False(t, Sampled("anything", 0))

	first := Sampled("r-42", 0.5)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Sampled("r-42", 0.5))
	}

	in := 0
	for i := 0; i < 2000; i++ {
		if Sampled(fmt.Sprintf("req-%d", i), 0.3) {
			in++
		}
	}
	assert.InDelta(t, 600, in, 80)
}

func TestRunSchemaViolationRecordedAsFailure(t *testing.T) {
	svc, store, provider := newFixture(t, 1)
	ctx := context.Background()
	publishJudgeRequest(t, store, "")

	provider.Structured["success_judgment"] = map[string]interface{}{
		"is_success": "yes",
	}

	failures, err := svc.Run(ctx, evalOrg(1.0), evalParams())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.True(t, llm.IsSchemaViolation(failures["booking-success"]))

	results, err := store.GetEvaluationResults(ctx, "org1", storage.EvaluationResultFilter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}
