// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package profile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/reflexio/pkg/config"
	"github.com/teradata-labs/reflexio/pkg/generation"
	"github.com/teradata-labs/reflexio/pkg/llm"
	"github.com/teradata-labs/reflexio/pkg/opstate"
	"github.com/teradata-labs/reflexio/pkg/prompts"
	"github.com/teradata-labs/reflexio/pkg/storage"
	"github.com/teradata-labs/reflexio/pkg/types"
)

func newFixture(t *testing.T) (*Service, *storage.Store, *llm.MockProvider) {
	t.Helper()
	store, err := storage.New(storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	provider := llm.NewMockProvider()
	svc := NewService(store, opstate.NewManager(store, nil), provider,
		llm.NewMockEmbedder(8), prompts.NewRegistry("", nil), nil)
	return svc, store, provider
}

func publishConversation(t *testing.T, store *storage.Store, requestID string, turns int) {
	t.Helper()
	req := &types.Request{RequestID: requestID, OrgID: "org1", UserID: "u1", Source: "chat", CreatedAt: 1000}
	var ins []*types.Interaction
	for i := 0; i < turns; i++ {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAgent
		}
		ins = append(ins, &types.Interaction{
			InteractionID: requestID + "-i" + string(rune('a'+i)),
			UserID:        "u1",
			RequestID:     requestID,
			CreatedAt:     int64(1000 + i),
			Role:          role,
			Content:       "turn",
		})
	}
	require.NoError(t, store.CreateRequest(context.Background(), req, ins))
}

func testOrg() *config.OrgConfig {
	return &config.OrgConfig{
		OrgID:                "org1",
		ExtractionWindowSize: 10,
		ExtractionStride:     1,
		ProfileExtractors: []config.ExtractorConfig{
			{Name: "preferences", Instructions: "track user preferences"},
		},
	}
}

func runParams(mode generation.Mode) generation.RunParams {
	return generation.RunParams{
		OrgID: "org1", UserID: "u1", Source: "chat", RequestID: "r1", Mode: mode,
	}
}

func TestRunAddsProfiles(t *testing.T) {
	svc, store, provider := newFixture(t)
	ctx := context.Background()
	publishConversation(t, store, "r1", 4)

	provider.Structured["profile_extraction"] = map[string]interface{}{
		"profiles_to_add": []map[string]interface{}{
			{"content": "Prefers metric units", "ttl_kind": "INFINITY", "metadata": map[string]string{"topic": "units"}},
		},
		"profiles_to_delete":  []string{},
		"profiles_to_mention": []string{},
	}

	failures, err := svc.Run(ctx, testOrg(), runParams(generation.ModeRegular))
	require.NoError(t, err)
	assert.Empty(t, failures)

	current, err := store.GetProfiles(ctx, "org1", "u1", types.StatusCurrent)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "Prefers metric units", current[0].ProfileContent)
	assert.Equal(t, int64(1000), current[0].LastModifiedTimestamp)
	assert.Zero(t, current[0].ExpirationTimestamp)
	assert.Equal(t, "r1", current[0].GeneratedFromRequestID)
	assert.Equal(t, map[string]string{"topic": "units"}, current[0].CustomFeatures)
	assert.NotEmpty(t, current[0].Embedding)

	logs, err := store.ListChangeLogs(ctx, "org1", "u1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Len(t, logs[0].Added, 1)
}

func TestRunSkipsDuplicateOfExistingEntry(t *testing.T) {
	svc, store, provider := newFixture(t)
	ctx := context.Background()
	publishConversation(t, store, "r1", 2)

	require.NoError(t, store.InsertProfiles(ctx, []*types.UserProfile{{
		ProfileID: "p-old", OrgID: "org1", UserID: "u1",
		ProfileContent: "Prefers metric units.",
	}}))

	provider.Structured["profile_extraction"] = map[string]interface{}{
		"profiles_to_add": []map[string]interface{}{
			{"content": "prefers   METRIC units", "ttl_kind": "INFINITY"},
		},
		"profiles_to_delete":  []string{},
		"profiles_to_mention": []string{"p-old"},
	}

	failures, err := svc.Run(ctx, testOrg(), runParams(generation.ModeRegular))
	require.NoError(t, err)
	assert.Empty(t, failures)

	current, err := store.GetProfiles(ctx, "org1", "u1", types.StatusCurrent)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "p-old", current[0].ProfileID)

	logs, err := store.ListChangeLogs(ctx, "org1", "u1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Empty(t, logs[0].Added)
	assert.Equal(t, []string{"p-old"}, logs[0].Mentioned)
}

func TestRunDeleteGuardIgnoresForeignIDs(t *testing.T) {
	svc, store, provider := newFixture(t)
	ctx := context.Background()
	publishConversation(t, store, "r1", 2)

	require.NoError(t, store.InsertProfiles(ctx, []*types.UserProfile{
		{ProfileID: "p-mine", OrgID: "org1", UserID: "u1", ProfileContent: "Speaks German"},
		{ProfileID: "p-other", OrgID: "org1", UserID: "u2", ProfileContent: "Speaks French"},
	}))

	provider.Structured["profile_extraction"] = map[string]interface{}{
		"profiles_to_add":     []map[string]interface{}{},
		"profiles_to_delete":  []string{"p-mine", "p-other", "p-missing"},
		"profiles_to_mention": []string{},
	}

	_, err := svc.Run(ctx, testOrg(), runParams(generation.ModeRegular))
	require.NoError(t, err)

	mine, err := store.GetProfiles(ctx, "org1", "u1", types.StatusCurrent)
	require.NoError(t, err)
	assert.Empty(t, mine)

	other, err := store.GetProfiles(ctx, "org1", "u2", types.StatusCurrent)
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestRerunWritesPendingWithoutTouchingCurrent(t *testing.T) {
	svc, store, provider := newFixture(t)
	ctx := context.Background()
	publishConversation(t, store, "r1", 2)

	require.NoError(t, store.InsertProfiles(ctx, []*types.UserProfile{{
		ProfileID: "p-cur", OrgID: "org1", UserID: "u1", ProfileContent: "Speaks German",
	}}))

	provider.Structured["profile_extraction"] = map[string]interface{}{
		"profiles_to_add": []map[string]interface{}{
			{"content": "Prefers short answers", "ttl_kind": "ONE_MONTH"},
		},
		"profiles_to_delete":  []string{"p-cur"},
		"profiles_to_mention": []string{},
	}

	_, err := svc.Run(ctx, testOrg(), runParams(generation.ModeRerun))
	require.NoError(t, err)

	current, err := store.GetProfiles(ctx, "org1", "u1", types.StatusCurrent)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "p-cur", current[0].ProfileID)

	pending, err := store.GetProfiles(ctx, "org1", "u1", types.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Prefers short answers", pending[0].ProfileContent)
	assert.Equal(t, int64(1000)+30*24*3600, pending[0].ExpirationTimestamp)
}

func TestRunSchemaViolationFailsExtractorOnly(t *testing.T) {
	svc, store, provider := newFixture(t)
	ctx := context.Background()
	publishConversation(t, store, "r1", 2)

	// profiles_to_add must be an array of objects.
	provider.Structured["profile_extraction"] = map[string]interface{}{
		"profiles_to_add": "not an array",
	}

	failures, err := svc.Run(ctx, testOrg(), runParams(generation.ModeRegular))
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.True(t, llm.IsSchemaViolation(failures["preferences"]))

	// Nothing persisted, bookmark untouched.
	current, err := store.GetProfiles(ctx, "org1", "u1", types.StatusCurrent)
	require.NoError(t, err)
	assert.Empty(t, current)
}

func TestMergeCandidatesAcrossExtractors(t *testing.T) {
	provider := llm.NewMockProvider()
	registry := prompts.NewRegistry("", nil)
	ctx := context.Background()

	provider.Structured["profile_merge"] = map[string]interface{}{"same_fact": true}

	sets := [][]CandidateProfile{
		{{Content: "Prefers metric units in answers", Metadata: map[string]string{"topic": "units"}}},
		{{Content: "Likes metric", Metadata: map[string]string{"source": "chat"}}},
	}
	merged, err := MergeCandidates(ctx, provider, registry, sets)
	require.NoError(t, err)
	require.Len(t, merged, 1)

	// Longer content wins; metadata is unioned.
	assert.Equal(t, "Prefers metric units in answers", merged[0].Content)
	assert.Equal(t, map[string]string{"topic": "units", "source": "chat"}, merged[0].Metadata)
	assert.Equal(t, 1, provider.Calls())
}

func TestMergeCandidatesKeepsDistinctFacts(t *testing.T) {
	provider := llm.NewMockProvider()
	registry := prompts.NewRegistry("", nil)

	provider.Structured["profile_merge"] = map[string]interface{}{"same_fact": false}

	sets := [][]CandidateProfile{
		{{Content: "Prefers metric units"}},
		{{Content: "Works in finance"}},
	}
	merged, err := MergeCandidates(context.Background(), provider, registry, sets)
	require.NoError(t, err)
	assert.Len(t, merged, 2)
}

func TestMergeCandidatesIdenticalContentSkipsProvider(t *testing.T) {
	provider := llm.NewMockProvider()
	registry := prompts.NewRegistry("", nil)

	sets := [][]CandidateProfile{
		{{Content: "Prefers metric units."}},
		{{Content: "prefers metric units"}},
	}
	merged, err := MergeCandidates(context.Background(), provider, registry, sets)
	require.NoError(t, err)
	assert.Len(t, merged, 1)
	assert.Zero(t, provider.Calls())
}

func TestMergeCandidatesSameExtractorNotCompared(t *testing.T) {
	provider := llm.NewMockProvider()
	registry := prompts.NewRegistry("", nil)

	sets := [][]CandidateProfile{
		{{Content: "Fact one"}, {Content: "Fact two"}},
	}
	merged, err := MergeCandidates(context.Background(), provider, registry, sets)
	require.NoError(t, err)
	assert.Len(t, merged, 2)
	assert.Zero(t, provider.Calls())
}
