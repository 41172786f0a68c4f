// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package generation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/reflexio/pkg/config"
	"github.com/teradata-labs/reflexio/pkg/opstate"
	"github.com/teradata-labs/reflexio/pkg/storage"
	"github.com/teradata-labs/reflexio/pkg/types"
)

func TestOutputStatusByMode(t *testing.T) {
	assert.Equal(t, types.StatusCurrent, RunParams{Mode: ModeRegular}.OutputStatus())
	assert.Equal(t, types.StatusCurrent, RunParams{Mode: ModeManual}.OutputStatus())
	assert.Equal(t, types.StatusPending, RunParams{Mode: ModeRerun}.OutputStatus())

	assert.True(t, RunParams{Mode: ModeRegular}.StrideChecked())
	assert.False(t, RunParams{Mode: ModeManual}.StrideChecked())
	assert.False(t, RunParams{Mode: ModeRerun}.StrideChecked())
}

func TestSelectExtractors(t *testing.T) {
	extractors := []config.ExtractorConfig{
		{Name: "general"},
		{Name: "chat-only", RequestSourcesEnabled: []string{"chat"}},
		{Name: "manual-only", ManualTriggerOnly: true},
		{Name: "off", Disabled: true},
	}

	names := func(out []config.ExtractorConfig) []string {
		var n []string
		for _, e := range out {
			n = append(n, e.Name)
		}
		return n
	}

	// Regular run from the API source: manual-only and chat-only excluded.
	got := SelectExtractors(extractors, RunParams{Source: "api", Mode: ModeRegular})
	assert.Equal(t, []string{"general"}, names(got))

	// Chat source includes the source-restricted extractor.
	got = SelectExtractors(extractors, RunParams{Source: "chat", Mode: ModeRegular})
	assert.Equal(t, []string{"general", "chat-only"}, names(got))

	// Manual runs include manual-only extractors.
	got = SelectExtractors(extractors, RunParams{Source: "chat", Mode: ModeManual})
	assert.Equal(t, []string{"general", "chat-only", "manual-only"}, names(got))

	// A rerun with no source skips the source filter.
	got = SelectExtractors(extractors, RunParams{Mode: ModeRerun})
	assert.Equal(t, []string{"general", "chat-only", "manual-only"}, names(got))

	// The allowlist wins over everything still eligible.
	got = SelectExtractors(extractors, RunParams{Mode: ModeManual, ExtractorNames: []string{"chat-only"}})
	assert.Equal(t, []string{"chat-only"}, names(got))
}

func TestEffectiveWindow(t *testing.T) {
	org := &config.OrgConfig{ExtractionWindowSize: 10, ExtractionStride: 5}

	w, s := EffectiveWindow(org, config.ExtractorConfig{})
	assert.Equal(t, 10, w)
	assert.Equal(t, 5, s)

	w, s = EffectiveWindow(org, config.ExtractorConfig{WindowSize: 3, Stride: 2})
	assert.Equal(t, 3, w)
	assert.Equal(t, 2, s)
}

func newWindowFixture(t *testing.T) (*storage.Store, *opstate.Manager) {
	t.Helper()
	s, err := storage.New(storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, opstate.NewManager(s, nil)
}

func seedInteractions(t *testing.T, s *storage.Store, user string, n int) {
	t.Helper()
	req := &types.Request{RequestID: "r-" + user, OrgID: "org1", UserID: user, CreatedAt: 100}
	var ins []*types.Interaction
	for i := 0; i < n; i++ {
		ins = append(ins, &types.Interaction{
			InteractionID: fmt.Sprintf("i%d", i+1),
			UserID:        user,
			RequestID:     req.RequestID,
			CreatedAt:     int64(100 + i),
			Role:          types.RoleUser,
			Content:       fmt.Sprintf("turn %d", i+1),
		})
	}
	require.NoError(t, s.CreateRequest(context.Background(), req, ins))
}

func TestPrepareWindowTriggersAndBookmarks(t *testing.T) {
	s, states := newWindowFixture(t)
	ctx := context.Background()
	seedInteractions(t, s, "u1", 3)

	key := opstate.BookmarkKey(opstate.ServiceProfile, "org1", "u1", "extractor1")
	p := RunParams{OrgID: "org1", UserID: "u1", Mode: ModeRegular}

	plan, err := PrepareWindow(ctx, s, states, key, 3, 2, p)
	require.NoError(t, err)
	require.False(t, plan.Skip)
	assert.Equal(t, 3, plan.NewCount)
	require.Len(t, plan.Interactions, 3)
	assert.Equal(t, "i3", plan.Bookmark.LastProcessedInteractionID)

	require.NoError(t, states.AdvanceBookmark(ctx, key, plan.Bookmark))

	// One more interaction: 1 new < stride 2 on a regular run.
	req := &types.Request{RequestID: "r2", OrgID: "org1", UserID: "u1", CreatedAt: 200}
	require.NoError(t, s.CreateRequest(ctx, req, []*types.Interaction{{
		InteractionID: "i4", UserID: "u1", RequestID: "r2", CreatedAt: 200, Role: types.RoleUser, Content: "turn 4",
	}}))

	plan, err = PrepareWindow(ctx, s, states, key, 3, 2, p)
	require.NoError(t, err)
	assert.True(t, plan.Skip)
	assert.Equal(t, 1, plan.NewCount)

	// A rerun ignores the stride gate and sees the full window.
	plan, err = PrepareWindow(ctx, s, states, key, 3, 2, RunParams{OrgID: "org1", UserID: "u1", Mode: ModeRerun})
	require.NoError(t, err)
	require.False(t, plan.Skip)
	assert.Equal(t, "i4", plan.Bookmark.LastProcessedInteractionID)
	require.Len(t, plan.Interactions, 3)
	assert.Equal(t, "turn 2", plan.Interactions[0].Content)
}

func TestPrepareWindowNoInteractions(t *testing.T) {
	s, states := newWindowFixture(t)
	plan, err := PrepareWindow(context.Background(), s, states,
		opstate.BookmarkKey(opstate.ServiceProfile, "org1", "u1", "e1"), 3, 2,
		RunParams{OrgID: "org1", UserID: "u1", Mode: ModeRegular})
	require.NoError(t, err)
	assert.True(t, plan.Skip)
}

func TestPrepareWindowTimeRange(t *testing.T) {
	s, states := newWindowFixture(t)
	ctx := context.Background()
	seedInteractions(t, s, "u1", 5) // timestamps 100..104

	plan, err := PrepareWindow(ctx, s, states,
		opstate.BookmarkKey(opstate.ServiceProfile, "org1", "u1", "e1"), 10, 2,
		RunParams{OrgID: "org1", UserID: "u1", Mode: ModeRerun, StartTime: 101, EndTime: 103})
	require.NoError(t, err)
	require.False(t, plan.Skip)
	require.Len(t, plan.Interactions, 3)
	assert.Equal(t, "turn 2", plan.Interactions[0].Content)
	assert.Equal(t, "turn 4", plan.Interactions[2].Content)
	assert.Equal(t, int64(103), plan.Bookmark.LastProcessedTs)
}

func TestRunExtractorsIsolatesFailures(t *testing.T) {
	extractors := []config.ExtractorConfig{{Name: "ok"}, {Name: "fails"}, {Name: "panics"}}

	var mu sync.Mutex
	ran := map[string]bool{}
	failures := RunExtractors(context.Background(), nil, extractors, 2, time.Second,
		func(ctx context.Context, e config.ExtractorConfig) error {
			mu.Lock()
			ran[e.Name] = true
			mu.Unlock()
			switch e.Name {
			case "fails":
				return fmt.Errorf("boom")
			case "panics":
				panic("unexpected")
			}
			return nil
		})

	assert.Len(t, ran, 3)
	require.Len(t, failures, 2)
	assert.Error(t, failures["fails"])
	assert.ErrorContains(t, failures["panics"], "panicked")
}

func TestRunExtractorsHonorsTimeout(t *testing.T) {
	extractors := []config.ExtractorConfig{{Name: "slow"}, {Name: "fast"}}

	var fastDone atomic.Bool
	failures := RunExtractors(context.Background(), nil, extractors, 2, 50*time.Millisecond,
		func(ctx context.Context, e config.ExtractorConfig) error {
			if e.Name == "fast" {
				fastDone.Store(true)
				return nil
			}
			<-ctx.Done()
			return ctx.Err()
		})

	assert.True(t, fastDone.Load())
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures["slow"], context.DeadlineExceeded)
}

func TestFormatConversation(t *testing.T) {
	window := []*types.Interaction{
		{Role: types.RoleUser, Content: "hello"},
		{Role: types.RoleAgent, Content: "hi", ToolsUsed: []types.ToolUse{{ToolName: "search"}}},
	}
	got := FormatConversation(window, 0)
	assert.Equal(t, "user: hello\nagent: hi\n  [tool: search]", got)

	assert.Empty(t, FormatConversation(nil, 0))
}

func TestFormatConversationDropsOldestOverBudget(t *testing.T) {
	window := []*types.Interaction{
		{Role: types.RoleUser, Content: "a very long opening turn that costs plenty of tokens to encode"},
		{Role: types.RoleAgent, Content: "short"},
	}
	got := FormatConversation(window, 3)
	assert.Equal(t, "agent: short", got)
}

func TestShadowConversation(t *testing.T) {
	window := []*types.Interaction{
		{Role: types.RoleUser, Content: "question"},
		{Role: types.RoleAgent, Content: "production answer", ShadowContent: "shadow answer"},
	}
	assert.True(t, HasShadowContent(window))
	got := FormatShadowConversation(window, 0)
	assert.Contains(t, got, "shadow answer")
	assert.NotContains(t, got, "production answer")

	// The original window is untouched.
	assert.Equal(t, "production answer", window[1].Content)

	assert.False(t, HasShadowContent([]*types.Interaction{{Role: types.RoleAgent, Content: "x"}}))
}
