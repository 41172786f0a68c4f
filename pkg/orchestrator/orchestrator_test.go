// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/reflexio/pkg/config"
	"github.com/teradata-labs/reflexio/pkg/generation"
	"github.com/teradata-labs/reflexio/pkg/llm"
	"github.com/teradata-labs/reflexio/pkg/opstate"
	"github.com/teradata-labs/reflexio/pkg/storage"
	"github.com/teradata-labs/reflexio/pkg/types"
)

type staticLoader struct{ org *config.OrgConfig }

func (l *staticLoader) Load(orgID string) (*config.OrgConfig, error) {
	if l.org == nil || l.org.OrgID != orgID {
		return nil, fmt.Errorf("unknown org %s", orgID)
	}
	return l.org, nil
}

// fakeService records the requests it was run for and optionally calls a
// hook during Run.
type fakeService struct {
	mu     sync.Mutex
	runs   []string
	err    error
	onRun  func(p generation.RunParams)
	panics bool
}

func (f *fakeService) Run(ctx context.Context, org *config.OrgConfig, p generation.RunParams) (map[string]error, error) {
	f.mu.Lock()
	f.runs = append(f.runs, p.RequestID)
	f.mu.Unlock()
	if f.panics {
		panic("service exploded")
	}
	if f.onRun != nil {
		f.onRun(p)
	}
	return nil, f.err
}

func (f *fakeService) Runs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.runs...)
}

type fixture struct {
	orch        *Orchestrator
	store       *storage.Store
	states      *opstate.Manager
	flags       *config.FeatureFlags
	profiles    *fakeService
	feedbacks   *fakeService
	evaluations *fakeService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.New(storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	states := opstate.NewManager(store, nil)
	configs := config.NewCache(&staticLoader{org: &config.OrgConfig{OrgID: "org1"}}, 0, 0)
	flags := config.NewFeatureFlags()
	f := &fixture{
		store:       store,
		states:      states,
		flags:       flags,
		profiles:    &fakeService{},
		feedbacks:   &fakeService{},
		evaluations: &fakeService{},
	}
	f.orch = New(store, states, configs, flags, llm.NewMockEmbedder(8),
		f.profiles, f.feedbacks, f.evaluations, nil)
	return f
}

func testRequest(id string) (*types.Request, []*types.Interaction) {
	req := &types.Request{RequestID: id, OrgID: "org1", UserID: "u1", Source: "chat", AgentVersion: "v1", CreatedAt: 100}
	ins := []*types.Interaction{
		{InteractionID: id + "-i1", Role: types.RoleUser, Content: "hello"},
		{InteractionID: id + "-i2", Role: types.RoleAgent, Content: "hi there"},
	}
	return req, ins
}

func TestPublishPersistsAndFansOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, ins := testRequest("r1")
	require.NoError(t, f.orch.Publish(ctx, req, ins))

	stored, err := f.store.GetRequest(ctx, "org1", "r1")
	require.NoError(t, err)
	require.NotNil(t, stored)

	interactions, err := f.store.GetInteractions(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, interactions, 2)
	assert.Equal(t, "u1", interactions[0].UserID)
	assert.NotEmpty(t, interactions[0].Embedding)

	assert.Equal(t, []string{"r1"}, f.profiles.Runs())
	assert.Equal(t, []string{"r1"}, f.feedbacks.Runs())
	assert.Equal(t, []string{"r1"}, f.evaluations.Runs())
}

func TestPublishValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, ins := testRequest("r1")
	req.OrgID = ""
	err := f.orch.Publish(ctx, req, ins)
	assert.True(t, IsValidationError(err))

	req, ins = testRequest("r2")
	req.UserID = ""
	assert.True(t, IsValidationError(f.orch.Publish(ctx, req, ins)))

	req, _ = testRequest("r3")
	assert.True(t, IsValidationError(f.orch.Publish(ctx, req, nil)))

	req, ins = testRequest("r4")
	ins[0].Role = "narrator"
	assert.True(t, IsValidationError(f.orch.Publish(ctx, req, ins)))

	req, ins = testRequest("r5")
	ins[1].Content = ""
	assert.True(t, IsValidationError(f.orch.Publish(ctx, req, ins)))

	// Nothing was persisted and no service ran.
	requests, err := f.store.GetRequests(ctx, "org1", storage.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, requests)
	assert.Empty(t, f.profiles.Runs())
}

func TestPublishGeneratesMissingIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := &types.Request{OrgID: "org1", UserID: "u1", Source: "chat"}
	ins := []*types.Interaction{{Role: types.RoleUser, Content: "hello"}}
	require.NoError(t, f.orch.Publish(ctx, req, ins))

	assert.NotEmpty(t, req.RequestID)
	assert.NotZero(t, req.CreatedAt)
	assert.Equal(t, req.RequestID, ins[0].RequestID)
	assert.NotEmpty(t, ins[0].InteractionID)
}

func TestPublishRespectsFeatureFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.flags.Set(config.FlagFeedbackGeneration, false, nil, nil)
	f.flags.Set(config.FlagAgentSuccess, false, nil, []string{"org1"})

	req, ins := testRequest("r1")
	require.NoError(t, f.orch.Publish(ctx, req, ins))

	assert.Equal(t, []string{"r1"}, f.profiles.Runs())
	assert.Empty(t, f.feedbacks.Runs())
	assert.Empty(t, f.evaluations.Runs())
}

func TestPublishQueuesBehindHeldLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Another request holds the per-user profile lock.
	lockKey := opstate.LockKey(opstate.ServiceProfile, "org1", "u1")
	verdict, err := f.states.TryAcquireLock(ctx, lockKey, "r-holder")
	require.NoError(t, err)
	require.Equal(t, opstate.LockAcquired, verdict)

	req, ins := testRequest("r1")
	require.NoError(t, f.orch.Publish(ctx, req, ins))

	// The profile branch queued; the org-scoped branches still ran.
	assert.Empty(t, f.profiles.Runs())
	assert.Equal(t, []string{"r1"}, f.feedbacks.Runs())
	assert.Equal(t, []string{"r1"}, f.evaluations.Runs())

	// The holder hands off to the queued request on release.
	pending, err := f.states.Release(ctx, lockKey, "r-holder")
	require.NoError(t, err)
	assert.Equal(t, "r1", pending)
}

func TestPublishRerunsQueuedRequestOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.flags.Set(config.FlagFeedbackGeneration, false, nil, nil)
	f.flags.Set(config.FlagAgentSuccess, false, nil, nil)

	// While r1's profile run is in flight, r2 arrives and queues.
	req2, ins2 := testRequest("r2")
	published := false
	f.profiles.onRun = func(p generation.RunParams) {
		if p.RequestID == "r1" && !published {
			published = true
			require.NoError(t, f.orch.Publish(ctx, req2, ins2))
		}
	}

	req1, ins1 := testRequest("r1")
	require.NoError(t, f.orch.Publish(ctx, req1, ins1))

	// r1 ran, then the queued r2 was picked up exactly once on release.
	assert.Equal(t, []string{"r1", "r2"}, f.profiles.Runs())

	// The lock is free afterwards.
	verdict, err := f.states.TryAcquireLock(ctx, opstate.LockKey(opstate.ServiceProfile, "org1", "u1"), "r-next")
	require.NoError(t, err)
	assert.Equal(t, opstate.LockAcquired, verdict)
}

func TestPublishServiceFailureDoesNotFailPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.profiles.err = fmt.Errorf("store exploded")

	req, ins := testRequest("r1")
	require.NoError(t, f.orch.Publish(ctx, req, ins))

	progress, err := f.states.GetProgress(ctx, opstate.ProgressKey(opstate.ServiceProfile, "org1"))
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, opstate.ProgressFailed, progress.Status)
	assert.Contains(t, progress.ErrorMessage, "store exploded")

	// The failed branch still released its lock.
	verdict, err := f.states.TryAcquireLock(ctx, opstate.LockKey(opstate.ServiceProfile, "org1", "u1"), "r-next")
	require.NoError(t, err)
	assert.Equal(t, opstate.LockAcquired, verdict)
}

func TestPublishServicePanicIsContained(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.evaluations.panics = true

	req, ins := testRequest("r1")
	require.NoError(t, f.orch.Publish(ctx, req, ins))

	progress, err := f.states.GetProgress(ctx, opstate.ProgressKey(opstate.ServiceEvaluation, "org1"))
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, opstate.ProgressFailed, progress.Status)
	assert.Contains(t, progress.ErrorMessage, "panicked")

	// The other branches were unaffected.
	assert.Equal(t, []string{"r1"}, f.profiles.Runs())
	assert.Equal(t, []string{"r1"}, f.feedbacks.Runs())
}

func TestPublishUnknownOrgFails(t *testing.T) {
	f := newFixture(t)
	req, ins := testRequest("r1")
	req.OrgID = "org-unknown"
	err := f.orch.Publish(context.Background(), req, ins)
	require.Error(t, err)
	assert.False(t, IsValidationError(err))
}
