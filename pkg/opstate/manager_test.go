// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package opstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/reflexio/pkg/storage"
)

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	s, err := storage.New(storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	m := NewManager(s, nil)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestKeyPatterns(t *testing.T) {
	assert.Equal(t, "profile::org1::progress", ProgressKey(ServiceProfile, "org1"))
	assert.Equal(t, "profile::org1::u1::lock", LockKey(ServiceProfile, "org1", "u1"))
	assert.Equal(t, "feedback::org1::lock", LockKey(ServiceFeedback, "org1", ""))
	assert.Equal(t, "aggregation::org1::simple-lock", SimpleLockKey(ServiceAggregation, "org1"))
	assert.Equal(t, "profile::org1::u1::extractor1", BookmarkKey(ServiceProfile, "org1", "u1", "extractor1"))
	assert.Equal(t, "aggregation::org1::tone::v1::clusters", ClustersKey(ServiceAggregation, "org1", "tone", "v1"))
	assert.Equal(t, "aggregation::org1::tone::clusters", ClustersKey(ServiceAggregation, "org1", "tone", ""))
	assert.Equal(t, "versioning::org1::cancellation", CancellationKey(ServiceVersioning, "org1"))
}

func TestLockMutualExclusion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	key := LockKey(ServiceProfile, "org1", "u1")

	res, err := m.TryAcquireLock(ctx, key, "r1")
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, res)

	res, err = m.TryAcquireLock(ctx, key, "r2")
	require.NoError(t, err)
	assert.Equal(t, LockQueued, res)

	// Release hands back the queued request id.
	pending, err := m.Release(ctx, key, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r2", pending)

	// The lock is free again.
	res, err = m.TryAcquireLock(ctx, key, "r2")
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, res)

	// The re-run's pending slot starts empty.
	pending, err = m.Release(ctx, key, "r2")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLockKeepsOnlyLatestPending(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	key := LockKey(ServiceFeedback, "org1", "")

	_, err := m.TryAcquireLock(ctx, key, "r1")
	require.NoError(t, err)
	for _, id := range []string{"r2", "r3", "r4"} {
		res, err := m.TryAcquireLock(ctx, key, id)
		require.NoError(t, err)
		assert.Equal(t, LockQueued, res)
	}

	pending, err := m.Release(ctx, key, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r4", pending)
}

func TestStaleLockTakeover(t *testing.T) {
	m, now := newTestManager(t)
	ctx := context.Background()
	key := LockKey(ServiceProfile, "org1", "u1")

	_, err := m.TryAcquireLock(ctx, key, "r1")
	require.NoError(t, err)

	*now = now.Add(StaleLockTimeout + time.Second)
	res, err := m.TryAcquireLock(ctx, key, "r2")
	require.NoError(t, err)
	assert.Equal(t, LockAcquired, res)

	// The crashed holder's late release must not free r2's lock.
	pending, err := m.Release(ctx, key, "r1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	res, err = m.TryAcquireLock(ctx, key, "r3")
	require.NoError(t, err)
	assert.Equal(t, LockQueued, res)
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	key := LockKey(ServiceProfile, "org1", "u1")

	_, err := m.TryAcquireLock(ctx, key, "r1")
	require.NoError(t, err)

	pending, err := m.Release(ctx, key, "r9")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Still held by r1.
	res, err := m.TryAcquireLock(ctx, key, "r2")
	require.NoError(t, err)
	assert.Equal(t, LockQueued, res)
}

func TestSimpleLock(t *testing.T) {
	m, now := newTestManager(t)
	ctx := context.Background()
	key := SimpleLockKey(ServiceAggregation, "org1")

	ok, err := m.AcquireSimpleLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.AcquireSimpleLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.ReleaseSimpleLock(ctx, key))
	ok, err = m.AcquireSimpleLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	// A stale simple lock can be re-acquired.
	*now = now.Add(StaleLockTimeout + time.Second)
	ok, err = m.AcquireSimpleLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBookmarkMonotonicity(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	key := BookmarkKey(ServiceProfile, "org1", "u1", "extractor1")

	b, err := m.GetBookmark(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, b)

	require.NoError(t, m.AdvanceBookmark(ctx, key, Bookmark{LastProcessedInteractionID: "i3", LastProcessedTs: 300}))
	require.NoError(t, m.AdvanceBookmark(ctx, key, Bookmark{LastProcessedInteractionID: "i1", LastProcessedTs: 100}))

	b, err = m.GetBookmark(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "i3", b.LastProcessedInteractionID)
	assert.Equal(t, int64(300), b.LastProcessedTs)

	require.NoError(t, m.AdvanceBookmark(ctx, key, Bookmark{LastProcessedInteractionID: "i5", LastProcessedTs: 500}))
	b, err = m.GetBookmark(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "i5", b.LastProcessedInteractionID)
}

func TestProgressLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	key := ProgressKey(ServiceVersioning, "org1")

	require.NoError(t, m.StartProgress(ctx, key, 4, map[string]interface{}{"operation": "upgrade"}))

	for _, user := range []string{"u1", "u2"} {
		u := user
		require.NoError(t, m.MutateProgress(ctx, key, func(p *Progress) {
			p.CurrentUserID = u
			p.ProcessedUsers++
			p.ProcessedUserIDs = append(p.ProcessedUserIDs, u)
		}))
	}
	require.NoError(t, m.MutateProgress(ctx, key, func(p *Progress) {
		p.FailedUsers++
		p.FailedUserIDs = append(p.FailedUserIDs, UserFailure{UserID: "u3", Error: "boom"})
	}))

	p, err := m.GetProgress(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ProgressInProgress, p.Status)
	assert.Equal(t, 2, p.ProcessedUsers)
	assert.Equal(t, 1, p.FailedUsers)
	assert.InDelta(t, 75.0, p.ProgressPercentage, 1e-9)
	assert.Equal(t, "upgrade", p.RequestParams["operation"])

	require.NoError(t, m.FinalizeProgress(ctx, key, ProgressCompleted, ""))
	p, err = m.GetProgress(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ProgressCompleted, p.Status)
	assert.NotZero(t, p.CompletedAt)
	assert.Empty(t, p.CurrentUserID)
}

func TestCancellationRow(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	key := CancellationKey(ServiceVersioning, "org1")

	requested, err := m.IsCancellationRequested(ctx, key)
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, m.RequestCancellation(ctx, key, "operator request"))
	requested, err = m.IsCancellationRequested(ctx, key)
	require.NoError(t, err)
	assert.True(t, requested)

	require.NoError(t, m.ClearCancellation(ctx, key))
	requested, err = m.IsCancellationRequested(ctx, key)
	require.NoError(t, err)
	assert.False(t, requested)
}

func TestFingerprintMapReplace(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	key := ClustersKey(ServiceAggregation, "org1", "tone", "v1")

	fp, err := m.GetFingerprints(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, fp)

	require.NoError(t, m.ReplaceFingerprints(ctx, key, map[string]string{"abcd": "agg1", "ef01": "agg2"}))
	fp, err = m.GetFingerprints(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "agg1", fp["abcd"])

	require.NoError(t, m.ReplaceFingerprints(ctx, key, map[string]string{"1234": "agg3"}))
	fp, err = m.GetFingerprints(ctx, key)
	require.NoError(t, err)
	assert.Len(t, fp, 1)
	assert.Equal(t, "agg3", fp["1234"])
}
