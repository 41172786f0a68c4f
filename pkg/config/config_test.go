// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOrgYAML = `
extraction_window_size: 20
extraction_stride: 4
profile_extractors:
  - name: general-profile
    instructions: Focus on data warehouse preferences.
feedback_extractors:
  - name: sql-feedback
    feedback_name: sql_generation
    request_sources_enabled: [chat]
    manual_trigger_only: true
    window_size: 6
evaluations:
  - evaluation_name: task-success
    success_definition: The user's question was answered.
    tool_set: [sql, web_search]
    sampling_rate: 0.5
`

func writeOrg(t *testing.T, dir, org, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, org+".yaml"), []byte(doc), 0o644))
}

func TestDirLoaderParsesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	writeOrg(t, dir, "acme", sampleOrgYAML)

	cfg, err := (&DirLoader{Dir: dir}).Load("acme")
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.OrgID)
	assert.Equal(t, 20, cfg.ExtractionWindowSize)
	assert.Equal(t, 4, cfg.ExtractionStride)
	assert.Equal(t, DefaultMinFeedbackThreshold, cfg.MinFeedbackThreshold)

	require.Len(t, cfg.FeedbackExtractors, 1)
	fe := cfg.FeedbackExtractors[0]
	assert.Equal(t, "sql_generation", fe.FeedbackName)
	assert.True(t, fe.ManualTriggerOnly)
	assert.Equal(t, 6, fe.WindowSize)
	assert.True(t, fe.AppliesToSource("chat"))
	assert.False(t, fe.AppliesToSource("api"))

	require.Len(t, cfg.Evaluations, 1)
	assert.Equal(t, 0.5, cfg.Evaluations[0].SamplingRate)
	assert.True(t, cfg.Evaluations[0].AppliesToSource("anything"))
}

func TestExplicitZeroSamplingRateIsPreserved(t *testing.T) {
	dir := t.TempDir()
	writeOrg(t, dir, "acme", `
evaluations:
  - evaluation_name: paused
    success_definition: never runs for now
    sampling_rate: 0
  - evaluation_name: defaulted
    success_definition: samples everything
`)

	cfg, err := (&DirLoader{Dir: dir}).Load("acme")
	require.NoError(t, err)
	require.Len(t, cfg.Evaluations, 2)
	assert.Zero(t, cfg.Evaluations[0].SamplingRate)
	assert.Equal(t, DefaultSamplingRate, cfg.Evaluations[1].SamplingRate)

	writeOrg(t, dir, "neg", `
evaluations:
  - evaluation_name: bad
    success_definition: d
    sampling_rate: -0.1
`)
	_, err = (&DirLoader{Dir: dir}).Load("neg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sampling_rate out of [0,1]")
}

func TestDirLoaderRejectsBadConfigs(t *testing.T) {
	dir := t.TempDir()

	writeOrg(t, dir, "dup", `
profile_extractors:
  - name: same
feedback_extractors:
  - name: same
    feedback_name: f
`)
	_, err := (&DirLoader{Dir: dir}).Load("dup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate extractor name")

	writeOrg(t, dir, "noname", `
feedback_extractors:
  - name: f1
`)
	_, err = (&DirLoader{Dir: dir}).Load("noname")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feedback_name")

	writeOrg(t, dir, "mismatch", "org_id: someone-else\n")
	_, err = (&DirLoader{Dir: dir}).Load("mismatch")
	require.Error(t, err)

	_, err = (&DirLoader{Dir: dir}).Load("absent")
	require.Error(t, err)
}

// countingLoader counts Load calls per org.
type countingLoader struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (l *countingLoader) Load(orgID string) (*OrgConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = make(map[string]int)
	}
	l.calls[orgID]++
	if l.err != nil {
		return nil, l.err
	}
	cfg := &OrgConfig{OrgID: orgID}
	cfg.applyDefaults()
	return cfg, nil
}

func (l *countingLoader) count(orgID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[orgID]
}

func TestCacheHitsAndTTL(t *testing.T) {
	loader := &countingLoader{}
	cache := NewCache(loader, time.Hour, 10)
	now := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := cache.Get("acme")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, loader.count("acme"))

	now = now.Add(2 * time.Hour)
	_, err := cache.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, 2, loader.count("acme"))
}

func TestCacheInvalidate(t *testing.T) {
	loader := &countingLoader{}
	cache := NewCache(loader, time.Hour, 10)

	_, err := cache.Get("acme")
	require.NoError(t, err)
	cache.Invalidate("acme")
	_, err = cache.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, 2, loader.count("acme"))
}

func TestCacheEvictsLRU(t *testing.T) {
	loader := &countingLoader{}
	cache := NewCache(loader, time.Hour, 2)

	_, _ = cache.Get("a")
	_, _ = cache.Get("b")
	_, _ = cache.Get("a") // refresh a's recency
	_, _ = cache.Get("c") // evicts b
	assert.Equal(t, 2, cache.Len())

	_, _ = cache.Get("a")
	_, _ = cache.Get("b")
	assert.Equal(t, 1, loader.count("a"))
	assert.Equal(t, 2, loader.count("b"))
}

func TestCachePropagatesLoadErrors(t *testing.T) {
	loader := &countingLoader{err: errors.New("boom")}
	cache := NewCache(loader, time.Hour, 10)
	_, err := cache.Get("acme")
	require.Error(t, err)
	assert.Equal(t, 0, cache.Len())
}

func TestFeatureFlags(t *testing.T) {
	f := NewFeatureFlags()

	// Unknown flags fail open.
	assert.True(t, f.Enabled("brand_new_flag", "acme"))

	f.Set(FlagShadowEvaluation, false, nil, nil)
	assert.False(t, f.Enabled(FlagShadowEvaluation, "acme"))

	f.Set(FlagShadowEvaluation, false, []string{"pilot-org"}, nil)
	assert.True(t, f.Enabled(FlagShadowEvaluation, "pilot-org"))
	assert.False(t, f.Enabled(FlagShadowEvaluation, "acme"))

	f.Set(FlagProfileGeneration, true, nil, []string{"banned"})
	assert.False(t, f.Enabled(FlagProfileGeneration, "banned"))
	assert.True(t, f.Enabled(FlagProfileGeneration, "acme"))
}

func TestLoadFeatureFlagsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	doc := `
shadow_evaluation:
  enabled: false
  allow_orgs: [pilot-org]
feedback_aggregation:
  enabled: true
  deny_orgs: [frozen-org]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	f, err := LoadFeatureFlags(path)
	require.NoError(t, err)
	assert.True(t, f.Enabled(FlagShadowEvaluation, "pilot-org"))
	assert.False(t, f.Enabled(FlagShadowEvaluation, "acme"))
	assert.False(t, f.Enabled(FlagFeedbackAggregation, "frozen-org"))
	assert.True(t, f.Enabled(FlagFeedbackAggregation, "acme"))

	// Missing file is an empty, fail-open set.
	f, err = LoadFeatureFlags(filepath.Join(dir, "nope.yaml"))
	require.NoError(t, err)
	assert.True(t, f.Enabled(FlagShadowEvaluation, "acme"))
}
