// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Feature flag names used by the services.
const (
	FlagProfileGeneration    = "profile_generation"
	FlagFeedbackGeneration   = "feedback_generation"
	FlagFeedbackAggregation  = "feedback_aggregation"
	FlagAgentSuccess         = "agent_success_evaluation"
	FlagShadowEvaluation     = "shadow_evaluation"
	FlagEmbeddingBackfill    = "embedding_backfill"
	FlagPromptOverrides      = "prompt_overrides"
	FlagScheduledAggregation = "scheduled_aggregation"
)

// flagRule is one entry in the site flags document. A flag with no rule
// is enabled everywhere.
type flagRule struct {
	// Enabled turns the flag off globally when false and AllowOrgs is empty.
	Enabled bool `yaml:"enabled"`

	// AllowOrgs enables the flag only for these orgs when non-empty.
	AllowOrgs []string `yaml:"allow_orgs"`

	// DenyOrgs disables the flag for these orgs regardless of the rest.
	DenyOrgs []string `yaml:"deny_orgs"`
}

// FeatureFlags answers "is this feature on for this org". Unknown flags
// are enabled: rollout gating must never brick a deployment that ships a
// new flag name before the flag file learns about it.
type FeatureFlags struct {
	mu    sync.RWMutex
	rules map[string]flagRule
}

// NewFeatureFlags returns a flag set with no rules (everything enabled).
func NewFeatureFlags() *FeatureFlags {
	return &FeatureFlags{rules: make(map[string]flagRule)}
}

// LoadFeatureFlags reads a site-wide flags YAML document. A missing file
// yields an empty flag set rather than an error.
func LoadFeatureFlags(path string) (*FeatureFlags, error) {
	f := NewFeatureFlags()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("load feature flags: %w", err)
	}
	var rules map[string]flagRule
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("parse feature flags: %w", err)
	}
	if rules != nil {
		f.rules = rules
	}
	return f, nil
}

// Enabled reports whether flag is on for org.
func (f *FeatureFlags) Enabled(flag, org string) bool {
	f.mu.RLock()
	rule, ok := f.rules[flag]
	f.mu.RUnlock()
	if !ok {
		return true
	}
	for _, o := range rule.DenyOrgs {
		if o == org {
			return false
		}
	}
	if len(rule.AllowOrgs) > 0 {
		for _, o := range rule.AllowOrgs {
			if o == org {
				return true
			}
		}
		return false
	}
	return rule.Enabled
}

// Set installs or replaces a rule at runtime. Used by tests and the
// admin surface.
func (f *FeatureFlags) Set(flag string, enabled bool, allowOrgs, denyOrgs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[flag] = flagRule{Enabled: enabled, AllowOrgs: allowOrgs, DenyOrgs: denyOrgs}
}
