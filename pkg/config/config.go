// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package config loads per-org generation configuration and site-wide
// feature flags, and caches resolved org configs with TTL + LRU eviction.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied when an org config leaves fields unset.
const (
	DefaultWindowSize           = 10
	DefaultStride               = 5
	DefaultMinFeedbackThreshold = 2
	DefaultSamplingRate         = 1.0
)

// ExtractorConfig is the static definition of one extractor from the
// per-org YAML. The same shape serves profile and feedback extractors.
type ExtractorConfig struct {
	// Name identifies the extractor; it is also the bookmark key segment.
	Name string `yaml:"name"`

	// Instructions is the org-specific addition to the extraction prompt.
	Instructions string `yaml:"instructions"`

	// FeedbackName tags the feedbacks this extractor produces.
	// Required for feedback extractors, ignored for profile extractors.
	FeedbackName string `yaml:"feedback_name"`

	// RequestSourcesEnabled restricts the extractor to requests from
	// these sources. Empty means all sources.
	RequestSourcesEnabled []string `yaml:"request_sources_enabled"`

	// ManualTriggerOnly excludes the extractor from regular publish runs;
	// it only fires on manual or rerun generation.
	ManualTriggerOnly bool `yaml:"manual_trigger_only"`

	// WindowSize overrides the org-level extraction window (0 = inherit).
	WindowSize int `yaml:"window_size"`

	// Stride overrides the org-level stride (0 = inherit).
	Stride int `yaml:"stride"`

	// Disabled removes the extractor from all runs without deleting its
	// config (bookmarks are preserved).
	Disabled bool `yaml:"disabled"`
}

// AppliesToSource reports whether the extractor accepts requests from source.
func (e *ExtractorConfig) AppliesToSource(source string) bool {
	if len(e.RequestSourcesEnabled) == 0 {
		return true
	}
	for _, s := range e.RequestSourcesEnabled {
		if s == source {
			return true
		}
	}
	return false
}

// AgentSuccessConfig defines one success evaluation.
type AgentSuccessConfig struct {
	// EvaluationName identifies the evaluator; one EvaluationResult is
	// stored per request per name.
	EvaluationName string `yaml:"evaluation_name"`

	// SuccessDefinition is the judge's success criterion.
	SuccessDefinition string `yaml:"success_definition"`

	// ToolSet lists the tools the agent had available.
	ToolSet []string `yaml:"tool_set"`

	// ActionSpace describes what the agent is allowed to do.
	ActionSpace string `yaml:"action_space"`

	// SamplingRate in [0,1]; inclusion is deterministic per request_id.
	// An explicit 0 pauses the evaluation; leaving the key out means
	// DefaultSamplingRate.
	SamplingRate float64 `yaml:"sampling_rate"`

	// RequestSourcesEnabled restricts evaluation to these sources.
	RequestSourcesEnabled []string `yaml:"request_sources_enabled"`

	samplingRateSet bool
}

// agentSuccessDoc mirrors AgentSuccessConfig for decoding; the pointer
// distinguishes an explicit sampling_rate of 0 from an absent key.
type agentSuccessDoc struct {
	EvaluationName        string   `yaml:"evaluation_name"`
	SuccessDefinition     string   `yaml:"success_definition"`
	ToolSet               []string `yaml:"tool_set"`
	ActionSpace           string   `yaml:"action_space"`
	SamplingRate          *float64 `yaml:"sampling_rate"`
	RequestSourcesEnabled []string `yaml:"request_sources_enabled"`
}

// UnmarshalYAML records whether sampling_rate appeared in the document so
// applyDefaults only fills it in when the key was truly absent.
func (a *AgentSuccessConfig) UnmarshalYAML(value *yaml.Node) error {
	var doc agentSuccessDoc
	if err := value.Decode(&doc); err != nil {
		return err
	}
	a.EvaluationName = doc.EvaluationName
	a.SuccessDefinition = doc.SuccessDefinition
	a.ToolSet = doc.ToolSet
	a.ActionSpace = doc.ActionSpace
	a.RequestSourcesEnabled = doc.RequestSourcesEnabled
	if doc.SamplingRate != nil {
		a.SamplingRate = *doc.SamplingRate
		a.samplingRateSet = true
	}
	return nil
}

// AppliesToSource reports whether the evaluation accepts requests from source.
func (a *AgentSuccessConfig) AppliesToSource(source string) bool {
	if len(a.RequestSourcesEnabled) == 0 {
		return true
	}
	for _, s := range a.RequestSourcesEnabled {
		if s == source {
			return true
		}
	}
	return false
}

// OrgConfig is the full per-org configuration document.
type OrgConfig struct {
	OrgID string `yaml:"org_id"`

	// ExtractionWindowSize is the global window (interactions per
	// extractor run) unless an extractor overrides it.
	ExtractionWindowSize int `yaml:"extraction_window_size"`

	// ExtractionStride is the global minimum number of new interactions
	// required before a regular run re-triggers an extractor.
	ExtractionStride int `yaml:"extraction_stride"`

	// MinFeedbackThreshold drops aggregation singletons smaller than this.
	MinFeedbackThreshold int `yaml:"min_feedback_threshold"`

	ProfileExtractors  []ExtractorConfig    `yaml:"profile_extractors"`
	FeedbackExtractors []ExtractorConfig    `yaml:"feedback_extractors"`
	Evaluations        []AgentSuccessConfig `yaml:"evaluations"`

	// PromptDir optionally points at the org's prompt override directory.
	PromptDir string `yaml:"prompt_dir"`
}

// applyDefaults fills unset fields with package defaults.
func (c *OrgConfig) applyDefaults() {
	if c.ExtractionWindowSize <= 0 {
		c.ExtractionWindowSize = DefaultWindowSize
	}
	if c.ExtractionStride <= 0 {
		c.ExtractionStride = DefaultStride
	}
	if c.MinFeedbackThreshold <= 0 {
		c.MinFeedbackThreshold = DefaultMinFeedbackThreshold
	}
	for i := range c.Evaluations {
		if !c.Evaluations[i].samplingRateSet && c.Evaluations[i].SamplingRate == 0 {
			c.Evaluations[i].SamplingRate = DefaultSamplingRate
		}
	}
}

// Validate rejects configs that cannot be executed.
func (c *OrgConfig) Validate() error {
	if c.OrgID == "" {
		return fmt.Errorf("org config: org_id is required")
	}
	seen := make(map[string]struct{})
	for _, e := range append(append([]ExtractorConfig{}, c.ProfileExtractors...), c.FeedbackExtractors...) {
		if e.Name == "" {
			return fmt.Errorf("org config %s: extractor without a name", c.OrgID)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("org config %s: duplicate extractor name %q", c.OrgID, e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	for _, e := range c.FeedbackExtractors {
		if e.FeedbackName == "" {
			return fmt.Errorf("org config %s: feedback extractor %q needs feedback_name", c.OrgID, e.Name)
		}
	}
	for _, ev := range c.Evaluations {
		if ev.EvaluationName == "" {
			return fmt.Errorf("org config %s: evaluation without evaluation_name", c.OrgID)
		}
		if ev.SamplingRate < 0 || ev.SamplingRate > 1 {
			return fmt.Errorf("org config %s: evaluation %q sampling_rate out of [0,1]", c.OrgID, ev.EvaluationName)
		}
	}
	return nil
}

// Loader resolves org ids to configs. Implemented by DirLoader in
// production and by fakes in tests.
type Loader interface {
	Load(orgID string) (*OrgConfig, error)
}

// DirLoader reads <dir>/<org_id>.yaml documents.
type DirLoader struct {
	Dir string
}

// Load parses, defaults and validates the org's YAML document.
func (l *DirLoader) Load(orgID string) (*OrgConfig, error) {
	path := filepath.Join(l.Dir, orgID+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load org config %s: %w", orgID, err)
	}
	var cfg OrgConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse org config %s: %w", orgID, err)
	}
	if cfg.OrgID == "" {
		cfg.OrgID = orgID
	}
	if cfg.OrgID != orgID {
		return nil, fmt.Errorf("org config %s: document declares org_id %q", orgID, cfg.OrgID)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
