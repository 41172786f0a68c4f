// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package feedback extracts developer-facing behavioral feedback from
// conversations and aggregates it into actionable entries: per-request
// extraction, clustering by embedding, fingerprint-gated consolidation.
package feedback

import (
	"context"
	"fmt"

	"github.com/teradata-labs/reflexio/pkg/config"
	"github.com/teradata-labs/reflexio/pkg/llm"
	"github.com/teradata-labs/reflexio/pkg/prompts"
	"github.com/teradata-labs/reflexio/pkg/types"
)

// Extraction is the structured output of one feedback extractor over one
// window. has_feedback = false means the window held no actionable signal.
type Extraction struct {
	HasFeedback          bool   `json:"has_feedback"`
	FeedbackContent      string `json:"feedback_content,omitempty"`
	DoAction             string `json:"do_action,omitempty"`
	DoNotAction          string `json:"do_not_action,omitempty"`
	WhenCondition        string `json:"when_condition,omitempty"`
	BlockingIssueKind    string `json:"blocking_issue_kind,omitempty"`
	BlockingIssueDetails string `json:"blocking_issue_details,omitempty"`
}

type mergeVerdict struct {
	SameGuidance bool `json:"same_guidance"`
}

var (
	extractionSchema = llm.MustResponseSchema("feedback_extraction",
		"Behavioral feedback about the agent extracted from the conversation window.",
		Extraction{})

	mergeSchema = llm.MustResponseSchema("feedback_merge",
		"Whether two feedback items describe the same behavioral guidance.",
		mergeVerdict{})
)

// BlockingIssue converts the flat schema fields into the typed issue, or
// nil when the extractor reported none.
func (e *Extraction) BlockingIssue() *types.BlockingIssue {
	if e.BlockingIssueKind == "" {
		return nil
	}
	return &types.BlockingIssue{
		Kind:    types.BlockingIssueKind(e.BlockingIssueKind),
		Details: e.BlockingIssueDetails,
	}
}

// Extract runs one feedback extractor's prompt over a rendered window.
func Extract(ctx context.Context, provider llm.Provider, registry *prompts.Registry, e config.ExtractorConfig, conversation string) (*Extraction, error) {
	prompt, err := registry.Get(prompts.KeyFeedbackExtract, map[string]interface{}{
		"feedback_name": e.FeedbackName,
		"instructions":  e.Instructions,
		"conversation":  conversation,
	})
	if err != nil {
		return nil, fmt.Errorf("render extraction prompt: %w", err)
	}

	var out Extraction
	err = llm.GenerateWithRetry(ctx, func(ctx context.Context) error {
		out = Extraction{}
		return provider.GenerateStructured(ctx, []llm.Message{
			{Role: "user", Content: prompt},
		}, extractionSchema, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("extractor %s: %w", e.Name, err)
	}
	return &out, nil
}

// sameGuidance asks the merge prompt whether two raw feedbacks describe
// the same behavioral change. Identical indexed content short-circuits.
func sameGuidance(ctx context.Context, provider llm.Provider, registry *prompts.Registry, a, b *types.RawFeedback) (bool, error) {
	if a.IndexedContent != "" && a.IndexedContent == b.IndexedContent {
		return true, nil
	}
	prompt, err := registry.Get(prompts.KeyFeedbackMerge, map[string]interface{}{
		"candidate_a": a.IndexedContent,
		"candidate_b": b.IndexedContent,
	})
	if err != nil {
		return false, fmt.Errorf("render merge prompt: %w", err)
	}

	var verdict mergeVerdict
	err = llm.GenerateWithRetry(ctx, func(ctx context.Context) error {
		return provider.GenerateStructured(ctx, []llm.Message{
			{Role: "user", Content: prompt},
		}, mergeSchema, &verdict)
	})
	if err != nil {
		return false, err
	}
	return verdict.SameGuidance, nil
}

// MergeRawFeedbacks deduplicates freshly extracted raw feedbacks that share
// a feedback name but came from different extractors. The first occurrence
// wins; later duplicates are dropped.
func MergeRawFeedbacks(ctx context.Context, provider llm.Provider, registry *prompts.Registry, feedbacks []*types.RawFeedback, extractorOf map[string]string) ([]*types.RawFeedback, error) {
	var out []*types.RawFeedback
	for _, cand := range feedbacks {
		duplicate := false
		for _, kept := range out {
			if kept.FeedbackName != cand.FeedbackName {
				continue
			}
			if extractorOf[kept.RawFeedbackID] == extractorOf[cand.RawFeedbackID] {
				continue
			}
			same, err := sameGuidance(ctx, provider, registry, kept, cand)
			if err != nil {
				return nil, err
			}
			if same {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, cand)
		}
	}
	return out, nil
}
