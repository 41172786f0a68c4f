// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package profile turns conversation windows into durable user profile
// entries: extraction per configured extractor, cross-extractor merge,
// and the guarded diff that lands in storage.
package profile

import (
	"context"
	"fmt"
	"strings"

	"github.com/teradata-labs/reflexio/pkg/config"
	"github.com/teradata-labs/reflexio/pkg/llm"
	"github.com/teradata-labs/reflexio/pkg/prompts"
	"github.com/teradata-labs/reflexio/pkg/types"
)

// CandidateProfile is one fact an extractor proposes to add.
type CandidateProfile struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	TTLKind  string            `json:"ttl_kind"`
}

// Extraction is the structured output of one extractor over one window.
// Deletes and mentions reference existing entries by profile_id.
type Extraction struct {
	ProfilesToAdd     []CandidateProfile `json:"profiles_to_add"`
	ProfilesToDelete  []string           `json:"profiles_to_delete"`
	ProfilesToMention []string           `json:"profiles_to_mention"`
}

type mergeVerdict struct {
	SameFact bool `json:"same_fact"`
}

var (
	extractionSchema = llm.MustResponseSchema("profile_extraction",
		"Profile entries to add, delete and mention based on the conversation window.",
		Extraction{})

	mergeSchema = llm.MustResponseSchema("profile_merge",
		"Whether two candidate profile entries state the same fact about the user.",
		mergeVerdict{})
)

// Extract runs one extractor's prompt over a rendered conversation window.
// Transient provider failures are retried once; a schema violation is
// returned as-is so the caller can skip the bookmark advance.
func Extract(ctx context.Context, provider llm.Provider, registry *prompts.Registry, e config.ExtractorConfig, existing []*types.UserProfile, conversation string) (*Extraction, error) {
	prompt, err := registry.Get(prompts.KeyProfileExtract, map[string]interface{}{
		"existing_profiles": formatExisting(existing),
		"conversation":      conversation,
		"instructions":      e.Instructions,
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

// sameFact asks the merge prompt whether a and b state the same fact.
// Identical normalized contents short-circuit without a provider call.
func sameFact(ctx context.Context, provider llm.Provider, registry *prompts.Registry, a, b CandidateProfile) (bool, error) {
	if types.NormalizeProfileContent(a.Content) == types.NormalizeProfileContent(b.Content) {
		return true, nil
	}
	prompt, err := registry.Get(prompts.KeyProfileMerge, map[string]interface{}{
		"candidate_a": a.Content,
		"candidate_b": b.Content,
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
	return verdict.SameFact, nil
}

// MergeCandidates deduplicates proposed adds across extractors. Within one
// extractor's output duplicates are the extractor's own problem; only pairs
// from different extractors are compared. On a match the longer content
// survives and metadata is unioned (the survivor's keys win).
func MergeCandidates(ctx context.Context, provider llm.Provider, registry *prompts.Registry, sets [][]CandidateProfile) ([]CandidateProfile, error) {
	type kept struct {
		CandidateProfile
		set int
	}
	var out []kept

	for si, set := range sets {
		for _, cand := range set {
			merged := false
			for ki := range out {
				if out[ki].set == si {
					continue
				}
				same, err := sameFact(ctx, provider, registry, out[ki].CandidateProfile, cand)
				if err != nil {
					return nil, err
				}
				if !same {
					continue
				}
				out[ki].CandidateProfile = mergePair(out[ki].CandidateProfile, cand)
				merged = true
				break
			}
			if !merged {
				out = append(out, kept{CandidateProfile: cand, set: si})
			}
		}
	}

	result := make([]CandidateProfile, len(out))
	for i, k := range out {
		result[i] = k.CandidateProfile
	}
	return result, nil
}

func mergePair(a, b CandidateProfile) CandidateProfile {
	winner, loser := a, b
	if len(strings.TrimSpace(b.Content)) > len(strings.TrimSpace(a.Content)) {
		winner, loser = b, a
	}
	if len(loser.Metadata) > 0 {
		merged := make(map[string]string, len(winner.Metadata)+len(loser.Metadata))
		for k, v := range loser.Metadata {
			merged[k] = v
		}
		for k, v := range winner.Metadata {
			merged[k] = v
		}
		winner.Metadata = merged
	}
	return winner
}

func formatExisting(existing []*types.UserProfile) string {
	if len(existing) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, p := range existing {
		fmt.Fprintf(&b, "%s: %s\n", p.ProfileID, p.ProfileContent)
	}
	return strings.TrimRight(b.String(), "\n")
}
