// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package feedback

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/reflexio/pkg/cluster"
	"github.com/teradata-labs/reflexio/pkg/llm"
	"github.com/teradata-labs/reflexio/pkg/opstate"
	"github.com/teradata-labs/reflexio/pkg/prompts"
	"github.com/teradata-labs/reflexio/pkg/storage"
	"github.com/teradata-labs/reflexio/pkg/types"
)

// consolidation is the structured output of the cluster consolidation
// prompt.
type consolidation struct {
	FeedbackContent      string `json:"feedback_content"`
	DoAction             string `json:"do_action"`
	DoNotAction          string `json:"do_not_action"`
	WhenCondition        string `json:"when_condition"`
	BlockingIssueKind    string `json:"blocking_issue_kind,omitempty"`
	BlockingIssueDetails string `json:"blocking_issue_details,omitempty"`
}

var consolidationSchema = llm.MustResponseSchema("feedback_consolidation",
	"A single actionable feedback entry consolidated from a cluster of raw feedbacks.",
	consolidation{})

// Aggregator turns the CURRENT raw feedbacks of one (feedback_name,
// agent_version) into aggregated entries. Cluster membership fingerprints
// persist across runs so unchanged clusters are carried forward without
// any provider calls.
type Aggregator struct {
	store    *storage.Store
	states   *opstate.Manager
	provider llm.Provider
	embedder llm.Embedder
	registry *prompts.Registry
	logger   *zap.Logger
	now      func() time.Time
}

// NewAggregator wires the aggregator.
func NewAggregator(store *storage.Store, states *opstate.Manager, provider llm.Provider, embedder llm.Embedder, registry *prompts.Registry, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{store: store, states: states, provider: provider, embedder: embedder, registry: registry, logger: logger, now: time.Now}
}

// AggregationParams selects what to aggregate.
type AggregationParams struct {
	OrgID        string
	FeedbackName string
	AgentVersion string

	// MinFeedbackThreshold drops clusters smaller than this.
	MinFeedbackThreshold int

	// Rerun consolidates every cluster fresh, ignoring stored fingerprints.
	Rerun bool
}

// AggregationResult summarizes one aggregation pass.
type AggregationResult struct {
	Clusters       int
	CarriedForward int
	Consolidated   int
	Archived       int
}

// Run executes one aggregation pass:
//
//  1. cluster the CURRENT raw feedbacks by embedding
//  2. carry clusters whose membership fingerprint is unchanged forward
//     untouched
//  3. consolidate new fingerprints through the provider
//  4. archive aggregated entries whose fingerprint disappeared, except
//     APPROVED ones
//  5. swap in the new fingerprint map
//
// If persisting the new entries fails, entries archived in step 4 are
// restored so the CURRENT set never shrinks on a failed pass.
func (a *Aggregator) Run(ctx context.Context, p AggregationParams) (*AggregationResult, error) {
	raws, err := a.store.GetRawFeedbacks(ctx, p.OrgID, storage.RawFeedbackFilter{
		FeedbackName: p.FeedbackName,
		AgentVersion: p.AgentVersion,
		Status:       types.StatusCurrent,
	})
	if err != nil {
		return nil, fmt.Errorf("load raw feedbacks: %w", err)
	}

	byID := make(map[string]*types.RawFeedback, len(raws))
	items := make([]cluster.Item, len(raws))
	for i, f := range raws {
		byID[f.RawFeedbackID] = f
		items[i] = cluster.Item{ID: f.RawFeedbackID, Embedding: f.Embedding}
	}
	clusters := cluster.Cluster(items, cluster.Options{MinFeedbackThreshold: p.MinFeedbackThreshold})

	key := opstate.ClustersKey(opstate.ServiceAggregation, p.OrgID, p.FeedbackName, p.AgentVersion)
	prior, err := a.states.GetFingerprints(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load fingerprints: %w", err)
	}

	result := &AggregationResult{Clusters: len(clusters)}
	next := make(map[string]string, len(clusters))
	var fresh []*types.AggregatedFeedback

	for _, members := range clusters {
		fp := cluster.Fingerprint(members)
		if id, ok := prior[fp]; ok && !p.Rerun {
			next[fp] = id
			result.CarriedForward++
			continue
		}
		entry, err := a.consolidate(ctx, p, members, byID)
		if err != nil {
			return nil, err
		}
		next[fp] = entry.FeedbackID
		fresh = append(fresh, entry)
		result.Consolidated++
	}

	// A prior entry is stale when its fingerprint vanished, or when a rerun
	// re-consolidated the same fingerprint under a fresh id.
	var disappeared []string
	for fp, id := range prior {
		if newID, ok := next[fp]; !ok || newID != id {
			disappeared = append(disappeared, id)
		}
	}
	var archived []string
	if len(disappeared) > 0 {
		archived, err = a.store.ArchiveAggregatedByIDs(ctx, p.OrgID, disappeared)
		if err != nil {
			return nil, fmt.Errorf("archive disappeared clusters: %w", err)
		}
		result.Archived = len(archived)

		// APPROVED entries survive the archive; keep tracking them.
		kept := make(map[string]bool, len(archived))
		for _, id := range archived {
			kept[id] = true
		}
		for fp, id := range prior {
			if _, ok := next[fp]; !ok && !kept[id] {
				next[fp] = id
			}
		}
	}

	if len(fresh) > 0 {
		if err := a.store.InsertAggregatedFeedbacks(ctx, fresh); err != nil {
			if len(archived) > 0 {
				if rerr := a.store.RestoreAggregatedByIDs(ctx, p.OrgID, archived); rerr != nil {
					a.logger.Error("Restore after failed aggregation failed",
						zap.String("org_id", p.OrgID),
						zap.Error(rerr))
				}
			}
			return nil, fmt.Errorf("insert aggregated feedbacks: %w", err)
		}
	}

	if err := a.states.ReplaceFingerprints(ctx, key, next); err != nil {
		return nil, fmt.Errorf("replace fingerprints: %w", err)
	}

	a.logger.Info("Aggregation pass finished",
		zap.String("org_id", p.OrgID),
		zap.String("feedback_name", p.FeedbackName),
		zap.String("agent_version", p.AgentVersion),
		zap.Int("clusters", result.Clusters),
		zap.Int("carried_forward", result.CarriedForward),
		zap.Int("consolidated", result.Consolidated),
		zap.Int("archived", result.Archived))
	return result, nil
}

func (a *Aggregator) consolidate(ctx context.Context, p AggregationParams, members []string, byID map[string]*types.RawFeedback) (*types.AggregatedFeedback, error) {
	prompt, err := a.registry.Get(prompts.KeyFeedbackConsolidate, map[string]interface{}{
		"cluster_items": formatClusterItems(members, byID),
	})
	if err != nil {
		return nil, fmt.Errorf("render consolidation prompt: %w", err)
	}

	var out consolidation
	err = llm.GenerateWithRetry(ctx, func(ctx context.Context) error {
		return a.provider.GenerateStructured(ctx, []llm.Message{
			{Role: "user", Content: prompt},
		}, consolidationSchema, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("consolidate cluster: %w", err)
	}

	entry := &types.AggregatedFeedback{
		FeedbackID:      uuid.NewString(),
		OrgID:           p.OrgID,
		FeedbackName:    p.FeedbackName,
		AgentVersion:    p.AgentVersion,
		FeedbackContent: out.FeedbackContent,
		DoAction:        out.DoAction,
		DoNotAction:     out.DoNotAction,
		WhenCondition:   out.WhenCondition,
		FeedbackStatus:  types.FeedbackPending,
		Status:          types.StatusCurrent,
		CreatedAt:       a.now().Unix(),
		Metadata:        map[string]string{"cluster_size": fmt.Sprintf("%d", len(members))},
	}
	if out.BlockingIssueKind != "" {
		entry.BlockingIssue = &types.BlockingIssue{
			Kind:    types.BlockingIssueKind(out.BlockingIssueKind),
			Details: out.BlockingIssueDetails,
		}
	}

	indexed := types.DeriveIndexedContent(out.WhenCondition, out.DoAction, out.DoNotAction)
	if indexed != "" {
		embedding, err := a.embedder.Embed(ctx, indexed)
		if err != nil {
			return nil, fmt.Errorf("embed aggregated feedback: %w", err)
		}
		entry.Embedding = embedding
	}
	return entry, nil
}

func formatClusterItems(members []string, byID map[string]*types.RawFeedback) string {
	var b strings.Builder
	for i, id := range members {
		f := byID[id]
		if f == nil {
			continue
		}
		fmt.Fprintf(&b, "%d. do: %s | don't: %s | when: %s", i+1, f.DoAction, f.DoNotAction, f.WhenCondition)
		if f.BlockingIssue != nil {
			fmt.Fprintf(&b, " | blocked: %s", f.BlockingIssue.Kind)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
