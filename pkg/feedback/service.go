// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package feedback

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/reflexio/pkg/config"
	"github.com/teradata-labs/reflexio/pkg/generation"
	"github.com/teradata-labs/reflexio/pkg/llm"
	"github.com/teradata-labs/reflexio/pkg/opstate"
	"github.com/teradata-labs/reflexio/pkg/prompts"
	"github.com/teradata-labs/reflexio/pkg/storage"
	"github.com/teradata-labs/reflexio/pkg/types"
)

// Service is the feedback generation service: it runs the org's feedback
// extractors over a user's interaction window and persists deduplicated
// raw feedbacks tied to the triggering request.
type Service struct {
	store    *storage.Store
	states   *opstate.Manager
	provider llm.Provider
	embedder llm.Embedder
	registry *prompts.Registry
	logger   *zap.Logger
}

// NewService wires the feedback service.
func NewService(store *storage.Store, states *opstate.Manager, provider llm.Provider, embedder llm.Embedder, registry *prompts.Registry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, states: states, provider: provider, embedder: embedder, registry: registry, logger: logger}
}

type extracted struct {
	extractor   string
	bookmarkKey string
	bookmark    opstate.Bookmark
	feedback    *types.RawFeedback
}

// Run executes one feedback generation pass. Each extractor that reports
// has_feedback contributes one raw feedback; duplicates across extractors
// under the same feedback name are merged before persisting.
func (s *Service) Run(ctx context.Context, org *config.OrgConfig, p generation.RunParams) (map[string]error, error) {
	extractors := generation.SelectExtractors(org.FeedbackExtractors, p)
	if len(extractors) == 0 {
		return nil, nil
	}

	refTs := s.referenceTimestamp(ctx, p)

	var (
		mu      sync.Mutex
		results []extracted
	)
	failures := generation.RunExtractors(ctx, s.logger, extractors, generation.ExtractorPoolSize, generation.ExtractorTimeout,
		func(ctx context.Context, e config.ExtractorConfig) error {
			key := opstate.BookmarkKey(opstate.ServiceFeedback, p.OrgID, p.UserID, e.Name)
			windowSize, stride := generation.EffectiveWindow(org, e)
			plan, err := generation.PrepareWindow(ctx, s.store, s.states, key, windowSize, stride, p)
			if err != nil {
				return err
			}
			if plan.Skip {
				return nil
			}

			extraction, err := Extract(ctx, s.provider, s.registry, e, generation.FormatConversation(plan.Interactions, 0))
			if err != nil {
				return err
			}

			item := extracted{extractor: e.Name, bookmarkKey: key, bookmark: plan.Bookmark}
			if extraction.HasFeedback {
				item.feedback = &types.RawFeedback{
					RawFeedbackID:   uuid.NewString(),
					OrgID:           p.OrgID,
					AgentVersion:    p.AgentVersion,
					RequestID:       p.RequestID,
					FeedbackName:    e.FeedbackName,
					CreatedAt:       refTs,
					FeedbackContent: extraction.FeedbackContent,
					DoAction:        extraction.DoAction,
					DoNotAction:     extraction.DoNotAction,
					WhenCondition:   extraction.WhenCondition,
					BlockingIssue:   extraction.BlockingIssue(),
					IndexedContent:  types.DeriveIndexedContent(extraction.WhenCondition, extraction.DoAction, extraction.DoNotAction),
					Status:          p.OutputStatus(),
				}
			}
			mu.Lock()
			results = append(results, item)
			mu.Unlock()
			return nil
		})
	if len(results) == 0 {
		return failures, nil
	}

	var candidates []*types.RawFeedback
	extractorOf := make(map[string]string)
	for _, r := range results {
		if r.feedback == nil {
			continue
		}
		candidates = append(candidates, r.feedback)
		extractorOf[r.feedback.RawFeedbackID] = r.extractor
	}

	merged, err := MergeRawFeedbacks(ctx, s.provider, s.registry, candidates, extractorOf)
	if err != nil {
		return failures, fmt.Errorf("merge raw feedbacks: %w", err)
	}

	for _, f := range merged {
		if f.IndexedContent == "" {
			continue
		}
		embedding, err := s.embedder.Embed(ctx, f.IndexedContent)
		if err != nil {
			return failures, fmt.Errorf("embed feedback: %w", err)
		}
		f.Embedding = embedding
	}
	if len(merged) > 0 {
		if err := s.store.InsertRawFeedbacks(ctx, merged); err != nil {
			return failures, fmt.Errorf("insert raw feedbacks: %w", err)
		}
	}

	for _, r := range results {
		if err := s.states.AdvanceBookmark(ctx, r.bookmarkKey, r.bookmark); err != nil {
			s.logger.Warn("Bookmark advance failed",
				zap.String("extractor", r.extractor),
				zap.Error(err))
		}
	}

	s.logger.Info("Feedback generation pass finished",
		zap.String("org_id", p.OrgID),
		zap.String("user_id", p.UserID),
		zap.Int("extracted", len(candidates)),
		zap.Int("persisted", len(merged)),
		zap.Int("extractor_failures", len(failures)))
	return failures, nil
}

func (s *Service) referenceTimestamp(ctx context.Context, p generation.RunParams) int64 {
	if p.RequestID != "" {
		if req, err := s.store.GetRequest(ctx, p.OrgID, p.RequestID); err == nil && req != nil {
			return req.CreatedAt
		}
	}
	if latest, err := s.store.LatestInteraction(ctx, p.UserID); err == nil && latest != nil {
		return latest.CreatedAt
	}
	return 0
}
