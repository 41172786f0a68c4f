// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package profile

import (
	"context"
	"fmt"
	"sort"
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

// Service is the profile generation service: it runs the org's profile
// extractors over a user's interaction window and applies the resulting
// diff against the user's CURRENT profile set.
type Service struct {
	store    *storage.Store
	states   *opstate.Manager
	provider llm.Provider
	embedder llm.Embedder
	registry *prompts.Registry
	logger   *zap.Logger
}

// NewService wires the profile service.
func NewService(store *storage.Store, states *opstate.Manager, provider llm.Provider, embedder llm.Embedder, registry *prompts.Registry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, states: states, provider: provider, embedder: embedder, registry: registry, logger: logger}
}

type candidateSet struct {
	extractor   string
	bookmarkKey string
	bookmark    opstate.Bookmark
	extraction  *Extraction
}

// Run executes one profile generation pass for the user in params. The
// returned map carries per-extractor failures (the pass itself still
// succeeds); a non-nil error means nothing was persisted.
//
// Regular and manual runs apply adds, deletes and mentions against the
// CURRENT set. Reruns only insert PENDING rows; deletions against CURRENT
// are deliberately not replayed, the later upgrade swaps the whole set.
func (s *Service) Run(ctx context.Context, org *config.OrgConfig, p generation.RunParams) (map[string]error, error) {
	extractors := generation.SelectExtractors(org.ProfileExtractors, p)
	if len(extractors) == 0 {
		return nil, nil
	}

	existing, err := s.store.GetProfiles(ctx, p.OrgID, p.UserID, types.StatusCurrent)
	if err != nil {
		return nil, fmt.Errorf("load current profiles: %w", err)
	}

	var (
		mu   sync.Mutex
		sets []candidateSet
	)
	failures := generation.RunExtractors(ctx, s.logger, extractors, generation.ExtractorPoolSize, generation.ExtractorTimeout,
		func(ctx context.Context, e config.ExtractorConfig) error {
			key := opstate.BookmarkKey(opstate.ServiceProfile, p.OrgID, p.UserID, e.Name)
			windowSize, stride := generation.EffectiveWindow(org, e)
			plan, err := generation.PrepareWindow(ctx, s.store, s.states, key, windowSize, stride, p)
			if err != nil {
				return err
			}
			if plan.Skip {
				return nil
			}

			extraction, err := Extract(ctx, s.provider, s.registry, e, existing, generation.FormatConversation(plan.Interactions, 0))
			if err != nil {
				return err
			}

			mu.Lock()
			sets = append(sets, candidateSet{
				extractor:   e.Name,
				bookmarkKey: key,
				bookmark:    plan.Bookmark,
				extraction:  extraction,
			})
			mu.Unlock()
			return nil
		})
	if len(sets) == 0 {
		return failures, nil
	}

	candidates := make([][]CandidateProfile, len(sets))
	for i, set := range sets {
		candidates[i] = set.extraction.ProfilesToAdd
	}
	adds, err := MergeCandidates(ctx, s.provider, s.registry, candidates)
	if err != nil {
		return failures, fmt.Errorf("merge candidates: %w", err)
	}

	refTs := s.referenceTimestamp(ctx, p, sets)
	change, err := s.buildChange(ctx, existing, adds, sets, p, refTs)
	if err != nil {
		return failures, err
	}

	if p.Mode == generation.ModeRerun {
		if err := s.store.InsertProfiles(ctx, change.Adds); err != nil {
			return failures, fmt.Errorf("insert pending profiles: %w", err)
		}
	} else {
		if err := s.store.ApplyProfileChange(ctx, p.OrgID, p.UserID, change); err != nil {
			return failures, fmt.Errorf("apply profile change: %w", err)
		}
	}

	for _, set := range sets {
		if err := s.states.AdvanceBookmark(ctx, set.bookmarkKey, set.bookmark); err != nil {
			s.logger.Warn("Bookmark advance failed",
				zap.String("extractor", set.extractor),
				zap.Error(err))
		}
	}

	s.logger.Info("Profile generation pass finished",
		zap.String("org_id", p.OrgID),
		zap.String("user_id", p.UserID),
		zap.Int("added", len(change.Adds)),
		zap.Int("deleted", len(change.DeleteIDs)),
		zap.Int("extractor_failures", len(failures)))
	return failures, nil
}

// referenceTimestamp is the last-modified timestamp stamped onto new
// entries: the triggering request's creation time when known, otherwise
// the newest processed interaction.
func (s *Service) referenceTimestamp(ctx context.Context, p generation.RunParams, sets []candidateSet) int64 {
	if p.RequestID != "" {
		if req, err := s.store.GetRequest(ctx, p.OrgID, p.RequestID); err == nil && req != nil {
			return req.CreatedAt
		}
	}
	var ts int64
	for _, set := range sets {
		if set.bookmark.LastProcessedTs > ts {
			ts = set.bookmark.LastProcessedTs
		}
	}
	return ts
}

// buildChange turns merged candidates into a guarded storage diff:
//   - adds that duplicate an existing CURRENT entry (normalized content
//     equality) are dropped
//   - delete and mention ids must reference the user's own CURRENT entries
func (s *Service) buildChange(ctx context.Context, existing []*types.UserProfile, adds []CandidateProfile, sets []candidateSet, p generation.RunParams, refTs int64) (storage.ProfileChange, error) {
	known := make(map[string]struct{}, len(existing))
	normalized := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		known[e.ProfileID] = struct{}{}
		normalized[types.NormalizeProfileContent(e.ProfileContent)] = struct{}{}
	}

	var change storage.ProfileChange
	var addedIDs []string
	for _, cand := range adds {
		norm := types.NormalizeProfileContent(cand.Content)
		if _, dup := normalized[norm]; dup {
			continue
		}
		normalized[norm] = struct{}{}

		embedding, err := s.embedder.Embed(ctx, cand.Content)
		if err != nil {
			return storage.ProfileChange{}, fmt.Errorf("embed profile content: %w", err)
		}
		entry := &types.UserProfile{
			ProfileID:              uuid.NewString(),
			OrgID:                  p.OrgID,
			UserID:                 p.UserID,
			ProfileContent:         cand.Content,
			GeneratedFromRequestID: p.RequestID,
			LastModifiedTimestamp:  refTs,
			ExpirationTimestamp:    types.TTLKind(cand.TTLKind).Expiration(refTs),
			Source:                 p.Source,
			Status:                 p.OutputStatus(),
			CustomFeatures:         cand.Metadata,
			Embedding:              embedding,
		}
		change.Adds = append(change.Adds, entry)
		addedIDs = append(addedIDs, entry.ProfileID)
	}

	deleteSet := make(map[string]struct{})
	mentionSet := make(map[string]struct{})
	for _, set := range sets {
		for _, id := range set.extraction.ProfilesToDelete {
			if _, ok := known[id]; ok {
				deleteSet[id] = struct{}{}
			} else {
				s.logger.Warn("Extractor referenced unknown profile for deletion",
					zap.String("extractor", set.extractor),
					zap.String("profile_id", id))
			}
		}
		for _, id := range set.extraction.ProfilesToMention {
			if _, ok := known[id]; ok {
				mentionSet[id] = struct{}{}
			}
		}
	}
	change.DeleteIDs = sortedKeys(deleteSet)

	if p.Mode != generation.ModeRerun {
		change.Log = &types.ProfileChangeLog{
			ChangeID:  uuid.NewString(),
			UserID:    p.UserID,
			RequestID: p.RequestID,
			Added:     addedIDs,
			Removed:   change.DeleteIDs,
			Mentioned: sortedKeys(mentionSet),
			CreatedAt: refTs,
		}
	}
	return change, nil
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
