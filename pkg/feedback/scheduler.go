// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package feedback

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teradata-labs/reflexio/pkg/config"
	"github.com/teradata-labs/reflexio/pkg/opstate"
	"github.com/teradata-labs/reflexio/pkg/storage"
)

// DefaultAggregationSchedule runs the sweep hourly.
const DefaultAggregationSchedule = "0 * * * *"

// Scheduler periodically sweeps every configured org and aggregates each
// (feedback_name, agent_version) that has CURRENT raw feedbacks. A simple
// per-org lock keeps overlapping sweeps (including from other instances
// sharing the store) from double-aggregating.
type Scheduler struct {
	store      *storage.Store
	states     *opstate.Manager
	aggregator *Aggregator
	configs    *config.Cache
	orgIDs     func(ctx context.Context) ([]string, error)
	logger     *zap.Logger

	cron  *cron.Cron
	entry cron.EntryID
}

// NewScheduler wires the aggregation scheduler. orgIDs enumerates the orgs
// to sweep; passing nil sweeps the orgs that have any requests stored.
func NewScheduler(store *storage.Store, states *opstate.Manager, aggregator *Aggregator, configs *config.Cache, orgIDs func(ctx context.Context) ([]string, error), logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if orgIDs == nil {
		orgIDs = store.ListOrgIDs
	}
	return &Scheduler{
		store:      store,
		states:     states,
		aggregator: aggregator,
		configs:    configs,
		orgIDs:     orgIDs,
		logger:     logger,
		cron:       cron.New(),
	}
}

// Start registers the sweep under the cron schedule and starts the runner.
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultAggregationSchedule
	}
	id, err := s.cron.AddFunc(schedule, func() { s.Sweep(ctx) })
	if err != nil {
		return err
	}
	s.entry = id
	s.cron.Start()
	s.logger.Info("Aggregation scheduler started", zap.String("schedule", schedule))
	return nil
}

// Stop halts the cron runner and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep aggregates every org once. Errors are logged per org; one org's
// failure never stops the sweep.
func (s *Scheduler) Sweep(ctx context.Context) {
	orgs, err := s.orgIDs(ctx)
	if err != nil {
		s.logger.Error("Aggregation sweep: listing orgs failed", zap.Error(err))
		return
	}
	for _, orgID := range orgs {
		if err := s.SweepOrg(ctx, orgID); err != nil {
			s.logger.Error("Aggregation sweep failed for org",
				zap.String("org_id", orgID),
				zap.Error(err))
		}
	}
}

// SweepOrg aggregates all feedback names of one org under its simple lock.
func (s *Scheduler) SweepOrg(ctx context.Context, orgID string) error {
	lockKey := opstate.SimpleLockKey(opstate.ServiceAggregation, orgID)
	acquired, err := s.states.AcquireSimpleLock(ctx, lockKey)
	if err != nil {
		return err
	}
	if !acquired {
		s.logger.Info("Aggregation already running, skipping org", zap.String("org_id", orgID))
		return nil
	}
	defer func() {
		if err := s.states.ReleaseSimpleLock(ctx, lockKey); err != nil {
			s.logger.Warn("Releasing aggregation lock failed", zap.Error(err))
		}
	}()

	org, err := s.configs.Get(orgID)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, e := range org.FeedbackExtractors {
		if e.FeedbackName == "" || seen[e.FeedbackName] {
			continue
		}
		seen[e.FeedbackName] = true

		versions, err := s.store.ListRawFeedbackAgentVersions(ctx, orgID, e.FeedbackName)
		if err != nil {
			return err
		}
		for _, version := range versions {
			if _, err := s.aggregator.Run(ctx, AggregationParams{
				OrgID:                orgID,
				FeedbackName:         e.FeedbackName,
				AgentVersion:         version,
				MinFeedbackThreshold: org.MinFeedbackThreshold,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
