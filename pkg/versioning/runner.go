// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package versioning runs org-wide batch operations over users: content
// lifecycle upgrades and downgrades, and full regenerations that land in
// PENDING for a later upgrade. Batches report progress through operation
// state and honor cooperative cancellation between users.
package versioning

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/reflexio/pkg/config"
	"github.com/teradata-labs/reflexio/pkg/feedback"
	"github.com/teradata-labs/reflexio/pkg/generation"
	"github.com/teradata-labs/reflexio/pkg/opstate"
	"github.com/teradata-labs/reflexio/pkg/profile"
	"github.com/teradata-labs/reflexio/pkg/storage"
)

// Operation is one batch operation kind.
type Operation string

const (
	OpUpgradeProfiles       Operation = "upgrade_profiles"
	OpDowngradeProfiles     Operation = "downgrade_profiles"
	OpRerunProfiles         Operation = "rerun_profiles"
	OpUpgradeRawFeedbacks   Operation = "upgrade_raw_feedbacks"
	OpDowngradeRawFeedbacks Operation = "downgrade_raw_feedbacks"
	OpRerunFeedbacks        Operation = "rerun_feedbacks"
)

// Service returns the service whose progress and cancellation keys the
// operation reports under. Regenerations belong to the generation service
// they re-drive; lifecycle swaps report as versioning.
func (o Operation) Service() string {
	switch o {
	case OpRerunProfiles:
		return opstate.ServiceProfile
	case OpRerunFeedbacks:
		return opstate.ServiceFeedback
	default:
		return opstate.ServiceVersioning
	}
}

// Valid reports whether o names a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OpUpgradeProfiles, OpDowngradeProfiles, OpRerunProfiles,
		OpUpgradeRawFeedbacks, OpDowngradeRawFeedbacks, OpRerunFeedbacks:
		return true
	}
	return false
}

// BatchParams configures one batch run.
type BatchParams struct {
	OrgID     string
	Operation Operation

	// UserIDs restricts the batch; empty means every user in the org.
	UserIDs []string

	// StopOnError aborts the batch at the first failing user instead of
	// recording the failure and continuing.
	StopOnError bool

	// AgentVersion tags regenerated raw feedbacks.
	AgentVersion string

	// StartTime/EndTime bound regeneration windows. Zero means unbounded.
	StartTime int64
	EndTime   int64

	// ExtractorNames restricts regeneration to these extractors.
	ExtractorNames []string
}

// Runner executes batch operations.
type Runner struct {
	store     *storage.Store
	states    *opstate.Manager
	configs   *config.Cache
	profiles  *profile.Service
	feedbacks *feedback.Service
	logger    *zap.Logger
}

// NewRunner wires the batch runner.
func NewRunner(store *storage.Store, states *opstate.Manager, configs *config.Cache, profiles *profile.Service, feedbacks *feedback.Service, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{store: store, states: states, configs: configs, profiles: profiles, feedbacks: feedbacks, logger: logger}
}

// RunBatch walks the selected users one at a time, recording per-user
// progress as it goes. A cancellation request finalizes the batch as
// CANCELLED between users; per-user failures are recorded and, unless
// StopOnError is set, do not stop the batch.
func (r *Runner) RunBatch(ctx context.Context, p BatchParams) error {
	if !p.Operation.Valid() {
		return fmt.Errorf("unknown operation %q", p.Operation)
	}

	users := p.UserIDs
	if len(users) == 0 {
		var err error
		users, err = r.store.ListUserIDs(ctx, p.OrgID)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}
	} else {
		users = append([]string{}, users...)
		sort.Strings(users)
	}

	service := p.Operation.Service()
	progressKey := opstate.ProgressKey(service, p.OrgID)
	cancelKey := opstate.CancellationKey(service, p.OrgID)

	if err := r.states.StartProgress(ctx, progressKey, len(users), map[string]interface{}{
		"operation":     string(p.Operation),
		"agent_version": p.AgentVersion,
	}); err != nil {
		return fmt.Errorf("start progress: %w", err)
	}

	r.logger.Info("Batch started",
		zap.String("org_id", p.OrgID),
		zap.String("operation", string(p.Operation)),
		zap.Int("users", len(users)))

	for _, userID := range users {
		cancelled, err := r.states.IsCancellationRequested(ctx, cancelKey)
		if err != nil {
			return err
		}
		if cancelled {
			if err := r.states.FinalizeProgress(ctx, progressKey, opstate.ProgressCancelled, ""); err != nil {
				return err
			}
			if err := r.states.ClearCancellation(ctx, cancelKey); err != nil {
				return err
			}
			r.logger.Info("Batch cancelled",
				zap.String("org_id", p.OrgID),
				zap.String("operation", string(p.Operation)))
			return nil
		}

		uid := userID
		if err := r.states.MutateProgress(ctx, progressKey, func(pr *opstate.Progress) {
			pr.CurrentUserID = uid
		}); err != nil {
			return err
		}

		if err := r.applyUser(ctx, p, userID); err != nil {
			r.logger.Warn("Batch user failed",
				zap.String("org_id", p.OrgID),
				zap.String("user_id", userID),
				zap.Error(err))
			msg := err.Error()
			if perr := r.states.MutateProgress(ctx, progressKey, func(pr *opstate.Progress) {
				pr.FailedUsers++
				pr.FailedUserIDs = append(pr.FailedUserIDs, opstate.UserFailure{UserID: uid, Error: msg})
			}); perr != nil {
				return perr
			}
			if p.StopOnError {
				if ferr := r.states.FinalizeProgress(ctx, progressKey, opstate.ProgressFailed, msg); ferr != nil {
					return ferr
				}
				return err
			}
			continue
		}

		if err := r.states.MutateProgress(ctx, progressKey, func(pr *opstate.Progress) {
			pr.ProcessedUsers++
			pr.ProcessedUserIDs = append(pr.ProcessedUserIDs, uid)
		}); err != nil {
			return err
		}
	}

	if err := r.states.FinalizeProgress(ctx, progressKey, opstate.ProgressCompleted, ""); err != nil {
		return err
	}
	r.logger.Info("Batch completed",
		zap.String("org_id", p.OrgID),
		zap.String("operation", string(p.Operation)))
	return nil
}

func (r *Runner) applyUser(ctx context.Context, p BatchParams, userID string) error {
	switch p.Operation {
	case OpUpgradeProfiles:
		return r.store.UpgradeUserProfiles(ctx, p.OrgID, userID)
	case OpDowngradeProfiles:
		return r.store.DowngradeUserProfiles(ctx, p.OrgID, userID)
	case OpUpgradeRawFeedbacks:
		return r.store.UpgradeUserRawFeedbacks(ctx, p.OrgID, userID)
	case OpDowngradeRawFeedbacks:
		return r.store.DowngradeUserRawFeedbacks(ctx, p.OrgID, userID)
	case OpRerunProfiles:
		return r.rerunProfiles(ctx, p, userID)
	case OpRerunFeedbacks:
		return r.rerunFeedbacks(ctx, p, userID)
	default:
		return fmt.Errorf("unknown operation %q", p.Operation)
	}
}

func (r *Runner) rerunProfiles(ctx context.Context, p BatchParams, userID string) error {
	org, err := r.configs.Get(p.OrgID)
	if err != nil {
		return err
	}
	if err := r.store.DeletePendingProfiles(ctx, p.OrgID, userID); err != nil {
		return fmt.Errorf("clear pending profiles: %w", err)
	}
	failures, err := r.profiles.Run(ctx, org, generation.RunParams{
		OrgID:          p.OrgID,
		UserID:         userID,
		AgentVersion:   p.AgentVersion,
		StartTime:      p.StartTime,
		EndTime:        p.EndTime,
		ExtractorNames: p.ExtractorNames,
		Mode:           generation.ModeRerun,
	})
	if err != nil {
		return err
	}
	return failuresToError(failures)
}

func (r *Runner) rerunFeedbacks(ctx context.Context, p BatchParams, userID string) error {
	org, err := r.configs.Get(p.OrgID)
	if err != nil {
		return err
	}
	if err := r.store.DeletePendingRawFeedbacks(ctx, p.OrgID, userID); err != nil {
		return fmt.Errorf("clear pending raw feedbacks: %w", err)
	}
	failures, err := r.feedbacks.Run(ctx, org, generation.RunParams{
		OrgID:          p.OrgID,
		UserID:         userID,
		AgentVersion:   p.AgentVersion,
		StartTime:      p.StartTime,
		EndTime:        p.EndTime,
		ExtractorNames: p.ExtractorNames,
		Mode:           generation.ModeRerun,
	})
	if err != nil {
		return err
	}
	return failuresToError(failures)
}

func failuresToError(failures map[string]error) error {
	if len(failures) == 0 {
		return nil
	}
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s: %v", name, failures[name])
	}
	return fmt.Errorf("extractor failures: %s", strings.Join(parts, "; "))
}
