// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package orchestrator owns the publish pipeline: request validation,
// durable persistence, and the locked fan-out into the profile, feedback
// and evaluation services.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teradata-labs/reflexio/pkg/config"
	"github.com/teradata-labs/reflexio/pkg/generation"
	"github.com/teradata-labs/reflexio/pkg/llm"
	"github.com/teradata-labs/reflexio/pkg/opstate"
	"github.com/teradata-labs/reflexio/pkg/storage"
	"github.com/teradata-labs/reflexio/pkg/types"
)

// ValidationError marks client-side input problems. Nothing is persisted
// when Publish returns one.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// IsValidationError reports whether err is a request validation failure.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// GenerationService is the shape shared by the profile, feedback and
// evaluation services.
type GenerationService interface {
	Run(ctx context.Context, org *config.OrgConfig, p generation.RunParams) (map[string]error, error)
}

// Orchestrator drives one publish end to end.
type Orchestrator struct {
	store       *storage.Store
	states      *opstate.Manager
	configs     *config.Cache
	flags       *config.FeatureFlags
	embedder    llm.Embedder
	profiles    GenerationService
	feedbacks   GenerationService
	evaluations GenerationService
	logger      *zap.Logger
	now         func() time.Time

	// serviceTimeout bounds each fan-out branch; tests shrink it.
	serviceTimeout time.Duration
}

// New wires the orchestrator.
func New(store *storage.Store, states *opstate.Manager, configs *config.Cache, flags *config.FeatureFlags, embedder llm.Embedder, profiles, feedbacks, evaluations GenerationService, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:          store,
		states:         states,
		configs:        configs,
		flags:          flags,
		embedder:       embedder,
		profiles:       profiles,
		feedbacks:      feedbacks,
		evaluations:    evaluations,
		logger:         logger,
		now:            time.Now,
		serviceTimeout: generation.ServiceTimeout,
	}
}

// Publish validates and persists one request, then fans out to the three
// generation services. Service failures are recorded in operation state
// and logged; they never fail the publish. Only validation and persistence
// errors are returned.
func (o *Orchestrator) Publish(ctx context.Context, req *types.Request, interactions []*types.Interaction) error {
	if err := validate(req, interactions); err != nil {
		return err
	}
	o.normalize(req, interactions)

	org, err := o.configs.Get(req.OrgID)
	if err != nil {
		return fmt.Errorf("load org config: %w", err)
	}

	if err := o.embedInteractions(ctx, interactions); err != nil {
		o.logger.Warn("Interaction embedding failed, storing without vectors", zap.Error(err))
	}
	if err := o.store.CreateRequest(ctx, req, interactions); err != nil {
		return fmt.Errorf("persist request: %w", err)
	}

	p := generation.RunParams{
		OrgID:        req.OrgID,
		UserID:       req.UserID,
		Source:       req.Source,
		AgentVersion: req.AgentVersion,
		RequestID:    req.RequestID,
		Mode:         generation.ModeRegular,
	}

	runCtx, cancel := context.WithTimeout(ctx, generation.PublishDeadline)
	defer cancel()

	g := new(errgroup.Group)
	g.SetLimit(generation.ServicePoolSize)
	if o.flags.Enabled(config.FlagProfileGeneration, req.OrgID) {
		g.Go(func() error {
			o.runLocked(runCtx, opstate.ServiceProfile, req.UserID, org, p, o.profiles)
			return nil
		})
	}
	if o.flags.Enabled(config.FlagFeedbackGeneration, req.OrgID) {
		g.Go(func() error {
			o.runLocked(runCtx, opstate.ServiceFeedback, "", org, p, o.feedbacks)
			return nil
		})
	}
	if o.flags.Enabled(config.FlagAgentSuccess, req.OrgID) {
		g.Go(func() error {
			o.runLocked(runCtx, opstate.ServiceEvaluation, "", org, p, o.evaluations)
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// runLocked executes one service branch under its in-progress lock. A
// QUEUED verdict returns immediately: the current holder will pick the
// queued request up on release. After releasing, at most one queued
// request is re-run so the queue cannot chain unboundedly.
func (o *Orchestrator) runLocked(ctx context.Context, service, scope string, org *config.OrgConfig, p generation.RunParams, svc GenerationService) {
	key := opstate.LockKey(service, p.OrgID, scope)

	verdict, err := o.states.TryAcquireLock(ctx, key, p.RequestID)
	if err != nil {
		o.recordServiceFailure(ctx, service, p, err)
		return
	}
	if verdict == opstate.LockQueued {
		o.logger.Info("Generation queued behind running request",
			zap.String("service", service),
			zap.String("request_id", p.RequestID))
		return
	}

	current := p
	for rerun := 0; ; rerun++ {
		o.runService(ctx, service, org, current, svc)

		pending, err := o.states.Release(ctx, key, current.RequestID)
		if err != nil {
			o.recordServiceFailure(ctx, service, current, err)
			return
		}
		if pending == "" || rerun >= 1 {
			return
		}

		next, ok := o.paramsForRequest(ctx, current.OrgID, pending)
		if !ok {
			return
		}
		if verdict, err = o.states.TryAcquireLock(ctx, key, next.RequestID); err != nil || verdict != opstate.LockAcquired {
			return
		}
		current = next
	}
}

func (o *Orchestrator) runService(ctx context.Context, service string, org *config.OrgConfig, p generation.RunParams, svc GenerationService) {
	runCtx, cancel := context.WithTimeout(ctx, o.serviceTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s service panicked: %v", service, r)
			}
		}()
		failures, err := svc.Run(runCtx, org, p)
		for name, ferr := range failures {
			o.logger.Warn("Extractor failed during publish",
				zap.String("service", service),
				zap.String("extractor", name),
				zap.Error(ferr))
		}
		return err
	}()
	if err != nil {
		o.recordServiceFailure(ctx, service, p, err)
	}
}

// recordServiceFailure surfaces a failed branch through the service's
// progress row without failing the publish.
func (o *Orchestrator) recordServiceFailure(ctx context.Context, service string, p generation.RunParams, err error) {
	o.logger.Error("Generation service failed",
		zap.String("service", service),
		zap.String("org_id", p.OrgID),
		zap.String("request_id", p.RequestID),
		zap.Error(err))

	key := opstate.ProgressKey(service, p.OrgID)
	msg := err.Error()
	if perr := o.states.MutateProgress(ctx, key, func(pr *opstate.Progress) {
		pr.Status = opstate.ProgressFailed
		pr.ErrorMessage = msg
		pr.CompletedAt = o.now().Unix()
	}); perr != nil {
		o.logger.Warn("Recording service failure failed", zap.Error(perr))
	}
}

func (o *Orchestrator) paramsForRequest(ctx context.Context, orgID, requestID string) (generation.RunParams, bool) {
	req, err := o.store.GetRequest(ctx, orgID, requestID)
	if err != nil || req == nil {
		o.logger.Warn("Queued request vanished before re-run",
			zap.String("request_id", requestID),
			zap.Error(err))
		return generation.RunParams{}, false
	}
	return generation.RunParams{
		OrgID:        req.OrgID,
		UserID:       req.UserID,
		Source:       req.Source,
		AgentVersion: req.AgentVersion,
		RequestID:    req.RequestID,
		Mode:         generation.ModeRegular,
	}, true
}

func (o *Orchestrator) embedInteractions(ctx context.Context, interactions []*types.Interaction) error {
	if o.embedder == nil {
		return nil
	}
	var texts []string
	var targets []*types.Interaction
	for _, in := range interactions {
		if in.Content == "" {
			continue
		}
		texts = append(texts, in.Content)
		targets = append(targets, in)
	}
	if len(texts) == 0 {
		return nil
	}
	vectors, err := o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	for i, in := range targets {
		in.Embedding = vectors[i]
	}
	return nil
}

func validate(req *types.Request, interactions []*types.Interaction) error {
	if req == nil {
		return &ValidationError{Reason: "request is required"}
	}
	if req.OrgID == "" {
		return &ValidationError{Reason: "org_id is required"}
	}
	if req.UserID == "" {
		return &ValidationError{Reason: "user_id is required"}
	}
	if len(interactions) == 0 {
		return &ValidationError{Reason: "at least one interaction is required"}
	}
	for i, in := range interactions {
		if !in.Role.Valid() {
			return &ValidationError{Reason: fmt.Sprintf("interaction %d: invalid role %q", i, in.Role)}
		}
		if in.Content == "" && len(in.ToolsUsed) == 0 && in.ImageData == "" {
			return &ValidationError{Reason: fmt.Sprintf("interaction %d: empty content", i)}
		}
	}
	return nil
}

// normalize fills server-assigned fields: ids, timestamps and the
// back-references from interactions to their request.
func (o *Orchestrator) normalize(req *types.Request, interactions []*types.Interaction) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.CreatedAt == 0 {
		req.CreatedAt = o.now().Unix()
	}
	for i, in := range interactions {
		if in.InteractionID == "" {
			in.InteractionID = uuid.NewString()
		}
		if in.RequestID == "" {
			in.RequestID = req.RequestID
		}
		if in.UserID == "" {
			in.UserID = req.UserID
		}
		if in.CreatedAt == 0 {
			in.CreatedAt = req.CreatedAt + int64(i)
		}
	}
}
