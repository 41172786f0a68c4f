// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package server exposes the JSON HTTP API: publishing, querying, batch
// kickoffs, operation status and cancellation.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/reflexio/pkg/config"
	"github.com/teradata-labs/reflexio/pkg/feedback"
	"github.com/teradata-labs/reflexio/pkg/llm"
	"github.com/teradata-labs/reflexio/pkg/opstate"
	"github.com/teradata-labs/reflexio/pkg/orchestrator"
	"github.com/teradata-labs/reflexio/pkg/storage"
	"github.com/teradata-labs/reflexio/pkg/versioning"
)

// Config wires the server's collaborators.
type Config struct {
	Addr string

	Store        *storage.Store
	States       *opstate.Manager
	Orchestrator *orchestrator.Orchestrator
	Runner       *versioning.Runner
	Aggregator   *feedback.Aggregator
	Configs      *config.Cache
	Flags        *config.FeatureFlags
	Embedder     llm.Embedder
	Logger       *zap.Logger
}

// Server is the HTTP front of the service.
type Server struct {
	store      *storage.Store
	states     *opstate.Manager
	orch       *orchestrator.Orchestrator
	runner     *versioning.Runner
	aggregator *feedback.Aggregator
	configs    *config.Cache
	flags      *config.FeatureFlags
	embedder   llm.Embedder
	logger     *zap.Logger

	httpServer *http.Server

	// batches tracks background batch goroutines so Shutdown can wait
	// for them.
	batches sync.WaitGroup
}

// New builds the server and its route table.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:      cfg.Store,
		states:     cfg.States,
		orch:       cfg.Orchestrator,
		runner:     cfg.Runner,
		aggregator: cfg.Aggregator,
		configs:    cfg.Configs,
		flags:      cfg.Flags,
		embedder:   cfg.Embedder,
		logger:     logger,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 11 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/publish_interaction", s.handlePublish)
	mux.HandleFunc("/get_requests", s.handleGetRequests)
	mux.HandleFunc("/get_interactions", s.handleGetInteractions)
	mux.HandleFunc("/delete_request", s.handleDeleteRequest)

	mux.HandleFunc("/get_user_profiles", s.handleGetUserProfiles)
	mux.HandleFunc("/search_profiles", s.handleSearchProfiles)

	mux.HandleFunc("/get_raw_feedbacks", s.handleGetRawFeedbacks)
	mux.HandleFunc("/get_feedbacks", s.handleGetFeedbacks)
	mux.HandleFunc("/search_feedbacks", s.handleSearchFeedbacks)
	mux.HandleFunc("/set_feedback_status", s.handleSetFeedbackStatus)

	mux.HandleFunc("/get_agent_success_evaluation_results", s.handleGetEvaluationResults)

	mux.HandleFunc("/rerun_profile_generation", s.batchHandler(versioning.OpRerunProfiles))
	mux.HandleFunc("/rerun_feedback_generation", s.batchHandler(versioning.OpRerunFeedbacks))
	mux.HandleFunc("/upgrade_all_profiles", s.batchHandler(versioning.OpUpgradeProfiles))
	mux.HandleFunc("/downgrade_all_profiles", s.batchHandler(versioning.OpDowngradeProfiles))
	mux.HandleFunc("/upgrade_all_raw_feedbacks", s.batchHandler(versioning.OpUpgradeRawFeedbacks))
	mux.HandleFunc("/downgrade_all_raw_feedbacks", s.batchHandler(versioning.OpDowngradeRawFeedbacks))

	mux.HandleFunc("/run_feedback_aggregation", s.handleRunAggregation)
	mux.HandleFunc("/get_operation_status", s.handleOperationStatus)
	mux.HandleFunc("/cancel_operation", s.handleCancelOperation)

	mux.HandleFunc("/invalidate_org_config", s.handleInvalidateConfig)

	return mux
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and waits for background batches.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.batches.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown deadline hit with batches still running")
	}
	return err
}
