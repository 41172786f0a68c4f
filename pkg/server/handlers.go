// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/reflexio/pkg/feedback"
	"github.com/teradata-labs/reflexio/pkg/opstate"
	"github.com/teradata-labs/reflexio/pkg/orchestrator"
	"github.com/teradata-labs/reflexio/pkg/storage"
	"github.com/teradata-labs/reflexio/pkg/types"
	"github.com/teradata-labs/reflexio/pkg/versioning"
)

const (
	defaultSearchTopK = 10
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Writing response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"msg":     msg,
	})
}

// decode parses a POST body into v. It writes the error response itself
// and returns false when the request is unusable.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type publishRequest struct {
	types.Request
	Interactions []*types.Interaction `json:"interactions"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.orch.Publish(r.Context(), &req.Request, req.Interactions); err != nil {
		if orchestrator.IsValidationError(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Publish failed", zap.String("org_id", req.OrgID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"request_id": req.RequestID,
	})
}

func (s *Server) handleGetRequests(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID        string `json:"org_id"`
		UserID       string `json:"user_id"`
		Source       string `json:"source"`
		AgentVersion string `json:"agent_version"`
		RequestGroup string `json:"request_group"`
		StartTime    int64  `json:"start_time"`
		EndTime      int64  `json:"end_time"`
		Limit        int    `json:"limit"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.OrgID == "" {
		s.writeError(w, http.StatusBadRequest, "org_id is required")
		return
	}
	requests, err := s.store.GetRequests(r.Context(), req.OrgID, storage.RequestFilter{
		UserID:       req.UserID,
		Source:       req.Source,
		AgentVersion: req.AgentVersion,
		RequestGroup: req.RequestGroup,
		StartTime:    req.StartTime,
		EndTime:      req.EndTime,
		Limit:        req.Limit,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"results": requests,
	})
}

func (s *Server) handleGetInteractions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"request_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		s.writeError(w, http.StatusBadRequest, "request_id is required")
		return
	}
	interactions, err := s.store.GetInteractions(r.Context(), req.RequestID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"results": interactions,
	})
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID        string `json:"org_id"`
		RequestID    string `json:"request_id"`
		RequestGroup string `json:"request_group"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.OrgID == "" || (req.RequestID == "" && req.RequestGroup == "") {
		s.writeError(w, http.StatusBadRequest, "org_id and one of request_id or request_group are required")
		return
	}
	var err error
	if req.RequestID != "" {
		err = s.store.DeleteRequest(r.Context(), req.OrgID, req.RequestID)
	} else {
		err = s.store.DeleteRequestGroup(r.Context(), req.OrgID, req.RequestGroup)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleGetUserProfiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID  string `json:"org_id"`
		UserID string `json:"user_id"`
		Status string `json:"status"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.OrgID == "" || req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "org_id and user_id are required")
		return
	}
	status, ok := parseStatus(req.Status)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown status "+req.Status)
		return
	}
	profiles, err := s.store.GetProfiles(r.Context(), req.OrgID, req.UserID, status)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"results": profiles,
	})
}

type searchRequest struct {
	OrgID     string  `json:"org_id"`
	UserID    string  `json:"user_id"`
	Query     string  `json:"query"`
	Threshold float64 `json:"threshold"`
	TopK      int     `json:"top_k"`
}

func (s *Server) handleSearchProfiles(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.OrgID == "" || req.UserID == "" || req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "org_id, user_id and query are required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = defaultSearchTopK
	}
	vector, err := s.embedder.Embed(r.Context(), req.Query)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "embed query: "+err.Error())
		return
	}
	profiles, err := s.store.SearchProfiles(r.Context(), req.OrgID, req.UserID, vector, req.Threshold, req.TopK)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"results": profiles,
	})
}

func (s *Server) handleGetRawFeedbacks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID        string `json:"org_id"`
		AgentVersion string `json:"agent_version"`
		FeedbackName string `json:"feedback_name"`
		RequestID    string `json:"request_id"`
		UserID       string `json:"user_id"`
		Status       string `json:"status"`
		Limit        int    `json:"limit"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.OrgID == "" {
		s.writeError(w, http.StatusBadRequest, "org_id is required")
		return
	}
	status, ok := parseStatus(req.Status)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown status "+req.Status)
		return
	}
	feedbacks, err := s.store.GetRawFeedbacks(r.Context(), req.OrgID, storage.RawFeedbackFilter{
		AgentVersion: req.AgentVersion,
		FeedbackName: req.FeedbackName,
		RequestID:    req.RequestID,
		UserID:       req.UserID,
		Status:       status,
		Limit:        req.Limit,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"results": feedbacks,
	})
}

func (s *Server) handleGetFeedbacks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID          string `json:"org_id"`
		AgentVersion   string `json:"agent_version"`
		FeedbackName   string `json:"feedback_name"`
		FeedbackStatus string `json:"feedback_status"`
		Status         string `json:"status"`
		Limit          int    `json:"limit"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.OrgID == "" {
		s.writeError(w, http.StatusBadRequest, "org_id is required")
		return
	}
	status, ok := parseStatus(req.Status)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown status "+req.Status)
		return
	}
	feedbacks, err := s.store.GetAggregatedFeedbacks(r.Context(), req.OrgID, storage.AggregatedFeedbackFilter{
		AgentVersion:   req.AgentVersion,
		FeedbackName:   req.FeedbackName,
		FeedbackStatus: types.FeedbackStatus(req.FeedbackStatus),
		Status:         status,
		Limit:          req.Limit,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"results": feedbacks,
	})
}

func (s *Server) handleSearchFeedbacks(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.OrgID == "" || req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "org_id and query are required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = defaultSearchTopK
	}
	vector, err := s.embedder.Embed(r.Context(), req.Query)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "embed query: "+err.Error())
		return
	}
	feedbacks, err := s.store.SearchAggregatedFeedbacks(r.Context(), req.OrgID, vector, req.Threshold, req.TopK)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"results": feedbacks,
	})
}

func (s *Server) handleSetFeedbackStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID      string `json:"org_id"`
		FeedbackID string `json:"feedback_id"`
		Status     string `json:"status"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.OrgID == "" || req.FeedbackID == "" {
		s.writeError(w, http.StatusBadRequest, "org_id and feedback_id are required")
		return
	}
	status := types.FeedbackStatus(req.Status)
	switch status {
	case types.FeedbackPending, types.FeedbackApproved, types.FeedbackRejected:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown feedback status "+req.Status)
		return
	}
	if err := s.store.SetAggregatedFeedbackStatus(r.Context(), req.OrgID, req.FeedbackID, status); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleGetEvaluationResults(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID          string `json:"org_id"`
		RequestID      string `json:"request_id"`
		AgentVersion   string `json:"agent_version"`
		EvaluationName string `json:"evaluation_name"`
		StartTime      int64  `json:"start_time"`
		EndTime        int64  `json:"end_time"`
		Limit          int    `json:"limit"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.OrgID == "" {
		s.writeError(w, http.StatusBadRequest, "org_id is required")
		return
	}
	results, err := s.store.GetEvaluationResults(r.Context(), req.OrgID, storage.EvaluationResultFilter{
		RequestID:      req.RequestID,
		AgentVersion:   req.AgentVersion,
		EvaluationName: req.EvaluationName,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		Limit:          req.Limit,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"results": results,
	})
}

type batchRequest struct {
	OrgID          string   `json:"org_id"`
	UserIDs        []string `json:"user_ids"`
	StopOnError    bool     `json:"stop_on_error"`
	AgentVersion   string   `json:"agent_version"`
	StartTime      int64    `json:"start_time"`
	EndTime        int64    `json:"end_time"`
	ExtractorNames []string `json:"extractor_names"`
}

// batchHandler kicks off one batch operation in the background and
// returns immediately. Progress is observable via /get_operation_status.
func (s *Server) batchHandler(op versioning.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		if !s.decode(w, r, &req) {
			return
		}
		if req.OrgID == "" {
			s.writeError(w, http.StatusBadRequest, "org_id is required")
			return
		}
		if _, err := s.configs.Get(req.OrgID); err != nil {
			s.writeError(w, http.StatusBadRequest, "unknown org "+req.OrgID)
			return
		}

		operationID := uuid.NewString()
		params := versioning.BatchParams{
			OrgID:          req.OrgID,
			Operation:      op,
			UserIDs:        req.UserIDs,
			StopOnError:    req.StopOnError,
			AgentVersion:   req.AgentVersion,
			StartTime:      req.StartTime,
			EndTime:        req.EndTime,
			ExtractorNames: req.ExtractorNames,
		}
		s.batches.Add(1)
		go func() {
			defer s.batches.Done()
			if err := s.runner.RunBatch(context.Background(), params); err != nil {
				s.logger.Error("Batch operation failed",
					zap.String("operation_id", operationID),
					zap.String("operation", string(op)),
					zap.String("org_id", req.OrgID),
					zap.Error(err))
			}
		}()

		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"success": true,
			"operation_id": operationID,
			"service_name": op.Service(),
		})
	}
}

func (s *Server) handleRunAggregation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID                string `json:"org_id"`
		FeedbackName         string `json:"feedback_name"`
		AgentVersion         string `json:"agent_version"`
		MinFeedbackThreshold int    `json:"min_feedback_threshold"`
		Rerun                bool   `json:"rerun"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.OrgID == "" || req.FeedbackName == "" {
		s.writeError(w, http.StatusBadRequest, "org_id and feedback_name are required")
		return
	}
	if _, err := s.configs.Get(req.OrgID); err != nil {
		s.writeError(w, http.StatusBadRequest, "unknown org "+req.OrgID)
		return
	}

	operationID := uuid.NewString()
	params := feedback.AggregationParams{
		OrgID:                req.OrgID,
		FeedbackName:         req.FeedbackName,
		AgentVersion:         req.AgentVersion,
		MinFeedbackThreshold: req.MinFeedbackThreshold,
		Rerun:                req.Rerun,
	}
	s.batches.Add(1)
	go func() {
		defer s.batches.Done()
		if _, err := s.aggregator.Run(context.Background(), params); err != nil {
			s.logger.Error("Aggregation failed",
				zap.String("operation_id", operationID),
				zap.String("org_id", params.OrgID),
				zap.String("feedback_name", params.FeedbackName),
				zap.Error(err))
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"operation_id": operationID,
		"service_name": opstate.ServiceAggregation,
	})
}

func (s *Server) handleOperationStatus(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service_name")
	orgID := r.URL.Query().Get("org_id")
	if service == "" || orgID == "" {
		s.writeError(w, http.StatusBadRequest, "service_name and org_id are required")
		return
	}
	progress, err := s.states.GetProgress(r.Context(), opstate.ProgressKey(service, orgID))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if progress == nil {
		s.writeError(w, http.StatusNotFound, "no operation recorded for "+service)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"progress": progress,
	})
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServiceName string `json:"service_name"`
		OrgID       string `json:"org_id"`
		Reason      string `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.ServiceName == "" || req.OrgID == "" {
		s.writeError(w, http.StatusBadRequest, "service_name and org_id are required")
		return
	}
	key := opstate.CancellationKey(req.ServiceName, req.OrgID)
	if err := s.states.RequestCancellation(r.Context(), key, req.Reason); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleInvalidateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID string `json:"org_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.OrgID == "" {
		s.writeError(w, http.StatusBadRequest, "org_id is required")
		return
	}
	s.configs.Invalidate(req.OrgID)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// parseStatus maps the wire spelling of a lifecycle status onto the
// storage representation, where CURRENT is the empty string.
func parseStatus(raw string) (types.Status, bool) {
	switch raw {
	case "", "CURRENT":
		return types.StatusCurrent, true
	case string(types.StatusPending):
		return types.StatusPending, true
	case string(types.StatusArchived):
		return types.StatusArchived, true
	case string(types.StatusArchiveInProgress):
		return types.StatusArchiveInProgress, true
	}
	return "", false
}
