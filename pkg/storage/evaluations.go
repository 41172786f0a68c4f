// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/teradata-labs/reflexio/pkg/types"
)

// InsertEvaluationResult persists one evaluation result.
func (s *Store) InsertEvaluationResult(ctx context.Context, r *types.EvaluationResult) error {
	if r.ResultID == "" || r.OrgID == "" || r.RequestID == "" || r.EvaluationName == "" {
		return fmt.Errorf("insert evaluation result: result_id, org_id, request_id and evaluation_name are required")
	}
	return s.withRetry(ctx, "insert evaluation result", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO evaluation_results (result_id, org_id, request_id, agent_version, evaluation_name,
				is_success, failure_type, failure_reason, agent_prompt_update, regular_vs_shadow, created_at, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ResultID, r.OrgID, r.RequestID, r.AgentVersion, r.EvaluationName,
			boolToInt(r.IsSuccess), r.FailureType, r.FailureReason, r.AgentPromptUpdate,
			string(r.RegularVsShadow), r.CreatedAt, encodeEmbedding(r.Embedding))
		return err
	})
}

// EvaluationResultFilter narrows GetEvaluationResults.
type EvaluationResultFilter struct {
	RequestID      string
	AgentVersion   string
	EvaluationName string
	StartTime      int64
	EndTime        int64
	Limit          int
}

// GetEvaluationResults lists evaluation results for an org, newest first.
func (s *Store) GetEvaluationResults(ctx context.Context, orgID string, filter EvaluationResultFilter) ([]*types.EvaluationResult, error) {
	query := `SELECT result_id, org_id, request_id, agent_version, evaluation_name, is_success,
		failure_type, failure_reason, agent_prompt_update, regular_vs_shadow, created_at, embedding
		FROM evaluation_results WHERE org_id = ?`
	args := []interface{}{orgID}
	if filter.RequestID != "" {
		query += " AND request_id = ?"
		args = append(args, filter.RequestID)
	}
	if filter.AgentVersion != "" {
		query += " AND agent_version = ?"
		args = append(args, filter.AgentVersion)
	}
	if filter.EvaluationName != "" {
		query += " AND evaluation_name = ?"
		args = append(args, filter.EvaluationName)
	}
	if filter.StartTime > 0 {
		query += " AND created_at >= ?"
		args = append(args, filter.StartTime)
	}
	if filter.EndTime > 0 {
		query += " AND created_at <= ?"
		args = append(args, filter.EndTime)
	}
	query += " ORDER BY created_at DESC, result_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get evaluation results: %w", err)
	}
	defer rows.Close()

	var out []*types.EvaluationResult
	for rows.Next() {
		var r types.EvaluationResult
		var isSuccess int
		var comparison string
		var embedding []byte
		if err := rows.Scan(&r.ResultID, &r.OrgID, &r.RequestID, &r.AgentVersion, &r.EvaluationName, &isSuccess,
			&r.FailureType, &r.FailureReason, &r.AgentPromptUpdate, &comparison, &r.CreatedAt, &embedding); err != nil {
			return nil, fmt.Errorf("scan evaluation result: %w", err)
		}
		r.IsSuccess = isSuccess != 0
		r.RegularVsShadow = types.Comparison(comparison)
		var err error
		if r.Embedding, err = decodeEmbedding(embedding); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// HasEvaluationResult reports whether a result exists for the request and
// evaluation name, to keep re-published requests from being judged twice.
func (s *Store) HasEvaluationResult(ctx context.Context, orgID, requestID, evaluationName string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM evaluation_results
		WHERE org_id = ? AND request_id = ? AND evaluation_name = ?`,
		orgID, requestID, evaluationName).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("has evaluation result: %w", err)
	}
	return n > 0, nil
}
