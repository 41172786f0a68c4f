// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/teradata-labs/reflexio/pkg/types"
)

// ============================================================================
// Raw feedbacks
// ============================================================================

// InsertRawFeedbacks persists raw feedbacks in one transaction.
func (s *Store) InsertRawFeedbacks(ctx context.Context, feedbacks []*types.RawFeedback) error {
	return s.withRetry(ctx, "insert raw feedbacks", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			for _, f := range feedbacks {
				if f.RawFeedbackID == "" || f.OrgID == "" || f.FeedbackName == "" {
					return fmt.Errorf("insert raw feedback: raw_feedback_id, org_id and feedback_name are required")
				}
				issueJSON, err := marshalBlockingIssue(f.BlockingIssue)
				if err != nil {
					return err
				}
				_, err = tx.ExecContext(ctx, `
					INSERT INTO raw_feedbacks (raw_feedback_id, org_id, agent_version, request_id, feedback_name,
						created_at, feedback_content, do_action, do_not_action, when_condition, blocking_issue,
						indexed_content, status, embedding)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					f.RawFeedbackID, f.OrgID, f.AgentVersion, f.RequestID, f.FeedbackName,
					f.CreatedAt, f.FeedbackContent, f.DoAction, f.DoNotAction, f.WhenCondition, issueJSON,
					f.IndexedContent, string(f.Status), encodeEmbedding(f.Embedding))
				if err != nil {
					return fmt.Errorf("insert raw feedback %s: %w", f.RawFeedbackID, err)
				}
			}
			return nil
		})
	})
}

// RawFeedbackFilter narrows GetRawFeedbacks.
type RawFeedbackFilter struct {
	AgentVersion string
	FeedbackName string
	RequestID    string
	UserID       string
	Status       types.Status
	Limit        int
}

// GetRawFeedbacks lists raw feedbacks for an org. Status filters exactly,
// including the CURRENT empty string, so the zero filter returns live rows.
func (s *Store) GetRawFeedbacks(ctx context.Context, orgID string, filter RawFeedbackFilter) ([]*types.RawFeedback, error) {
	query := `SELECT raw_feedback_id, org_id, agent_version, request_id, feedback_name, created_at,
		feedback_content, do_action, do_not_action, when_condition, blocking_issue, indexed_content, status, embedding
		FROM raw_feedbacks WHERE org_id = ? AND status = ?`
	args := []interface{}{orgID, string(filter.Status)}
	if filter.AgentVersion != "" {
		query += " AND agent_version = ?"
		args = append(args, filter.AgentVersion)
	}
	if filter.FeedbackName != "" {
		query += " AND feedback_name = ?"
		args = append(args, filter.FeedbackName)
	}
	if filter.RequestID != "" {
		query += " AND request_id = ?"
		args = append(args, filter.RequestID)
	}
	if filter.UserID != "" {
		query += " AND request_id IN (SELECT request_id FROM requests WHERE org_id = ? AND user_id = ?)"
		args = append(args, orgID, filter.UserID)
	}
	query += " ORDER BY created_at ASC, raw_feedback_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get raw feedbacks: %w", err)
	}
	defer rows.Close()
	return scanRawFeedbacks(rows)
}

// SearchRawFeedbacks ranks CURRENT raw feedbacks against the query embedding.
func (s *Store) SearchRawFeedbacks(ctx context.Context, orgID string, query []float32, threshold float64, topK int) ([]*types.RawFeedback, error) {
	feedbacks, err := s.GetRawFeedbacks(ctx, orgID, RawFeedbackFilter{Status: types.StatusCurrent})
	if err != nil {
		return nil, err
	}
	candidates := make([][]float32, len(feedbacks))
	for i, f := range feedbacks {
		candidates[i] = f.Embedding
	}
	ranked := rankBySimilarity(query, candidates, threshold, topK)
	out := make([]*types.RawFeedback, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, feedbacks[r.index])
	}
	return out, nil
}

// DeletePendingRawFeedbacks drops a user's PENDING raw feedbacks before a rerun.
func (s *Store) DeletePendingRawFeedbacks(ctx context.Context, orgID, userID string) error {
	return s.withRetry(ctx, "delete pending raw feedbacks", func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM raw_feedbacks WHERE org_id = ? AND status = ?
			AND request_id IN (SELECT request_id FROM requests WHERE org_id = ? AND user_id = ?)`,
			orgID, string(types.StatusPending), orgID, userID)
		return err
	})
}

// UpgradeUserRawFeedbacks runs the same three-step promotion as profiles,
// scoped to raw feedbacks attached to the user's requests.
func (s *Store) UpgradeUserRawFeedbacks(ctx context.Context, orgID, userID string) error {
	userScope := `AND request_id IN (SELECT request_id FROM requests WHERE org_id = ? AND user_id = ?)`

	var pending int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM raw_feedbacks WHERE org_id = ? AND status = ? `+userScope,
		orgID, string(types.StatusPending), orgID, userID).Scan(&pending)
	if err != nil {
		return fmt.Errorf("upgrade raw feedbacks: %w", err)
	}
	if pending == 0 {
		return nil
	}

	step1 := func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`UPDATE raw_feedbacks SET previously_archived = 1 WHERE org_id = ? AND status = ? `+userScope,
				orgID, string(types.StatusArchived), orgID, userID); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`UPDATE raw_feedbacks SET status = ?, previously_archived = 0 WHERE org_id = ? AND status = ? `+userScope,
				string(types.StatusArchived), orgID, string(types.StatusCurrent), orgID, userID)
			return err
		})
	}
	if err := s.withRetry(ctx, "upgrade raw feedbacks step 1", step1); err != nil {
		return err
	}

	step2 := func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE raw_feedbacks SET status = ? WHERE org_id = ? AND status = ? `+userScope,
			string(types.StatusCurrent), orgID, string(types.StatusPending), orgID, userID)
		return err
	}
	if err := s.withRetry(ctx, "upgrade raw feedbacks step 2", step2); err != nil {
		_, rbErr := s.db.ExecContext(ctx,
			`UPDATE raw_feedbacks SET status = ? WHERE org_id = ? AND status = ? AND previously_archived = 0 `+userScope,
			string(types.StatusCurrent), orgID, string(types.StatusArchived), orgID, userID)
		if rbErr != nil {
			return fmt.Errorf("upgrade raw feedbacks step 2 failed (%v); rollback also failed: %w", err, rbErr)
		}
		return err
	}

	step3 := func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM raw_feedbacks WHERE org_id = ? AND status = ? AND previously_archived = 1 `+userScope,
			orgID, string(types.StatusArchived), orgID, userID)
		return err
	}
	return s.withRetry(ctx, "upgrade raw feedbacks step 3", step3)
}

// DowngradeUserRawFeedbacks mirrors DowngradeUserProfiles for raw feedbacks.
func (s *Store) DowngradeUserRawFeedbacks(ctx context.Context, orgID, userID string) error {
	userScope := `AND request_id IN (SELECT request_id FROM requests WHERE org_id = ? AND user_id = ?)`

	var restorable int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM raw_feedbacks WHERE org_id = ? AND status = ? AND previously_archived = 0 `+userScope,
		orgID, string(types.StatusArchived), orgID, userID).Scan(&restorable)
	if err != nil {
		return fmt.Errorf("downgrade raw feedbacks: %w", err)
	}
	if restorable == 0 {
		return nil
	}

	step1 := func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE raw_feedbacks SET status = ? WHERE org_id = ? AND status = ? `+userScope,
			string(types.StatusArchiveInProgress), orgID, string(types.StatusCurrent), orgID, userID)
		return err
	}
	if err := s.withRetry(ctx, "downgrade raw feedbacks step 1", step1); err != nil {
		return err
	}

	step2 := func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE raw_feedbacks SET status = ? WHERE org_id = ? AND status = ? AND previously_archived = 0 `+userScope,
			string(types.StatusCurrent), orgID, string(types.StatusArchived), orgID, userID)
		return err
	}
	if err := s.withRetry(ctx, "downgrade raw feedbacks step 2", step2); err != nil {
		_, rbErr := s.db.ExecContext(ctx,
			`UPDATE raw_feedbacks SET status = ? WHERE org_id = ? AND status = ? `+userScope,
			string(types.StatusCurrent), orgID, string(types.StatusArchiveInProgress), orgID, userID)
		if rbErr != nil {
			return fmt.Errorf("downgrade raw feedbacks step 2 failed (%v); rollback also failed: %w", err, rbErr)
		}
		return err
	}

	step3 := func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE raw_feedbacks SET status = ?, previously_archived = 1 WHERE org_id = ? AND status = ? `+userScope,
			string(types.StatusArchived), orgID, string(types.StatusArchiveInProgress), orgID, userID)
		return err
	}
	return s.withRetry(ctx, "downgrade raw feedbacks step 3", step3)
}

// ListRawFeedbackAgentVersions returns the distinct agent versions that
// have CURRENT raw feedbacks under the feedback name, ascending.
func (s *Store) ListRawFeedbackAgentVersions(ctx context.Context, orgID, feedbackName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT agent_version FROM raw_feedbacks
		WHERE org_id = ? AND feedback_name = ? AND status = ?
		ORDER BY agent_version ASC`,
		orgID, feedbackName, string(types.StatusCurrent))
	if err != nil {
		return nil, fmt.Errorf("list agent versions: %w", err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ============================================================================
// Aggregated feedbacks
// ============================================================================

// InsertAggregatedFeedbacks persists aggregated feedbacks in one transaction.
func (s *Store) InsertAggregatedFeedbacks(ctx context.Context, feedbacks []*types.AggregatedFeedback) error {
	return s.withRetry(ctx, "insert aggregated feedbacks", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			for _, f := range feedbacks {
				if f.FeedbackID == "" || f.OrgID == "" || f.FeedbackName == "" {
					return fmt.Errorf("insert aggregated feedback: feedback_id, org_id and feedback_name are required")
				}
				issueJSON, err := marshalBlockingIssue(f.BlockingIssue)
				if err != nil {
					return err
				}
				var metadataJSON []byte
				if len(f.Metadata) > 0 {
					metadataJSON, err = json.Marshal(f.Metadata)
					if err != nil {
						return fmt.Errorf("marshal feedback_metadata: %w", err)
					}
				}
				feedbackStatus := f.FeedbackStatus
				if feedbackStatus == "" {
					feedbackStatus = types.FeedbackPending
				}
				_, err = tx.ExecContext(ctx, `
					INSERT INTO aggregated_feedbacks (feedback_id, org_id, feedback_name, agent_version,
						feedback_content, do_action, do_not_action, when_condition, blocking_issue,
						feedback_status, feedback_metadata, status, created_at, embedding)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					f.FeedbackID, f.OrgID, f.FeedbackName, f.AgentVersion,
					f.FeedbackContent, f.DoAction, f.DoNotAction, f.WhenCondition, issueJSON,
					string(feedbackStatus), nullableJSON(metadataJSON), string(f.Status), f.CreatedAt,
					encodeEmbedding(f.Embedding))
				if err != nil {
					return fmt.Errorf("insert aggregated feedback %s: %w", f.FeedbackID, err)
				}
			}
			return nil
		})
	})
}

// AggregatedFeedbackFilter narrows GetAggregatedFeedbacks.
type AggregatedFeedbackFilter struct {
	AgentVersion   string
	FeedbackName   string
	FeedbackStatus types.FeedbackStatus
	Status         types.Status
	Limit          int
}

// GetAggregatedFeedbacks lists aggregated feedbacks, newest first.
func (s *Store) GetAggregatedFeedbacks(ctx context.Context, orgID string, filter AggregatedFeedbackFilter) ([]*types.AggregatedFeedback, error) {
	query := `SELECT feedback_id, org_id, feedback_name, agent_version, feedback_content, do_action,
		do_not_action, when_condition, blocking_issue, feedback_status, feedback_metadata, status, created_at, embedding
		FROM aggregated_feedbacks WHERE org_id = ? AND status = ?`
	args := []interface{}{orgID, string(filter.Status)}
	if filter.AgentVersion != "" {
		query += " AND agent_version = ?"
		args = append(args, filter.AgentVersion)
	}
	if filter.FeedbackName != "" {
		query += " AND feedback_name = ?"
		args = append(args, filter.FeedbackName)
	}
	if filter.FeedbackStatus != "" {
		query += " AND feedback_status = ?"
		args = append(args, string(filter.FeedbackStatus))
	}
	query += " ORDER BY created_at DESC, feedback_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get aggregated feedbacks: %w", err)
	}
	defer rows.Close()
	return scanAggregatedFeedbacks(rows)
}

// GetAggregatedFeedbacksByIDs fetches specific aggregated feedbacks
// regardless of lifecycle status.
func (s *Store) GetAggregatedFeedbacksByIDs(ctx context.Context, orgID string, ids []string) ([]*types.AggregatedFeedback, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT feedback_id, org_id, feedback_name, agent_version, feedback_content, do_action,
		do_not_action, when_condition, blocking_issue, feedback_status, feedback_metadata, status, created_at, embedding
		FROM aggregated_feedbacks WHERE org_id = ? AND feedback_id IN (` + placeholders(len(ids)) + `)
		ORDER BY created_at DESC, feedback_id ASC`
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, orgID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get aggregated feedbacks by ids: %w", err)
	}
	defer rows.Close()
	return scanAggregatedFeedbacks(rows)
}

// SearchAggregatedFeedbacks ranks CURRENT aggregated feedbacks against the
// query embedding.
func (s *Store) SearchAggregatedFeedbacks(ctx context.Context, orgID string, query []float32, threshold float64, topK int) ([]*types.AggregatedFeedback, error) {
	feedbacks, err := s.GetAggregatedFeedbacks(ctx, orgID, AggregatedFeedbackFilter{Status: types.StatusCurrent})
	if err != nil {
		return nil, err
	}
	candidates := make([][]float32, len(feedbacks))
	for i, f := range feedbacks {
		candidates[i] = f.Embedding
	}
	ranked := rankBySimilarity(query, candidates, threshold, topK)
	out := make([]*types.AggregatedFeedback, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, feedbacks[r.index])
	}
	return out, nil
}

// ArchiveAggregatedByIDs archives the given feedbacks unless a human has
// APPROVED them. Returns the ids actually archived so an aborted
// aggregation can restore exactly those.
func (s *Store) ArchiveAggregatedByIDs(ctx context.Context, orgID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var archived []string
	err := s.withRetry(ctx, "archive aggregated feedbacks", func() error {
		archived = archived[:0]
		return s.withTx(ctx, func(tx *sql.Tx) error {
			query := `SELECT feedback_id FROM aggregated_feedbacks
				WHERE org_id = ? AND status = ? AND feedback_status != ?
				AND feedback_id IN (` + placeholders(len(ids)) + `)`
			args := []interface{}{orgID, string(types.StatusCurrent), string(types.FeedbackApproved)}
			for _, id := range ids {
				args = append(args, id)
			}
			rows, err := tx.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return err
				}
				archived = append(archived, id)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}
			for _, id := range archived {
				if _, err := tx.ExecContext(ctx, `
					UPDATE aggregated_feedbacks SET status = ? WHERE org_id = ? AND feedback_id = ?`,
					string(types.StatusArchived), orgID, id); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return archived, nil
}

// RestoreAggregatedByIDs puts archived feedbacks back to CURRENT.
func (s *Store) RestoreAggregatedByIDs(ctx context.Context, orgID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withRetry(ctx, "restore aggregated feedbacks", func() error {
		query := `UPDATE aggregated_feedbacks SET status = ?
			WHERE org_id = ? AND status = ? AND feedback_id IN (` + placeholders(len(ids)) + `)`
		args := []interface{}{string(types.StatusCurrent), orgID, string(types.StatusArchived)}
		for _, id := range ids {
			args = append(args, id)
		}
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// DeleteAggregatedByIDs removes aggregated feedbacks permanently.
func (s *Store) DeleteAggregatedByIDs(ctx context.Context, orgID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withRetry(ctx, "delete aggregated feedbacks", func() error {
		query := `DELETE FROM aggregated_feedbacks WHERE org_id = ? AND feedback_id IN (` + placeholders(len(ids)) + `)`
		args := []interface{}{orgID}
		for _, id := range ids {
			args = append(args, id)
		}
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// SetAggregatedFeedbackStatus records the human approval decision.
func (s *Store) SetAggregatedFeedbackStatus(ctx context.Context, orgID, feedbackID string, status types.FeedbackStatus) error {
	return s.withRetry(ctx, "set feedback status", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE aggregated_feedbacks SET feedback_status = ? WHERE org_id = ? AND feedback_id = ?`,
			string(status), orgID, feedbackID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return fmt.Errorf("aggregated feedback not found: %s", feedbackID)
		}
		return err
	})
}

// ============================================================================
// Scan helpers
// ============================================================================

func scanRawFeedbacks(rows *sql.Rows) ([]*types.RawFeedback, error) {
	var out []*types.RawFeedback
	for rows.Next() {
		var f types.RawFeedback
		var status string
		var issueJSON sql.NullString
		var embedding []byte
		if err := rows.Scan(&f.RawFeedbackID, &f.OrgID, &f.AgentVersion, &f.RequestID, &f.FeedbackName, &f.CreatedAt,
			&f.FeedbackContent, &f.DoAction, &f.DoNotAction, &f.WhenCondition, &issueJSON, &f.IndexedContent,
			&status, &embedding); err != nil {
			return nil, fmt.Errorf("scan raw feedback: %w", err)
		}
		f.Status = types.Status(status)
		var err error
		if f.BlockingIssue, err = unmarshalBlockingIssue(issueJSON); err != nil {
			return nil, err
		}
		if f.Embedding, err = decodeEmbedding(embedding); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func scanAggregatedFeedbacks(rows *sql.Rows) ([]*types.AggregatedFeedback, error) {
	var out []*types.AggregatedFeedback
	for rows.Next() {
		var f types.AggregatedFeedback
		var status, feedbackStatus string
		var issueJSON, metadataJSON sql.NullString
		var embedding []byte
		if err := rows.Scan(&f.FeedbackID, &f.OrgID, &f.FeedbackName, &f.AgentVersion, &f.FeedbackContent,
			&f.DoAction, &f.DoNotAction, &f.WhenCondition, &issueJSON, &feedbackStatus, &metadataJSON,
			&status, &f.CreatedAt, &embedding); err != nil {
			return nil, fmt.Errorf("scan aggregated feedback: %w", err)
		}
		f.Status = types.Status(status)
		f.FeedbackStatus = types.FeedbackStatus(feedbackStatus)
		var err error
		if f.BlockingIssue, err = unmarshalBlockingIssue(issueJSON); err != nil {
			return nil, err
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &f.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal feedback_metadata: %w", err)
			}
		}
		if f.Embedding, err = decodeEmbedding(embedding); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func marshalBlockingIssue(issue *types.BlockingIssue) (interface{}, error) {
	if issue == nil {
		return nil, nil
	}
	b, err := json.Marshal(issue)
	if err != nil {
		return nil, fmt.Errorf("marshal blocking_issue: %w", err)
	}
	return string(b), nil
}

func unmarshalBlockingIssue(raw sql.NullString) (*types.BlockingIssue, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var issue types.BlockingIssue
	if err := json.Unmarshal([]byte(raw.String), &issue); err != nil {
		return nil, fmt.Errorf("unmarshal blocking_issue: %w", err)
	}
	return &issue, nil
}

// placeholders builds "?, ?, …" for IN clauses.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
