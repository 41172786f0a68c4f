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

	"github.com/teradata-labs/reflexio/pkg/types"
)

// CreateRequest persists a request and its interactions in one transaction.
// Embeddings on the interactions are stored as provided; the caller computes
// them before persisting.
func (s *Store) CreateRequest(ctx context.Context, req *types.Request, interactions []*types.Interaction) error {
	if req.RequestID == "" || req.OrgID == "" || req.UserID == "" {
		return fmt.Errorf("create request: request_id, org_id and user_id are required")
	}
	return s.withRetry(ctx, "create request", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO requests (request_id, org_id, user_id, created_at, source, agent_version, request_group)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				req.RequestID, req.OrgID, req.UserID, req.CreatedAt, req.Source, req.AgentVersion, req.RequestGroup)
			if err != nil {
				return fmt.Errorf("insert request: %w", err)
			}
			for _, in := range interactions {
				var toolsJSON []byte
				if len(in.ToolsUsed) > 0 {
					toolsJSON, err = json.Marshal(in.ToolsUsed)
					if err != nil {
						return fmt.Errorf("marshal tools_used: %w", err)
					}
				}
				_, err = tx.ExecContext(ctx, `
					INSERT INTO interactions (interaction_id, user_id, request_id, created_at, role, content,
						shadow_content, tools_used, image_data, embedding)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					in.InteractionID, in.UserID, in.RequestID, in.CreatedAt, string(in.Role), in.Content,
					in.ShadowContent, nullableJSON(toolsJSON), nullString(in.ImageData), encodeEmbedding(in.Embedding))
				if err != nil {
					return fmt.Errorf("insert interaction %s: %w", in.InteractionID, err)
				}
			}
			return nil
		})
	})
}

// RequestFilter narrows GetRequests.
type RequestFilter struct {
	UserID       string
	Source       string
	AgentVersion string
	RequestGroup string
	StartTime    int64
	EndTime      int64
	Limit        int
}

// GetRequests lists requests for an org, newest first.
func (s *Store) GetRequests(ctx context.Context, orgID string, filter RequestFilter) ([]*types.Request, error) {
	query := `SELECT request_id, org_id, user_id, created_at, source, agent_version, request_group
		FROM requests WHERE org_id = ?`
	args := []interface{}{orgID}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Source != "" {
		query += " AND source = ?"
		args = append(args, filter.Source)
	}
	if filter.AgentVersion != "" {
		query += " AND agent_version = ?"
		args = append(args, filter.AgentVersion)
	}
	if filter.RequestGroup != "" {
		query += " AND request_group = ?"
		args = append(args, filter.RequestGroup)
	}
	if filter.StartTime > 0 {
		query += " AND created_at >= ?"
		args = append(args, filter.StartTime)
	}
	if filter.EndTime > 0 {
		query += " AND created_at <= ?"
		args = append(args, filter.EndTime)
	}
	query += " ORDER BY created_at DESC, request_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get requests: %w", err)
	}
	defer rows.Close()

	var out []*types.Request
	for rows.Next() {
		var r types.Request
		if err := rows.Scan(&r.RequestID, &r.OrgID, &r.UserID, &r.CreatedAt, &r.Source, &r.AgentVersion, &r.RequestGroup); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetRequest returns a single request or nil when absent.
func (s *Store) GetRequest(ctx context.Context, orgID, requestID string) (*types.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, org_id, user_id, created_at, source, agent_version, request_group
		FROM requests WHERE org_id = ? AND request_id = ?`, orgID, requestID)
	var r types.Request
	err := row.Scan(&r.RequestID, &r.OrgID, &r.UserID, &r.CreatedAt, &r.Source, &r.AgentVersion, &r.RequestGroup)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return &r, nil
}

// GetInteractions returns a request's interactions in creation order.
func (s *Store) GetInteractions(ctx context.Context, requestID string) ([]*types.Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT interaction_id, user_id, request_id, created_at, role, content, shadow_content, tools_used, image_data, embedding
		FROM interactions WHERE request_id = ?
		ORDER BY created_at ASC, interaction_id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("get interactions: %w", err)
	}
	defer rows.Close()
	return scanInteractions(rows)
}

// InteractionWindow returns the last n interactions for a user with
// created_at <= endTs, in ascending order. This is the extractor's context
// window: it reaches back before the bookmark on purpose.
func (s *Store) InteractionWindow(ctx context.Context, userID string, endTs int64, n int) ([]*types.Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT interaction_id, user_id, request_id, created_at, role, content, shadow_content, tools_used, image_data, embedding
		FROM interactions WHERE user_id = ? AND created_at <= ?
		ORDER BY created_at DESC, interaction_id DESC
		LIMIT ?`, userID, endTs, n)
	if err != nil {
		return nil, fmt.Errorf("interaction window: %w", err)
	}
	defer rows.Close()
	out, err := scanInteractions(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountInteractionsSince counts a user's interactions with created_at
// strictly greater than sinceTs. Used for the stride check.
func (s *Store) CountInteractionsSince(ctx context.Context, userID string, sinceTs int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM interactions WHERE user_id = ? AND created_at > ?`, userID, sinceTs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count interactions: %w", err)
	}
	return n, nil
}

// LatestInteraction returns the newest interaction for a user, or nil.
func (s *Store) LatestInteraction(ctx context.Context, userID string) (*types.Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT interaction_id, user_id, request_id, created_at, role, content, shadow_content, tools_used, image_data, embedding
		FROM interactions WHERE user_id = ?
		ORDER BY created_at DESC, interaction_id DESC
		LIMIT 1`, userID)
	if err != nil {
		return nil, fmt.Errorf("latest interaction: %w", err)
	}
	defer rows.Close()
	out, err := scanInteractions(rows)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// ListUserIDs returns the distinct user ids with requests in the org,
// ascending. Batch operations iterate this list.
func (s *Store) ListUserIDs(ctx context.Context, orgID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM requests WHERE org_id = ? ORDER BY user_id ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListOrgIDs returns the distinct org ids with stored requests, ascending.
func (s *Store) ListOrgIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT org_id FROM requests ORDER BY org_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list org ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteRequest removes a request; its interactions cascade.
func (s *Store) DeleteRequest(ctx context.Context, orgID, requestID string) error {
	return s.withRetry(ctx, "delete request", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE org_id = ? AND request_id = ?`, orgID, requestID)
		return err
	})
}

// DeleteRequestGroup removes every request in the group; interactions cascade.
func (s *Store) DeleteRequestGroup(ctx context.Context, orgID, requestGroup string) error {
	if requestGroup == "" {
		return fmt.Errorf("delete request group: group is required")
	}
	return s.withRetry(ctx, "delete request group", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE org_id = ? AND request_group = ?`, orgID, requestGroup)
		return err
	})
}

func scanInteractions(rows *sql.Rows) ([]*types.Interaction, error) {
	var out []*types.Interaction
	for rows.Next() {
		var in types.Interaction
		var role string
		var toolsJSON, imageData sql.NullString
		var embedding []byte
		if err := rows.Scan(&in.InteractionID, &in.UserID, &in.RequestID, &in.CreatedAt, &role, &in.Content,
			&in.ShadowContent, &toolsJSON, &imageData, &embedding); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		in.Role = types.Role(role)
		if toolsJSON.Valid && toolsJSON.String != "" {
			if err := json.Unmarshal([]byte(toolsJSON.String), &in.ToolsUsed); err != nil {
				return nil, fmt.Errorf("unmarshal tools_used: %w", err)
			}
		}
		in.ImageData = imageData.String
		var err error
		if in.Embedding, err = decodeEmbedding(embedding); err != nil {
			return nil, err
		}
		out = append(out, &in)
	}
	return out, rows.Err()
}

// nullableJSON converts empty JSON to NULL.
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// nullString converts "" to NULL.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
