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

// ProfileChange is one applied profile diff: inserts, soft-deletes and a
// change-log entry, committed in a single transaction.
type ProfileChange struct {
	Adds      []*types.UserProfile
	DeleteIDs []string
	Log       *types.ProfileChangeLog
}

// ApplyProfileChange applies a diff for one user atomically. Deletes only
// touch CURRENT rows owned by the same user; rows archived this way carry
// the previously-archived marker so version swaps never resurrect them.
func (s *Store) ApplyProfileChange(ctx context.Context, orgID, userID string, change ProfileChange) error {
	return s.withRetry(ctx, "apply profile change", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			for _, p := range change.Adds {
				if err := insertProfileTx(ctx, tx, p); err != nil {
					return err
				}
			}
			for _, id := range change.DeleteIDs {
				_, err := tx.ExecContext(ctx, `
					UPDATE user_profiles SET status = ?, previously_archived = 1
					WHERE org_id = ? AND user_id = ? AND profile_id = ? AND status = ?`,
					string(types.StatusArchived), orgID, userID, id, string(types.StatusCurrent))
				if err != nil {
					return fmt.Errorf("archive profile %s: %w", id, err)
				}
			}
			if change.Log != nil {
				if err := insertChangeLogTx(ctx, tx, orgID, change.Log); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// InsertProfiles persists profiles in one transaction.
func (s *Store) InsertProfiles(ctx context.Context, profiles []*types.UserProfile) error {
	return s.withRetry(ctx, "insert profiles", func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			for _, p := range profiles {
				if err := insertProfileTx(ctx, tx, p); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func insertProfileTx(ctx context.Context, tx *sql.Tx, p *types.UserProfile) error {
	if p.ProfileID == "" || p.OrgID == "" || p.UserID == "" {
		return fmt.Errorf("insert profile: profile_id, org_id and user_id are required")
	}
	var featuresJSON []byte
	if len(p.CustomFeatures) > 0 {
		var err error
		featuresJSON, err = json.Marshal(p.CustomFeatures)
		if err != nil {
			return fmt.Errorf("marshal custom_features: %w", err)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_profiles (profile_id, org_id, user_id, profile_content, generated_from_request_id,
			last_modified_timestamp, expiration_timestamp, source, status, custom_features, embedding, previously_archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProfileID, p.OrgID, p.UserID, p.ProfileContent, p.GeneratedFromRequestID,
		p.LastModifiedTimestamp, p.ExpirationTimestamp, p.Source, string(p.Status),
		nullableJSON(featuresJSON), encodeEmbedding(p.Embedding), boolToInt(p.PreviouslyArchived))
	if err != nil {
		return fmt.Errorf("insert profile %s: %w", p.ProfileID, err)
	}
	return nil
}

// GetProfiles lists a user's profiles in the given lifecycle status,
// newest first.
func (s *Store) GetProfiles(ctx context.Context, orgID, userID string, status types.Status) ([]*types.UserProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT profile_id, org_id, user_id, profile_content, generated_from_request_id,
			last_modified_timestamp, expiration_timestamp, source, status, custom_features, embedding, previously_archived
		FROM user_profiles
		WHERE org_id = ? AND user_id = ? AND status = ?
		ORDER BY last_modified_timestamp DESC, profile_id ASC`, orgID, userID, string(status))
	if err != nil {
		return nil, fmt.Errorf("get profiles: %w", err)
	}
	defer rows.Close()
	return scanProfiles(rows)
}

// SearchProfiles ranks a user's CURRENT profiles against the query
// embedding and returns at most topK above threshold.
func (s *Store) SearchProfiles(ctx context.Context, orgID, userID string, query []float32, threshold float64, topK int) ([]*types.UserProfile, error) {
	profiles, err := s.GetProfiles(ctx, orgID, userID, types.StatusCurrent)
	if err != nil {
		return nil, err
	}
	candidates := make([][]float32, len(profiles))
	for i, p := range profiles {
		candidates[i] = p.Embedding
	}
	ranked := rankBySimilarity(query, candidates, threshold, topK)
	out := make([]*types.UserProfile, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, profiles[r.index])
	}
	return out, nil
}

// DeletePendingProfiles drops a user's PENDING rows. Called before a rerun
// so stale pending output never mixes into the next upgrade.
func (s *Store) DeletePendingProfiles(ctx context.Context, orgID, userID string) error {
	return s.withRetry(ctx, "delete pending profiles", func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM user_profiles WHERE org_id = ? AND user_id = ? AND status = ?`,
			orgID, userID, string(types.StatusPending))
		return err
	})
}

// UpgradeUserProfiles promotes a user's PENDING set to CURRENT in three
// small transactions:
//
//  1. mark pre-existing ARCHIVED rows, then CURRENT -> ARCHIVED
//  2. PENDING -> CURRENT (step 1 is rolled back if this fails)
//  3. delete the rows marked in step 1
//
// A user with no PENDING rows is untouched, which also makes a repeated
// upgrade a no-op.
func (s *Store) UpgradeUserProfiles(ctx context.Context, orgID, userID string) error {
	pending, err := s.countProfiles(ctx, orgID, userID, types.StatusPending)
	if err != nil {
		return err
	}
	if pending == 0 {
		return nil
	}

	step1 := func() error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				UPDATE user_profiles SET previously_archived = 1
				WHERE org_id = ? AND user_id = ? AND status = ?`,
				orgID, userID, string(types.StatusArchived)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE user_profiles SET status = ?, previously_archived = 0
				WHERE org_id = ? AND user_id = ? AND status = ?`,
				string(types.StatusArchived), orgID, userID, string(types.StatusCurrent))
			return err
		})
	}
	if err := s.withRetry(ctx, "upgrade profiles step 1", step1); err != nil {
		return err
	}

	step2 := func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE user_profiles SET status = ?
			WHERE org_id = ? AND user_id = ? AND status = ?`,
			string(types.StatusCurrent), orgID, userID, string(types.StatusPending))
		return err
	}
	if err := s.withRetry(ctx, "upgrade profiles step 2", step2); err != nil {
		// Restore the rows archived in step 1 so the user keeps a CURRENT set.
		_, rbErr := s.db.ExecContext(ctx, `
			UPDATE user_profiles SET status = ?
			WHERE org_id = ? AND user_id = ? AND status = ? AND previously_archived = 0`,
			string(types.StatusCurrent), orgID, userID, string(types.StatusArchived))
		if rbErr != nil {
			return fmt.Errorf("upgrade step 2 failed (%v); rollback also failed: %w", err, rbErr)
		}
		return err
	}

	step3 := func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM user_profiles
			WHERE org_id = ? AND user_id = ? AND status = ? AND previously_archived = 1`,
			orgID, userID, string(types.StatusArchived))
		return err
	}
	return s.withRetry(ctx, "upgrade profiles step 3", step3)
}

// DowngradeUserProfiles swaps a user's CURRENT set with the set archived by
// the last upgrade, through the transient ARCHIVE_IN_PROGRESS state so
// readers filtering on CURRENT never see both versions. A user with no
// freshly archived rows is untouched, so repeating a downgrade is a no-op.
func (s *Store) DowngradeUserProfiles(ctx context.Context, orgID, userID string) error {
	var restorable int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_profiles
		WHERE org_id = ? AND user_id = ? AND status = ? AND previously_archived = 0`,
		orgID, userID, string(types.StatusArchived)).Scan(&restorable)
	if err != nil {
		return fmt.Errorf("downgrade profiles: %w", err)
	}
	if restorable == 0 {
		return nil
	}

	step1 := func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE user_profiles SET status = ?
			WHERE org_id = ? AND user_id = ? AND status = ?`,
			string(types.StatusArchiveInProgress), orgID, userID, string(types.StatusCurrent))
		return err
	}
	if err := s.withRetry(ctx, "downgrade profiles step 1", step1); err != nil {
		return err
	}

	step2 := func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE user_profiles SET status = ?
			WHERE org_id = ? AND user_id = ? AND status = ? AND previously_archived = 0`,
			string(types.StatusCurrent), orgID, userID, string(types.StatusArchived))
		return err
	}
	if err := s.withRetry(ctx, "downgrade profiles step 2", step2); err != nil {
		_, rbErr := s.db.ExecContext(ctx, `
			UPDATE user_profiles SET status = ?
			WHERE org_id = ? AND user_id = ? AND status = ?`,
			string(types.StatusCurrent), orgID, userID, string(types.StatusArchiveInProgress))
		if rbErr != nil {
			return fmt.Errorf("downgrade step 2 failed (%v); rollback also failed: %w", err, rbErr)
		}
		return err
	}

	step3 := func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE user_profiles SET status = ?, previously_archived = 1
			WHERE org_id = ? AND user_id = ? AND status = ?`,
			string(types.StatusArchived), orgID, userID, string(types.StatusArchiveInProgress))
		return err
	}
	return s.withRetry(ctx, "downgrade profiles step 3", step3)
}

// ListChangeLogs returns a user's profile change log, oldest first.
func (s *Store) ListChangeLogs(ctx context.Context, orgID, userID string) ([]*types.ProfileChangeLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT change_id, user_id, request_id, added, removed, mentioned, created_at
		FROM profile_change_log
		WHERE org_id = ? AND user_id = ?
		ORDER BY created_at ASC, change_id ASC`, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("list change logs: %w", err)
	}
	defer rows.Close()

	var out []*types.ProfileChangeLog
	for rows.Next() {
		var l types.ProfileChangeLog
		var added, removed, mentioned sql.NullString
		if err := rows.Scan(&l.ChangeID, &l.UserID, &l.RequestID, &added, &removed, &mentioned, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		for _, pair := range []struct {
			raw  sql.NullString
			dest *[]string
		}{{added, &l.Added}, {removed, &l.Removed}, {mentioned, &l.Mentioned}} {
			if pair.raw.Valid && pair.raw.String != "" {
				if err := json.Unmarshal([]byte(pair.raw.String), pair.dest); err != nil {
					return nil, fmt.Errorf("unmarshal change log ids: %w", err)
				}
			}
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func insertChangeLogTx(ctx context.Context, tx *sql.Tx, orgID string, l *types.ProfileChangeLog) error {
	marshal := func(ids []string) (interface{}, error) {
		if len(ids) == 0 {
			return nil, nil
		}
		b, err := json.Marshal(ids)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	added, err := marshal(l.Added)
	if err != nil {
		return fmt.Errorf("marshal change log: %w", err)
	}
	removed, err := marshal(l.Removed)
	if err != nil {
		return fmt.Errorf("marshal change log: %w", err)
	}
	mentioned, err := marshal(l.Mentioned)
	if err != nil {
		return fmt.Errorf("marshal change log: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO profile_change_log (change_id, org_id, user_id, request_id, added, removed, mentioned, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ChangeID, orgID, l.UserID, l.RequestID, added, removed, mentioned, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert change log: %w", err)
	}
	return nil
}

func (s *Store) countProfiles(ctx context.Context, orgID, userID string, status types.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_profiles WHERE org_id = ? AND user_id = ? AND status = ?`,
		orgID, userID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count profiles: %w", err)
	}
	return n, nil
}

func scanProfiles(rows *sql.Rows) ([]*types.UserProfile, error) {
	var out []*types.UserProfile
	for rows.Next() {
		var p types.UserProfile
		var status string
		var featuresJSON sql.NullString
		var embedding []byte
		var prevArchived int
		if err := rows.Scan(&p.ProfileID, &p.OrgID, &p.UserID, &p.ProfileContent, &p.GeneratedFromRequestID,
			&p.LastModifiedTimestamp, &p.ExpirationTimestamp, &p.Source, &status, &featuresJSON,
			&embedding, &prevArchived); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p.Status = types.Status(status)
		p.PreviouslyArchived = prevArchived != 0
		if featuresJSON.Valid && featuresJSON.String != "" {
			if err := json.Unmarshal([]byte(featuresJSON.String), &p.CustomFeatures); err != nil {
				return nil, fmt.Errorf("unmarshal custom_features: %w", err)
			}
		}
		var err error
		if p.Embedding, err = decodeEmbedding(embedding); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
