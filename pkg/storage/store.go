// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package storage is the durable state layer: requests, interactions,
// profiles, feedbacks, evaluation results and operation state, all in a
// single SQLite database. Embeddings are stored as blobs next to their
// rows; semantic search scans candidates and ranks by cosine similarity.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4"
	"go.uber.org/zap"
)

// Transient store errors are retried this many times with doubling backoff.
const (
	storeRetryAttempts = 3
	storeRetryBaseWait = 50 * time.Millisecond
)

// Store wraps the SQLite database behind typed operations.
// Use ":memory:" as the path for tests.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Config controls how the store opens its database.
type Config struct {
	// Path is the SQLite file path, or ":memory:".
	Path string

	// EncryptionKey enables SQLCipher encryption when non-empty.
	EncryptionKey string

	Logger *zap.Logger
}

// New opens (creating if needed) the reflexio database.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage: path is required")
	}
	dsn := cfg.Path
	if cfg.EncryptionKey != "" {
		dsn = fmt.Sprintf("%s?_pragma_key=%s&_pragma_cipher_page_size=4096", cfg.Path, cfg.EncryptionKey)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY under the
	// concurrent publish fan-out.
	db.SetMaxOpenConns(1)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema() error {
	pragmas := `
	PRAGMA journal_mode = WAL;
	PRAGMA foreign_keys = ON;
	PRAGMA busy_timeout = 5000;
	`
	if _, err := s.db.Exec(pragmas); err != nil {
		return fmt.Errorf("apply pragmas: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		request_id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		agent_version TEXT NOT NULL DEFAULT '',
		request_group TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_requests_org_user ON requests(org_id, user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_requests_group ON requests(org_id, request_group);

	CREATE TABLE IF NOT EXISTS interactions (
		interaction_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		shadow_content TEXT NOT NULL DEFAULT '',
		tools_used TEXT, -- JSON array
		image_data TEXT,
		embedding BLOB,

		FOREIGN KEY (request_id) REFERENCES requests(request_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_request ON interactions(request_id);
	CREATE INDEX IF NOT EXISTS idx_interactions_user_ts ON interactions(user_id, created_at, interaction_id);

	CREATE TABLE IF NOT EXISTS user_profiles (
		profile_id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		profile_content TEXT NOT NULL,
		generated_from_request_id TEXT NOT NULL DEFAULT '',
		last_modified_timestamp INTEGER NOT NULL,
		expiration_timestamp INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		custom_features TEXT, -- JSON
		embedding BLOB,
		previously_archived INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_profiles_user_status ON user_profiles(org_id, user_id, status);

	CREATE TABLE IF NOT EXISTS profile_change_log (
		change_id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		request_id TEXT NOT NULL DEFAULT '',
		added TEXT,     -- JSON array of profile_ids
		removed TEXT,   -- JSON array of profile_ids
		mentioned TEXT, -- JSON array of profile_ids
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_change_log_user ON profile_change_log(org_id, user_id, created_at);

	CREATE TABLE IF NOT EXISTS raw_feedbacks (
		raw_feedback_id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		agent_version TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		feedback_name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		feedback_content TEXT NOT NULL DEFAULT '',
		do_action TEXT NOT NULL DEFAULT '',
		do_not_action TEXT NOT NULL DEFAULT '',
		when_condition TEXT NOT NULL DEFAULT '',
		blocking_issue TEXT, -- JSON
		indexed_content TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		embedding BLOB,
		previously_archived INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_raw_feedbacks_name ON raw_feedbacks(org_id, agent_version, feedback_name, status);
	CREATE INDEX IF NOT EXISTS idx_raw_feedbacks_request ON raw_feedbacks(request_id);

	CREATE TABLE IF NOT EXISTS aggregated_feedbacks (
		feedback_id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		feedback_name TEXT NOT NULL,
		agent_version TEXT NOT NULL DEFAULT '',
		feedback_content TEXT NOT NULL DEFAULT '',
		do_action TEXT NOT NULL DEFAULT '',
		do_not_action TEXT NOT NULL DEFAULT '',
		when_condition TEXT NOT NULL DEFAULT '',
		blocking_issue TEXT, -- JSON
		feedback_status TEXT NOT NULL DEFAULT 'PENDING',
		feedback_metadata TEXT, -- JSON
		status TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		embedding BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_agg_feedbacks_name ON aggregated_feedbacks(org_id, agent_version, feedback_name, status);

	CREATE TABLE IF NOT EXISTS evaluation_results (
		result_id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		agent_version TEXT NOT NULL DEFAULT '',
		evaluation_name TEXT NOT NULL,
		is_success INTEGER NOT NULL,
		failure_type TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		agent_prompt_update TEXT NOT NULL DEFAULT '',
		regular_vs_shadow TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		embedding BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_eval_results_request ON evaluation_results(org_id, request_id, evaluation_name);
	CREATE INDEX IF NOT EXISTS idx_eval_results_name ON evaluation_results(org_id, agent_version, evaluation_name);

	CREATE TABLE IF NOT EXISTS operation_state (
		state_key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// withRetry retries fn on transient database errors with doubling backoff.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	wait := storeRetryBaseWait
	var err error
	for attempt := 1; attempt <= storeRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == storeRetryAttempts {
			break
		}
		s.logger.Warn("Transient store error, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isTransient reports whether the error is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}
