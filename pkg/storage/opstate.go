// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ErrStateUnchanged can be returned from an UpdateOperationState mutator to
// commit nothing while still receiving the prior value.
var ErrStateUnchanged = fmt.Errorf("operation state unchanged")

// GetOperationState returns the raw JSON value for the key, or nil when the
// key is absent.
func (s *Store) GetOperationState(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM operation_state WHERE state_key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get operation state %s: %w", key, err)
	}
	return []byte(value), nil
}

// PutOperationState unconditionally writes the key.
func (s *Store) PutOperationState(ctx context.Context, key string, value []byte) error {
	return s.withRetry(ctx, "put operation state", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO operation_state (state_key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(state_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, string(value), time.Now().Unix())
		return err
	})
}

// DeleteOperationState removes the key; deleting an absent key is fine.
func (s *Store) DeleteOperationState(ctx context.Context, key string) error {
	return s.withRetry(ctx, "delete operation state", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM operation_state WHERE state_key = ?`, key)
		return err
	})
}

// UpdateOperationState is the conditional atomic upsert the lock protocol
// builds on. The mutator receives the prior value (nil when absent) and
// returns the next one; returning nil deletes the key, and returning
// ErrStateUnchanged commits nothing. Both the read and the write happen in
// one transaction, so concurrent updates to the same key serialize. The
// prior value is returned to the caller either way.
func (s *Store) UpdateOperationState(ctx context.Context, key string, mutate func(prior []byte) ([]byte, error)) ([]byte, error) {
	var prior []byte
	err := s.withRetry(ctx, "update operation state", func() error {
		prior = nil
		return s.withTx(ctx, func(tx *sql.Tx) error {
			var value string
			err := tx.QueryRowContext(ctx, `SELECT value FROM operation_state WHERE state_key = ?`, key).Scan(&value)
			if err != nil && err != sql.ErrNoRows {
				return err
			}
			if err == nil {
				prior = []byte(value)
			}

			next, err := mutate(prior)
			if err == ErrStateUnchanged {
				return nil
			}
			if err != nil {
				return err
			}
			if next == nil {
				_, err = tx.ExecContext(ctx, `DELETE FROM operation_state WHERE state_key = ?`, key)
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO operation_state (state_key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(state_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				key, string(next), time.Now().Unix())
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return prior, nil
}

// ListOperationStateKeys returns keys with the given prefix, ascending.
func (s *Store) ListOperationStateKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state_key FROM operation_state WHERE state_key LIKE ? || '%' ORDER BY state_key ASC`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list operation state keys: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
