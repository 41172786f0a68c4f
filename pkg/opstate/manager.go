// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package opstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/reflexio/pkg/storage"
)

// StaleLockTimeout is how long a lock may be held before another caller is
// allowed to presume the holder crashed and take it over.
const StaleLockTimeout = 300 * time.Second

// StateStore is the slice of the storage layer the manager needs.
// *storage.Store implements it. UpdateOperationState must honor
// storage.ErrStateUnchanged from the mutator by committing nothing.
type StateStore interface {
	GetOperationState(ctx context.Context, key string) ([]byte, error)
	PutOperationState(ctx context.Context, key string, value []byte) error
	DeleteOperationState(ctx context.Context, key string) error
	UpdateOperationState(ctx context.Context, key string, mutate func(prior []byte) ([]byte, error)) ([]byte, error)
}

// LockResult is the outcome of TryAcquireLock.
type LockResult string

const (
	LockAcquired LockResult = "ACQUIRED"
	LockQueued   LockResult = "QUEUED"
)

// lockRecord is the JSON payload of a lock row.
type lockRecord struct {
	HolderRequestID  string `json:"holder_request_id"`
	AcquiredAt       int64  `json:"acquired_at"`
	PendingRequestID string `json:"pending_request_id,omitempty"`
}

// Bookmark is the per-extractor cursor over a user's interactions.
type Bookmark struct {
	LastProcessedInteractionID string `json:"last_processed_interaction_id"`
	LastProcessedTs            int64  `json:"last_processed_ts"`
}

// ProgressStatus is the batch-job progress state machine.
type ProgressStatus string

const (
	ProgressInProgress ProgressStatus = "IN_PROGRESS"
	ProgressCompleted  ProgressStatus = "COMPLETED"
	ProgressFailed     ProgressStatus = "FAILED"
	ProgressCancelled  ProgressStatus = "CANCELLED"
)

// UserFailure records one user the batch could not process.
type UserFailure struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

// Progress is the JSON payload of a progress row.
type Progress struct {
	Status             ProgressStatus         `json:"status"`
	StartedAt          int64                  `json:"started_at"`
	CompletedAt        int64                  `json:"completed_at,omitempty"`
	TotalUsers         int                    `json:"total_users"`
	ProcessedUsers     int                    `json:"processed_users"`
	FailedUsers        int                    `json:"failed_users"`
	CurrentUserID      string                 `json:"current_user_id,omitempty"`
	ProcessedUserIDs   []string               `json:"processed_user_ids,omitempty"`
	FailedUserIDs      []UserFailure          `json:"failed_user_ids,omitempty"`
	ProgressPercentage float64                `json:"progress_percentage"`
	ErrorMessage       string                 `json:"error_message,omitempty"`
	RequestParams      map[string]interface{} `json:"request_params,omitempty"`
}

// Cancellation is the JSON payload of a cancellation row.
type Cancellation struct {
	RequestedAt int64  `json:"requested_at"`
	Reason      string `json:"reason,omitempty"`
}

// Manager coordinates locks, bookmarks, progress and cancellation on top
// of the operation-state table.
type Manager struct {
	store  StateStore
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a manager.
func NewManager(store StateStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger, now: time.Now}
}

// ============================================================================
// Locks
// ============================================================================

// TryAcquireLock attempts to take the in-progress lock for key on behalf
// of requestID. The whole decision happens inside one atomic upsert:
//
//   - no row: insert holder, ACQUIRED
//   - row older than StaleLockTimeout: overwrite holder, ACQUIRED
//   - live row: record requestID as the pending request (overwriting any
//     previous pending id, only the latest is kept), QUEUED
func (m *Manager) TryAcquireLock(ctx context.Context, key, requestID string) (LockResult, error) {
	result := LockQueued
	_, err := m.store.UpdateOperationState(ctx, key, func(prior []byte) ([]byte, error) {
		now := m.now().Unix()
		if prior == nil {
			result = LockAcquired
			return json.Marshal(lockRecord{HolderRequestID: requestID, AcquiredAt: now})
		}
		var rec lockRecord
		if err := json.Unmarshal(prior, &rec); err != nil {
			return nil, fmt.Errorf("decode lock %s: %w", key, err)
		}
		if now-rec.AcquiredAt > int64(StaleLockTimeout.Seconds()) {
			m.logger.Warn("Taking over stale lock",
				zap.String("key", key),
				zap.String("previous_holder", rec.HolderRequestID),
				zap.Int64("held_seconds", now-rec.AcquiredAt))
			result = LockAcquired
			return json.Marshal(lockRecord{HolderRequestID: requestID, AcquiredAt: now})
		}
		result = LockQueued
		rec.PendingRequestID = requestID
		return json.Marshal(rec)
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// Release drops the lock if requestID still holds it and returns the
// pending request id recorded while it was held, if any. The caller is
// expected to re-acquire once for that id. A stale takeover means the
// original holder's release finds someone else's record and does nothing.
func (m *Manager) Release(ctx context.Context, key, requestID string) (string, error) {
	pending := ""
	_, err := m.store.UpdateOperationState(ctx, key, func(prior []byte) ([]byte, error) {
		if prior == nil {
			return nil, storage.ErrStateUnchanged
		}
		var rec lockRecord
		if err := json.Unmarshal(prior, &rec); err != nil {
			return nil, fmt.Errorf("decode lock %s: %w", key, err)
		}
		if rec.HolderRequestID != requestID {
			return nil, storage.ErrStateUnchanged
		}
		pending = rec.PendingRequestID
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return pending, nil
}

// AcquireSimpleLock takes a non-queuing lock, e.g. around scheduled
// aggregation. Returns false when it is already held and fresh.
func (m *Manager) AcquireSimpleLock(ctx context.Context, key string) (bool, error) {
	acquired := false
	_, err := m.store.UpdateOperationState(ctx, key, func(prior []byte) ([]byte, error) {
		now := m.now().Unix()
		if prior != nil {
			var rec struct {
				AcquiredAt int64 `json:"acquired_at"`
			}
			if err := json.Unmarshal(prior, &rec); err == nil &&
				now-rec.AcquiredAt <= int64(StaleLockTimeout.Seconds()) {
				return nil, storage.ErrStateUnchanged
			}
		}
		acquired = true
		return json.Marshal(map[string]int64{"acquired_at": now})
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleaseSimpleLock drops a simple lock.
func (m *Manager) ReleaseSimpleLock(ctx context.Context, key string) error {
	return m.store.DeleteOperationState(ctx, key)
}

// ============================================================================
// Bookmarks
// ============================================================================

// GetBookmark reads an extractor bookmark; a nil bookmark means the
// extractor has never completed a run.
func (m *Manager) GetBookmark(ctx context.Context, key string) (*Bookmark, error) {
	raw, err := m.store.GetOperationState(ctx, key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var b Bookmark
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode bookmark %s: %w", key, err)
	}
	return &b, nil
}

// AdvanceBookmark moves the bookmark forward. Writes that would move it
// backwards are dropped, keeping last_processed monotonic under
// at-least-once reruns.
func (m *Manager) AdvanceBookmark(ctx context.Context, key string, b Bookmark) error {
	_, err := m.store.UpdateOperationState(ctx, key, func(prior []byte) ([]byte, error) {
		if prior != nil {
			var cur Bookmark
			if err := json.Unmarshal(prior, &cur); err != nil {
				return nil, fmt.Errorf("decode bookmark %s: %w", key, err)
			}
			if b.LastProcessedTs < cur.LastProcessedTs {
				return nil, storage.ErrStateUnchanged
			}
		}
		return json.Marshal(b)
	})
	return err
}

// ============================================================================
// Progress
// ============================================================================

// GetProgress reads a progress row; nil when the job has never run.
func (m *Manager) GetProgress(ctx context.Context, key string) (*Progress, error) {
	raw, err := m.store.GetOperationState(ctx, key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var p Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode progress %s: %w", key, err)
	}
	return &p, nil
}

// PutProgress writes a progress row.
func (m *Manager) PutProgress(ctx context.Context, key string, p *Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress %s: %w", key, err)
	}
	return m.store.PutOperationState(ctx, key, raw)
}

// StartProgress initializes a fresh IN_PROGRESS row.
func (m *Manager) StartProgress(ctx context.Context, key string, totalUsers int, params map[string]interface{}) error {
	return m.PutProgress(ctx, key, &Progress{
		Status:        ProgressInProgress,
		StartedAt:     m.now().Unix(),
		TotalUsers:    totalUsers,
		RequestParams: params,
	})
}

// MutateProgress applies fn to the current progress row atomically.
// Missing rows are materialized as empty IN_PROGRESS records first.
func (m *Manager) MutateProgress(ctx context.Context, key string, fn func(p *Progress)) error {
	_, err := m.store.UpdateOperationState(ctx, key, func(prior []byte) ([]byte, error) {
		p := &Progress{Status: ProgressInProgress, StartedAt: m.now().Unix()}
		if prior != nil {
			if err := json.Unmarshal(prior, p); err != nil {
				return nil, fmt.Errorf("decode progress %s: %w", key, err)
			}
		}
		fn(p)
		if p.TotalUsers > 0 {
			p.ProgressPercentage = 100 * float64(p.ProcessedUsers+p.FailedUsers) / float64(p.TotalUsers)
		}
		return json.Marshal(p)
	})
	return err
}

// FinalizeProgress stamps the terminal status and completion time.
func (m *Manager) FinalizeProgress(ctx context.Context, key string, status ProgressStatus, errorMessage string) error {
	return m.MutateProgress(ctx, key, func(p *Progress) {
		p.Status = status
		p.CompletedAt = m.now().Unix()
		p.CurrentUserID = ""
		if errorMessage != "" {
			p.ErrorMessage = errorMessage
		}
	})
}

// ============================================================================
// Cancellation
// ============================================================================

// RequestCancellation records a cooperative cancel request for a service.
func (m *Manager) RequestCancellation(ctx context.Context, key, reason string) error {
	raw, err := json.Marshal(Cancellation{RequestedAt: m.now().Unix(), Reason: reason})
	if err != nil {
		return err
	}
	return m.store.PutOperationState(ctx, key, raw)
}

// IsCancellationRequested reports whether a cancel request is outstanding.
// Batch loops check this between users.
func (m *Manager) IsCancellationRequested(ctx context.Context, key string) (bool, error) {
	raw, err := m.store.GetOperationState(ctx, key)
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

// ClearCancellation removes the cancel request, typically after the batch
// finalized as CANCELLED or before a new batch starts.
func (m *Manager) ClearCancellation(ctx context.Context, key string) error {
	return m.store.DeleteOperationState(ctx, key)
}

// ============================================================================
// Cluster fingerprints
// ============================================================================

// GetFingerprints loads the fingerprint -> feedback_id map for a
// (feedback_name, agent_version). Absent keys return an empty map.
func (m *Manager) GetFingerprints(ctx context.Context, key string) (map[string]string, error) {
	raw, err := m.store.GetOperationState(ctx, key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return map[string]string{}, nil
	}
	var fp map[string]string
	if err := json.Unmarshal(raw, &fp); err != nil {
		return nil, fmt.Errorf("decode fingerprints %s: %w", key, err)
	}
	return fp, nil
}

// ReplaceFingerprints atomically swaps the stored map for the new one.
func (m *Manager) ReplaceFingerprints(ctx context.Context, key string, fingerprints map[string]string) error {
	raw, err := json.Marshal(fingerprints)
	if err != nil {
		return fmt.Errorf("encode fingerprints %s: %w", key, err)
	}
	return m.store.PutOperationState(ctx, key, raw)
}
