// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package types contains the shared domain types used across reflexio.
// This package has no dependencies on storage or LLM packages so that
// every other package can import it without cycles.
package types

import (
	"strings"
	"time"
)

// ============================================================================
// Roles and tool usage
// ============================================================================

// Role identifies the author of an interaction turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleTool   Role = "tool"
	RoleSystem Role = "system"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAgent, RoleTool, RoleSystem:
		return true
	}
	return false
}

// ToolUse records a single tool invocation inside an interaction.
// Order within Interaction.ToolsUsed is the invocation order.
type ToolUse struct {
	// ToolName is the tool identifier as reported by the agent
	ToolName string `json:"tool_name"`

	// ToolInput contains the tool parameters as JSON
	ToolInput map[string]interface{} `json:"tool_input,omitempty"`
}

// ============================================================================
// Interactions and requests
// ============================================================================

// Interaction is one atomic conversation turn. Immutable once persisted;
// removed only by deleting it, its request, or its request group.
type Interaction struct {
	// InteractionID is the unique identifier (UUID)
	InteractionID string `json:"interaction_id"`

	// UserID is the end user the conversation belongs to
	UserID string `json:"user_id"`

	// RequestID groups interactions published together
	RequestID string `json:"request_id"`

	// CreatedAt is a monotonic unix-seconds timestamp
	CreatedAt int64 `json:"created_at"`

	// Role is the turn author (user, agent, tool, system)
	Role Role `json:"role"`

	// Content is the turn text
	Content string `json:"content"`

	// ShadowContent is an alternative agent reply stored for A/B evaluation
	ShadowContent string `json:"shadow_content,omitempty"`

	// ToolsUsed is the ordered sequence of tool invocations in this turn
	ToolsUsed []ToolUse `json:"tools_used,omitempty"`

	// ImageData is an optional base64 image payload
	ImageData string `json:"image_data,omitempty"`

	// Embedding is the dense vector derived from Content
	Embedding []float32 `json:"-"`
}

// Request is a bundle of interactions posted together; the unit of
// success evaluation.
type Request struct {
	RequestID    string `json:"request_id"`
	OrgID        string `json:"org_id"`
	UserID       string `json:"user_id"`
	CreatedAt    int64  `json:"created_at"`
	Source       string `json:"source"`
	AgentVersion string `json:"agent_version"`
	RequestGroup string `json:"request_group,omitempty"`
}

// ============================================================================
// Content lifecycle
// ============================================================================

// Status is the versioned-content lifecycle state shared by profiles and
// feedbacks. The empty string is CURRENT; the store persists it verbatim so
// the common "live content" query is a plain equality match.
type Status string

const (
	StatusCurrent           Status = ""
	StatusPending           Status = "PENDING"
	StatusArchived          Status = "ARCHIVED"
	StatusArchiveInProgress Status = "ARCHIVE_IN_PROGRESS"
)

// FeedbackStatus is the human approval state of an aggregated feedback,
// independent of the lifecycle Status.
type FeedbackStatus string

const (
	FeedbackPending  FeedbackStatus = "PENDING"
	FeedbackApproved FeedbackStatus = "APPROVED"
	FeedbackRejected FeedbackStatus = "REJECTED"
)

// TTLKind expresses how long an extracted profile entry stays relevant.
type TTLKind string

const (
	TTLOneDay     TTLKind = "ONE_DAY"
	TTLOneWeek    TTLKind = "ONE_WEEK"
	TTLOneMonth   TTLKind = "ONE_MONTH"
	TTLOneQuarter TTLKind = "ONE_QUARTER"
	TTLOneYear    TTLKind = "ONE_YEAR"
	TTLInfinity   TTLKind = "INFINITY"
)

// Expiration converts the kind to an absolute unix-seconds expiration.
// TTLInfinity (and unknown kinds) return 0, meaning "never expires".
func (k TTLKind) Expiration(from int64) int64 {
	var d time.Duration
	switch k {
	case TTLOneDay:
		d = 24 * time.Hour
	case TTLOneWeek:
		d = 7 * 24 * time.Hour
	case TTLOneMonth:
		d = 30 * 24 * time.Hour
	case TTLOneQuarter:
		d = 91 * 24 * time.Hour
	case TTLOneYear:
		d = 365 * 24 * time.Hour
	default:
		return 0
	}
	return from + int64(d.Seconds())
}

// ============================================================================
// Profiles
// ============================================================================

// UserProfile is one structured fact about a user.
type UserProfile struct {
	ProfileID              string            `json:"profile_id"`
	OrgID                  string            `json:"org_id"`
	UserID                 string            `json:"user_id"`
	ProfileContent         string            `json:"profile_content"`
	GeneratedFromRequestID string            `json:"generated_from_request_id,omitempty"`
	LastModifiedTimestamp  int64             `json:"last_modified_timestamp"`
	ExpirationTimestamp    int64             `json:"expiration_timestamp,omitempty"`
	Source                 string            `json:"source,omitempty"`
	Status                 Status            `json:"status,omitempty"`
	CustomFeatures         map[string]string `json:"custom_features,omitempty"`
	Embedding              []float32         `json:"-"`

	// PreviouslyArchived marks rows that were already ARCHIVED before the
	// latest upgrade began. Upgrade deletes exactly these rows in its third
	// step, so an interrupted upgrade can tell old archives from the ones
	// it just created.
	PreviouslyArchived bool `json:"-"`
}

// ProfileChangeLog records one applied profile diff for a user.
type ProfileChangeLog struct {
	ChangeID  string   `json:"change_id"`
	UserID    string   `json:"user_id"`
	RequestID string   `json:"request_id"`
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Mentioned []string `json:"mentioned"`
	CreatedAt int64    `json:"created_at"`
}

// NormalizeProfileContent is the canonical form under which two profile
// contents count as "the same fact": lower-cased, whitespace collapsed to
// single spaces, and a trailing period stripped.
func NormalizeProfileContent(content string) string {
	s := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	return strings.TrimSuffix(s, ".")
}

// ============================================================================
// Feedback
// ============================================================================

// BlockingIssueKind classifies a capability gap that prevented the agent
// from completing a request.
type BlockingIssueKind string

const (
	BlockingMissingTool        BlockingIssueKind = "MISSING_TOOL"
	BlockingPermissionDenied   BlockingIssueKind = "PERMISSION_DENIED"
	BlockingExternalDependency BlockingIssueKind = "EXTERNAL_DEPENDENCY"
	BlockingPolicyRestriction  BlockingIssueKind = "POLICY_RESTRICTION"
)

// BlockingIssue is an optional typed capability gap attached to feedback.
type BlockingIssue struct {
	Kind    BlockingIssueKind `json:"kind"`
	Details string            `json:"details,omitempty"`
}

// RawFeedback is one structured developer-facing observation extracted from
// a single request. The structured do/don't/when fields are canonical;
// FeedbackContent keeps the pre-structuring text for audit.
type RawFeedback struct {
	RawFeedbackID   string         `json:"raw_feedback_id"`
	OrgID           string         `json:"org_id"`
	AgentVersion    string         `json:"agent_version"`
	RequestID       string         `json:"request_id"`
	FeedbackName    string         `json:"feedback_name"`
	CreatedAt       int64          `json:"created_at"`
	FeedbackContent string         `json:"feedback_content"`
	DoAction        string         `json:"do_action"`
	DoNotAction     string         `json:"do_not_action"`
	WhenCondition   string         `json:"when_condition"`
	BlockingIssue   *BlockingIssue `json:"blocking_issue,omitempty"`
	IndexedContent  string         `json:"indexed_content"`
	Status          Status         `json:"status,omitempty"`
	Embedding       []float32      `json:"-"`
}

// DeriveIndexedContent builds the text the embedding is computed from.
func DeriveIndexedContent(whenCondition, doAction, doNotAction string) string {
	return strings.TrimSpace(whenCondition + " " + doAction + " " + doNotAction)
}

// AggregatedFeedback is the consolidated form of a cluster of raw feedbacks.
type AggregatedFeedback struct {
	FeedbackID      string            `json:"feedback_id"`
	OrgID           string            `json:"org_id"`
	FeedbackName    string            `json:"feedback_name"`
	AgentVersion    string            `json:"agent_version"`
	FeedbackContent string            `json:"feedback_content"`
	DoAction        string            `json:"do_action"`
	DoNotAction     string            `json:"do_not_action"`
	WhenCondition   string            `json:"when_condition"`
	BlockingIssue   *BlockingIssue    `json:"blocking_issue,omitempty"`
	FeedbackStatus  FeedbackStatus    `json:"feedback_status"`
	Metadata        map[string]string `json:"feedback_metadata,omitempty"`
	Status          Status            `json:"status,omitempty"`
	CreatedAt       int64             `json:"created_at"`
	Embedding       []float32         `json:"-"`
}

// ============================================================================
// Evaluation
// ============================================================================

// Comparison is the relative judgment between the regular and shadow answer.
type Comparison string

const (
	RegularIsBetter         Comparison = "REGULAR_IS_BETTER"
	RegularIsSlightlyBetter Comparison = "REGULAR_IS_SLIGHTLY_BETTER"
	ShadowIsBetter          Comparison = "SHADOW_IS_BETTER"
	ShadowIsSlightlyBetter  Comparison = "SHADOW_IS_SLIGHTLY_BETTER"
	Tied                    Comparison = "TIED"
)

// EvaluationResult is the per-request success judgment for one evaluator.
type EvaluationResult struct {
	ResultID          string     `json:"result_id"`
	OrgID             string     `json:"org_id"`
	RequestID         string     `json:"request_id"`
	AgentVersion      string     `json:"agent_version"`
	EvaluationName    string     `json:"evaluation_name"`
	IsSuccess         bool       `json:"is_success"`
	FailureType       string     `json:"failure_type,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	AgentPromptUpdate string     `json:"agent_prompt_update,omitempty"`
	RegularVsShadow   Comparison `json:"regular_vs_shadow,omitempty"`
	CreatedAt         int64      `json:"created_at"`
	Embedding         []float32  `json:"-"`
}
