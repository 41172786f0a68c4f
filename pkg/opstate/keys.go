// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package opstate is the durable coordination layer: in-progress locks
// with pending-request queuing, per-extractor bookmarks, batch progress,
// cooperative cancellation, and cluster fingerprint maps. Everything is
// keyed uniformly and stored as JSON rows behind an atomic conditional
// upsert.
package opstate

import "strings"

// Separator joins key segments.
const Separator = "::"

// Service names used in operation-state keys.
const (
	ServiceProfile     = "profile"
	ServiceFeedback    = "feedback"
	ServiceEvaluation  = "evaluation"
	ServiceAggregation = "aggregation"
	ServiceVersioning  = "versioning"
)

func join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, Separator)
}

// ProgressKey is `{service}::{org_id}::progress`.
func ProgressKey(service, orgID string) string {
	return join(service, orgID, "progress")
}

// LockKey is `{service}::{org_id}[::scope]::lock`. The profile service
// passes the user id as scope; feedback and evaluation lock per org.
func LockKey(service, orgID, scope string) string {
	return join(service, orgID, scope, "lock")
}

// SimpleLockKey is `{service}::{org_id}::simple-lock`.
func SimpleLockKey(service, orgID string) string {
	return join(service, orgID, "simple-lock")
}

// BookmarkKey is `{service}::{org_id}[::scope]::{extractor_name}`.
func BookmarkKey(service, orgID, scope, extractorName string) string {
	return join(service, orgID, scope, extractorName)
}

// ClustersKey is `{service}::{org_id}::{feedback_name}[::version]::clusters`.
func ClustersKey(service, orgID, feedbackName, agentVersion string) string {
	return join(service, orgID, feedbackName, agentVersion, "clusters")
}

// CancellationKey is `{service}::{org_id}::cancellation`. A separate row
// from progress so cancel requests never race progress writes.
func CancellationKey(service, orgID string) string {
	return join(service, orgID, "cancellation")
}
