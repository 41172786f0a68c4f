// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package generation holds the machinery shared by the profile, feedback
// and evaluation services: extractor selection, stride-gated interaction
// windows, and the bounded parallel extractor runner.
package generation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teradata-labs/reflexio/pkg/config"
	"github.com/teradata-labs/reflexio/pkg/opstate"
	"github.com/teradata-labs/reflexio/pkg/types"
)

// Concurrency and deadline budget for a publish.
const (
	// PublishDeadline bounds the whole publish call.
	PublishDeadline = 600 * time.Second

	// ServiceTimeout bounds each of the three generation services.
	ServiceTimeout = 600 * time.Second

	// ExtractorTimeout is the per-extractor safety net.
	ExtractorTimeout = 300 * time.Second

	// ServicePoolSize bounds services running per publish.
	ServicePoolSize = 3

	// ExtractorPoolSize bounds extractors running per service.
	ExtractorPoolSize = 8
)

// Mode distinguishes how a generation run was triggered.
type Mode string

const (
	// ModeRegular is the on-publish run: stride-checked, output CURRENT.
	ModeRegular Mode = "regular"

	// ModeManual skips the stride check, output CURRENT.
	ModeManual Mode = "manual"

	// ModeRerun skips the stride check and writes PENDING output for a
	// later upgrade.
	ModeRerun Mode = "rerun"
)

// RunParams is the runtime configuration of one service run.
type RunParams struct {
	OrgID        string
	UserID       string
	Source       string
	AgentVersion string
	RequestID    string

	// StartTime/EndTime optionally bound the interactions considered
	// (rerun over a time range). Zero means unbounded.
	StartTime int64
	EndTime   int64

	// ExtractorNames restricts the run to these extractors when non-empty.
	ExtractorNames []string

	Mode Mode
}

// OutputStatus is the lifecycle status newly generated content gets.
func (p RunParams) OutputStatus() types.Status {
	if p.Mode == ModeRerun {
		return types.StatusPending
	}
	return types.StatusCurrent
}

// StrideChecked reports whether the stride gate applies to this run.
func (p RunParams) StrideChecked() bool {
	return p.Mode == ModeRegular
}

// SelectExtractors filters the static extractor configs down to the ones
// this run should execute: enabled, matching the request source, allowed
// by the explicit name allowlist, and not manual-only on a regular run.
func SelectExtractors(extractors []config.ExtractorConfig, p RunParams) []config.ExtractorConfig {
	allow := make(map[string]struct{}, len(p.ExtractorNames))
	for _, name := range p.ExtractorNames {
		allow[name] = struct{}{}
	}

	var out []config.ExtractorConfig
	for _, e := range extractors {
		if e.Disabled {
			continue
		}
		if p.Source != "" && !e.AppliesToSource(p.Source) {
			continue
		}
		if e.ManualTriggerOnly && p.Mode == ModeRegular {
			continue
		}
		if len(allow) > 0 {
			if _, ok := allow[e.Name]; !ok {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// EffectiveWindow resolves the window parameters for one extractor:
// per-extractor overrides fall back to the org-level globals.
func EffectiveWindow(org *config.OrgConfig, e config.ExtractorConfig) (windowSize, stride int) {
	windowSize = org.ExtractionWindowSize
	if e.WindowSize > 0 {
		windowSize = e.WindowSize
	}
	stride = org.ExtractionStride
	if e.Stride > 0 {
		stride = e.Stride
	}
	return windowSize, stride
}

// WindowStore is the interaction access the window planner needs.
// *storage.Store implements it.
type WindowStore interface {
	LatestInteraction(ctx context.Context, userID string) (*types.Interaction, error)
	CountInteractionsSince(ctx context.Context, userID string, sinceTs int64) (int, error)
	InteractionWindow(ctx context.Context, userID string, endTs int64, n int) ([]*types.Interaction, error)
}

// WindowPlan is the prepared input for one extractor run.
type WindowPlan struct {
	// Skip is set when there is nothing to do: no interactions, or too
	// few new ones on a stride-checked run.
	Skip bool

	// Interactions is the context window, oldest first. It reaches back
	// before the bookmark on purpose.
	Interactions []*types.Interaction

	// NewCount is how many interactions arrived since the bookmark.
	NewCount int

	// Bookmark is the cursor to advance to after successful persistence.
	Bookmark opstate.Bookmark
}

// PrepareWindow reads the extractor's bookmark, applies the stride gate
// and loads the context window ending at the newest eligible interaction.
func PrepareWindow(ctx context.Context, store WindowStore, states *opstate.Manager, bookmarkKey string, windowSize, stride int, p RunParams) (*WindowPlan, error) {
	latest, err := store.LatestInteraction(ctx, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("load latest interaction: %w", err)
	}
	if latest == nil {
		return &WindowPlan{Skip: true}, nil
	}

	var sinceTs int64
	bookmark, err := states.GetBookmark(ctx, bookmarkKey)
	if err != nil {
		return nil, fmt.Errorf("load bookmark: %w", err)
	}
	if bookmark != nil {
		sinceTs = bookmark.LastProcessedTs
	}

	newCount, err := store.CountInteractionsSince(ctx, p.UserID, sinceTs)
	if err != nil {
		return nil, fmt.Errorf("count new interactions: %w", err)
	}
	if p.StrideChecked() && newCount < stride {
		return &WindowPlan{Skip: true, NewCount: newCount}, nil
	}

	endTs := latest.CreatedAt
	if p.EndTime > 0 && p.EndTime < endTs {
		endTs = p.EndTime
	}
	window, err := store.InteractionWindow(ctx, p.UserID, endTs, windowSize)
	if err != nil {
		return nil, fmt.Errorf("load interaction window: %w", err)
	}
	if p.StartTime > 0 {
		trimmed := window[:0]
		for _, in := range window {
			if in.CreatedAt >= p.StartTime {
				trimmed = append(trimmed, in)
			}
		}
		window = trimmed
	}
	if len(window) == 0 {
		return &WindowPlan{Skip: true, NewCount: newCount}, nil
	}

	last := window[len(window)-1]
	return &WindowPlan{
		Interactions: window,
		NewCount:     newCount,
		Bookmark: opstate.Bookmark{
			LastProcessedInteractionID: last.InteractionID,
			LastProcessedTs:            last.CreatedAt,
		},
	}, nil
}

// RunExtractors executes run for every extractor in a bounded pool with
// a per-extractor timeout. A failure or panic in one extractor never
// cancels the others; the returned map carries one entry per failed
// extractor.
func RunExtractors(ctx context.Context, logger *zap.Logger, extractors []config.ExtractorConfig, workers int, timeout time.Duration, run func(ctx context.Context, e config.ExtractorConfig) error) map[string]error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = ExtractorPoolSize
	}
	if timeout <= 0 {
		timeout = ExtractorTimeout
	}

	var mu sync.Mutex
	failures := make(map[string]error)

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, e := range extractors {
		extractor := e
		g.Go(func() error {
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			err := func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("extractor panicked: %v", r)
					}
				}()
				return run(runCtx, extractor)
			}()

			if err != nil {
				logger.Warn("Extractor failed",
					zap.String("extractor", extractor.Name),
					zap.Error(err))
				mu.Lock()
				failures[extractor.Name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}
