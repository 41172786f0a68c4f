// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package evaluation judges published requests: LLM-as-judge success
// evaluation per configured evaluator, and shadow A/B comparison when a
// request carries alternative agent replies.
package evaluation

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/reflexio/pkg/config"
	"github.com/teradata-labs/reflexio/pkg/generation"
	"github.com/teradata-labs/reflexio/pkg/llm"
	"github.com/teradata-labs/reflexio/pkg/prompts"
	"github.com/teradata-labs/reflexio/pkg/storage"
	"github.com/teradata-labs/reflexio/pkg/types"
)

// successJudgment is the structured output of the success prompt.
type successJudgment struct {
	IsSuccess         bool   `json:"is_success"`
	FailureType       string `json:"failure_type,omitempty"`
	FailureReason     string `json:"failure_reason,omitempty"`
	AgentPromptUpdate string `json:"agent_prompt_update,omitempty"`
}

// shadowJudgment is the structured output of the shadow prompt. Success is
// judged per position because the judge cannot know which side holds the
// production reply; the caller selects the regular side after undoing the
// random assignment.
type shadowJudgment struct {
	IsSuccessA        bool   `json:"is_success_a"`
	FailureTypeA      string `json:"failure_type_a,omitempty"`
	FailureReasonA    string `json:"failure_reason_a,omitempty"`
	IsSuccessB        bool   `json:"is_success_b"`
	FailureTypeB      string `json:"failure_type_b,omitempty"`
	FailureReasonB    string `json:"failure_reason_b,omitempty"`
	AgentPromptUpdate string `json:"agent_prompt_update,omitempty"`
	Comparison        string `json:"comparison"`
}

var (
	successSchema = llm.MustResponseSchema("success_judgment",
		"Whether the agent request met the success definition.",
		successJudgment{})

	shadowSchema = llm.MustResponseSchema("shadow_judgment",
		"Success judgment plus a positional comparison of two agent replies.",
		shadowJudgment{})
)

// Service is the evaluation service.
type Service struct {
	store    *storage.Store
	provider llm.Provider
	registry *prompts.Registry
	logger   *zap.Logger
	now      func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewService wires the evaluation service. seed fixes the A/B position
// assignment for tests; pass 0 for a time-based seed.
func NewService(store *storage.Store, provider llm.Provider, registry *prompts.Registry, logger *zap.Logger, seed int64) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Service{
		store:    store,
		provider: provider,
		registry: registry,
		logger:   logger,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Run evaluates one published request against every applicable evaluator.
// Per-evaluator failures come back in the map; the pass itself still
// succeeds. A request already judged under an evaluation name is never
// judged again.
func (s *Service) Run(ctx context.Context, org *config.OrgConfig, p generation.RunParams) (map[string]error, error) {
	if p.RequestID == "" || len(org.Evaluations) == 0 {
		return nil, nil
	}

	interactions, err := s.store.GetInteractions(ctx, p.RequestID)
	if err != nil {
		return nil, fmt.Errorf("load interactions: %w", err)
	}
	if len(interactions) == 0 {
		return nil, nil
	}

	failures := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range org.Evaluations {
		eval := org.Evaluations[i]
		if !eval.AppliesToSource(p.Source) {
			continue
		}
		if !Sampled(p.RequestID, eval.SamplingRate) {
			continue
		}
		done, err := s.store.HasEvaluationResult(ctx, p.OrgID, p.RequestID, eval.EvaluationName)
		if err != nil {
			return nil, fmt.Errorf("check prior judgment: %w", err)
		}
		if done {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("evaluation panicked: %v", r)
					}
				}()
				return s.evaluate(ctx, eval, interactions, p)
			}()
			if err != nil {
				s.logger.Warn("Evaluation failed",
					zap.String("evaluation", eval.EvaluationName),
					zap.Error(err))
				mu.Lock()
				failures[eval.EvaluationName] = err
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(failures) == 0 {
		return nil, nil
	}
	return failures, nil
}

func (s *Service) evaluate(ctx context.Context, eval config.AgentSuccessConfig, interactions []*types.Interaction, p generation.RunParams) error {
	var result *types.EvaluationResult
	var err error
	if generation.HasShadowContent(interactions) {
		result, err = s.judgeShadow(ctx, eval, interactions, p)
	} else {
		result, err = s.judgeSuccess(ctx, eval, interactions, p)
	}
	if err != nil {
		return err
	}
	return s.store.InsertEvaluationResult(ctx, result)
}

func (s *Service) judgeSuccess(ctx context.Context, eval config.AgentSuccessConfig, interactions []*types.Interaction, p generation.RunParams) (*types.EvaluationResult, error) {
	prompt, err := s.registry.Get(prompts.KeyEvaluationSuccess, map[string]interface{}{
		"success_definition": eval.SuccessDefinition,
		"tool_set":           strings.Join(eval.ToolSet, ", "),
		"action_space":       eval.ActionSpace,
		"conversation":       generation.FormatConversation(interactions, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("render success prompt: %w", err)
	}

	var out successJudgment
	err = llm.GenerateWithRetry(ctx, func(ctx context.Context) error {
		return s.provider.GenerateStructured(ctx, []llm.Message{
			{Role: "user", Content: prompt},
		}, successSchema, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("evaluation %s: %w", eval.EvaluationName, err)
	}

	return &types.EvaluationResult{
		ResultID:          uuid.NewString(),
		OrgID:             p.OrgID,
		RequestID:         p.RequestID,
		AgentVersion:      p.AgentVersion,
		EvaluationName:    eval.EvaluationName,
		IsSuccess:         out.IsSuccess,
		FailureType:       out.FailureType,
		FailureReason:     out.FailureReason,
		AgentPromptUpdate: out.AgentPromptUpdate,
		CreatedAt:         s.now().Unix(),
	}, nil
}

// judgeShadow compares the regular and shadow replies. Which side appears
// as "Request A" is decided by a coin flip so position bias cancels out
// over many requests; both the comparison and the per-position success
// verdicts are mapped back afterwards, so the stored is_success always
// describes the regular reply.
func (s *Service) judgeShadow(ctx context.Context, eval config.AgentSuccessConfig, interactions []*types.Interaction, p generation.RunParams) (*types.EvaluationResult, error) {
	regular := generation.FormatConversation(interactions, 0)
	shadow := generation.FormatShadowConversation(interactions, 0)

	s.mu.Lock()
	regularIsA := s.rng.Intn(2) == 0
	s.mu.Unlock()

	conversationA, conversationB := regular, shadow
	if !regularIsA {
		conversationA, conversationB = shadow, regular
	}

	prompt, err := s.registry.Get(prompts.KeyEvaluationShadow, map[string]interface{}{
		"success_definition": eval.SuccessDefinition,
		"tool_set":           strings.Join(eval.ToolSet, ", "),
		"action_space":       eval.ActionSpace,
		"conversation_a":     conversationA,
		"conversation_b":     conversationB,
	})
	if err != nil {
		return nil, fmt.Errorf("render shadow prompt: %w", err)
	}

	var out shadowJudgment
	err = llm.GenerateWithRetry(ctx, func(ctx context.Context) error {
		return s.provider.GenerateStructured(ctx, []llm.Message{
			{Role: "user", Content: prompt},
		}, shadowSchema, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("evaluation %s: %w", eval.EvaluationName, err)
	}

	comparison, err := mapComparison(out.Comparison, regularIsA)
	if err != nil {
		return nil, fmt.Errorf("evaluation %s: %w", eval.EvaluationName, err)
	}

	isSuccess, failureType, failureReason := out.IsSuccessA, out.FailureTypeA, out.FailureReasonA
	if !regularIsA {
		isSuccess, failureType, failureReason = out.IsSuccessB, out.FailureTypeB, out.FailureReasonB
	}

	return &types.EvaluationResult{
		ResultID:          uuid.NewString(),
		OrgID:             p.OrgID,
		RequestID:         p.RequestID,
		AgentVersion:      p.AgentVersion,
		EvaluationName:    eval.EvaluationName,
		IsSuccess:         isSuccess,
		FailureType:       failureType,
		FailureReason:     failureReason,
		AgentPromptUpdate: out.AgentPromptUpdate,
		RegularVsShadow:   comparison,
		CreatedAt:         s.now().Unix(),
	}, nil
}

// mapComparison translates the judge's positional verdict into the stored
// regular-vs-shadow comparison, undoing the random position assignment.
func mapComparison(verdict string, regularIsA bool) (types.Comparison, error) {
	type pair struct{ whenRegularA, whenShadowA types.Comparison }
	table := map[string]pair{
		"A_IS_BETTER":          {types.RegularIsBetter, types.ShadowIsBetter},
		"A_IS_SLIGHTLY_BETTER": {types.RegularIsSlightlyBetter, types.ShadowIsSlightlyBetter},
		"B_IS_BETTER":          {types.ShadowIsBetter, types.RegularIsBetter},
		"B_IS_SLIGHTLY_BETTER": {types.ShadowIsSlightlyBetter, types.RegularIsSlightlyBetter},
		"TIED":                 {types.Tied, types.Tied},
	}
	p, ok := table[verdict]
	if !ok {
		return "", fmt.Errorf("unknown comparison verdict %q", verdict)
	}
	if regularIsA {
		return p.whenRegularA, nil
	}
	return p.whenShadowA, nil
}
