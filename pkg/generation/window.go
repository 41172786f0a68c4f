// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package generation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/teradata-labs/reflexio/pkg/types"
)

// DefaultWindowTokenBudget caps how much conversation text goes into one
// extraction prompt.
const DefaultWindowTokenBudget = 8000

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens approximates prompt size with the cl100k_base encoding.
// When the encoding cannot be loaded it falls back to a character
// heuristic rather than failing the extraction.
func countTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return len(text) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// FormatTurn renders one interaction as a conversation line.
func FormatTurn(in *types.Interaction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", in.Role, in.Content)
	for _, tool := range in.ToolsUsed {
		fmt.Fprintf(&b, "\n  [tool: %s]", tool.ToolName)
	}
	return b.String()
}

// FormatConversation renders a window oldest-first for prompt insertion.
// When the rendered text exceeds tokenBudget, the oldest turns are
// dropped first; the newest turn is always kept even if oversized.
// tokenBudget <= 0 uses DefaultWindowTokenBudget.
func FormatConversation(window []*types.Interaction, tokenBudget int) string {
	if len(window) == 0 {
		return ""
	}
	if tokenBudget <= 0 {
		tokenBudget = DefaultWindowTokenBudget
	}

	lines := make([]string, len(window))
	for i, in := range window {
		lines[i] = FormatTurn(in)
	}

	start := 0
	for start < len(lines)-1 {
		text := strings.Join(lines[start:], "\n")
		if countTokens(text) <= tokenBudget {
			break
		}
		start++
	}
	return strings.Join(lines[start:], "\n")
}

// FormatShadowConversation renders the window with agent turns replaced
// by their shadow replies where present. Used for A/B evaluation.
func FormatShadowConversation(window []*types.Interaction, tokenBudget int) string {
	shadow := make([]*types.Interaction, len(window))
	for i, in := range window {
		if in.Role == types.RoleAgent && in.ShadowContent != "" {
			clone := *in
			clone.Content = in.ShadowContent
			shadow[i] = &clone
		} else {
			shadow[i] = in
		}
	}
	return FormatConversation(shadow, tokenBudget)
}

// HasShadowContent reports whether any agent turn carries a shadow reply.
func HasShadowContent(window []*types.Interaction) bool {
	for _, in := range window {
		if in.Role == types.RoleAgent && in.ShadowContent != "" {
			return true
		}
	}
	return false
}
