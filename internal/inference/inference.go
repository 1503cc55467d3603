// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package inference implements the Status Inference Engine (spec.md
// §4.4): a pure function of (current capture, prior capture, prior
// status) that classifies a pane snapshot into one of the agent's
// discrete statuses and, on a working->idle transition, extracts the
// most recent agent response.
//
// The classification rules and their priority order, and the response
// extraction heuristics, are grounded on
// original_source/agent_forge/status_monitor.py's detect_status,
// extract_prompt_text, and extract_activity_summary, with ANSI
// stripping upgraded from the original's hand-rolled regex to
// charmbracelet/x/ansi.
package inference

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/agent-forge/agentforge/internal/core"
)

// tailWindow bounds how much of the capture is inspected for prompt
// and error pattern matching, matching the original's tail[-2000:]
// window — recent terminal activity is what determines status, not
// scrollback history.
const tailWindow = 2000

// inputPatterns indicate the agent is blocking on a permission or
// confirmation prompt. Order does not matter — the first match in the
// tail wins over any later check in classification priority, not
// within this list.
var inputPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bAllow\b`),
	regexp.MustCompile(`\bY/n\b`),
	regexp.MustCompile(`\by/N\b`),
	regexp.MustCompile(`(?i)\byes/no\b`),
	regexp.MustCompile(`(?i)\bDo you want\b`),
	regexp.MustCompile(`(?i)\[y/n\]`),
	regexp.MustCompile(`(?i)\(y/n\)`),
	regexp.MustCompile(`(?i)Press ESC to interrupt`),
}

// errorPatterns indicate a fatal or error condition in the tail.
var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bError:`),
	regexp.MustCompile(`(?i)\bfatal:`),
	regexp.MustCompile(`\bFAILED\b`),
}

// idlePromptPatterns match against the last non-empty line only, and
// indicate an agent sitting at an idle shell-style prompt.
var idlePromptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[>❯]\s*$`),
	regexp.MustCompile(`\$\s*$`),
}

// Classify applies the ordered classification rules of spec.md §4.4
// to produce the next status. current and previous are raw pane
// captures (ANSI sequences are stripped internally before matching).
func Classify(current, previous string, priorStatus core.Status) core.Status {
	if current == "" {
		return core.StatusIdle
	}

	clean := ansi.Strip(current)
	tail := lastNBytes(clean, tailWindow)

	for _, pattern := range inputPatterns {
		if pattern.MatchString(tail) {
			return core.StatusWaitingInput
		}
	}

	for _, pattern := range errorPatterns {
		if pattern.MatchString(tail) {
			return core.StatusError
		}
	}

	if lastLine := lastNonEmptyLine(tail); lastLine != "" {
		for _, pattern := range idlePromptPatterns {
			if pattern.MatchString(lastLine) {
				return core.StatusIdle
			}
		}
	}

	if normalizeTrailingBlankLines(current) != normalizeTrailingBlankLines(previous) {
		return core.StatusWorking
	}

	if priorStatus.Valid() && priorStatus != "" {
		return priorStatus
	}
	return core.StatusIdle
}

// normalizeTrailingBlankLines strips trailing blank lines before
// comparison, per spec.md §4.4's "differs is computed after
// normalizing trailing blank lines."
func normalizeTrailingBlankLines(s string) string {
	return strings.TrimRight(s, "\n\r\t ")
}

func lastNBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}
