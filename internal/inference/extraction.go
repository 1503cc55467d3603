// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inference

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// blockMarker is the character Claude Code prefixes to each top-level
// response block in its terminal UI. A line beginning with this
// marker starts either a genuine response block or a tool-call
// invocation; toolHeader distinguishes the two.
const blockMarker = "⏺"

var blockMarkerLine = regexp.MustCompile(`^\s*` + blockMarker + `\s?`)

// toolHeader matches a block-marker line whose content names a tool
// invocation rather than response prose, grounded on
// response_extractor.py's _TOOL_HEADER_RE.
var toolHeader = regexp.MustCompile(`^(Bash|Read|Edit|Write|Grep|Glob|Task|MultiEdit|NotebookEdit|WebFetch|WebSearch|AskUserQuestion|Skill|EnterPlanMode|ExitPlanMode)\(`)

// toolOutputLine matches the indented continuation lines tmux prints
// under a tool call's result, grounded on _TOOL_OUTPUT_RE (the "⎿"
// marker).
var toolOutputLine = regexp.MustCompile(`^\s*⎿`)

// noisePatterns filter lines that are Claude Code UI chrome rather
// than response or activity content: spinners, box-drawing separators,
// token-count footers, thinking indicators, and git plumbing output
// echoed by tool calls. Grounded on status_monitor.py's
// extract_activity_summary noise filter and response_extractor.py's
// richer _NOISE_RE.
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*[─━═_-]{3,}\s*$`),
	regexp.MustCompile(`^\s*[✻✢✶✽∗]\s`),
	regexp.MustCompile(`^\s*[>❯]\s*$`),
	regexp.MustCompile(`(?i)^\s*\(\d+\s+tokens?\)\s*$`),
	regexp.MustCompile(`(?i)esc to interrupt`),
	regexp.MustCompile(`(?i)^\s*thinking[.…]*\s*$`),
	regexp.MustCompile(`^\s*$`),
	regexp.MustCompile(`^\s*(diff --git|index [0-9a-f]+\.\.|---\s|\+\+\+\s|@@ )`),
	regexp.MustCompile(`^\s*\[[\w/.-]+ [0-9a-f]{7,}\]`), // git commit summary line
	regexp.MustCompile(`^\s*(On branch|Your branch|nothing to commit|Changes not staged)`),
	toolOutputLine,
}

// Clean strips ANSI escape sequences, the one normalization step every
// extraction function in this package requires before line-oriented
// pattern matching.
func Clean(raw string) string {
	return ansi.Strip(raw)
}

// ExtractPromptText returns the confirmation or input prompt an agent
// is currently blocked on, searching backward through the last 30
// lines of the capture for one of the input patterns and returning up
// to 3 lines of leading context plus the matching line. Grounded on
// status_monitor.py's extract_prompt_text.
func ExtractPromptText(raw string) string {
	lines := splitLines(Clean(raw))
	window := lastN(lines, 30)

	matchIndex := -1
	for i := len(window) - 1; i >= 0; i-- {
		for _, pattern := range inputPatterns {
			if pattern.MatchString(window[i]) {
				matchIndex = i
				break
			}
		}
		if matchIndex >= 0 {
			break
		}
	}
	if matchIndex < 0 {
		return ""
	}

	start := matchIndex - 3
	if start < 0 {
		start = 0
	}
	context := window[start : matchIndex+1]

	// Drop empty leading lines so the prompt text doesn't start with
	// blank context the terminal happened to capture.
	for len(context) > 1 && strings.TrimSpace(context[0]) == "" {
		context = context[1:]
	}
	return strings.Join(context, "\n")
}

// ExtractActivitySummary returns a short, noise-filtered tail of
// recent terminal activity suitable for a status-line summary: the
// last 15 meaningful lines of the last ~40 non-empty lines, each
// truncated to 120 characters. Grounded on status_monitor.py's
// extract_activity_summary.
func ExtractActivitySummary(raw string) string {
	lines := splitLines(Clean(raw))

	var nonEmpty []string
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			nonEmpty = append(nonEmpty, line)
		}
	}
	nonEmpty = lastN(nonEmpty, 40)

	var meaningful []string
	for _, line := range nonEmpty {
		if isNoise(line) {
			continue
		}
		meaningful = append(meaningful, truncate(line, 120))
	}
	meaningful = lastN(meaningful, 15)

	return strings.Join(meaningful, "\n")
}

// ExtractResponse returns the most recent agent-authored response
// block from the capture, or "" if the last block-marked line was a
// tool call rather than response prose. Grounded on
// response_extractor.py's extract_response_regex: search backward for
// the last block-marker line; if it is a tool-call header return "",
// otherwise collect lines forward from it until the next block-marker
// line of any kind. A capture with no block-marker line at all falls
// back to tailFallback.
func ExtractResponse(raw string) string {
	lines := splitLines(Clean(raw))

	var nonEmpty []string
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			nonEmpty = append(nonEmpty, line)
		}
	}

	responseStart := -1
	for i := len(nonEmpty) - 1; i >= 0; i-- {
		if !blockMarkerLine.MatchString(nonEmpty[i]) {
			continue
		}
		content := blockMarkerLine.ReplaceAllString(nonEmpty[i], "")
		if toolHeader.MatchString(content) {
			return ""
		}
		responseStart = i
		break
	}
	if responseStart < 0 {
		return tailFallback(nonEmpty)
	}

	block := []string{blockMarkerLine.ReplaceAllString(nonEmpty[responseStart], "")}
	for i := responseStart + 1; i < len(nonEmpty); i++ {
		if blockMarkerLine.MatchString(nonEmpty[i]) {
			break
		}
		if toolOutputLine.MatchString(nonEmpty[i]) {
			continue
		}
		block = append(block, nonEmpty[i])
	}

	return strings.TrimSpace(strings.Join(block, "\n"))
}

// tailFallback returns the largest non-blank tail block when no
// response block marker is found: the last 30 meaningful lines, with
// tool-call headers, their output lines, and UI noise stripped.
// Grounded on response_extractor.py:204-213, which falls back to the
// raw tail rather than reporting no response at all.
func tailFallback(nonEmpty []string) string {
	var meaningful []string
	for _, line := range nonEmpty {
		if toolOutputLine.MatchString(line) || isNoise(line) {
			continue
		}
		if blockMarkerLine.MatchString(line) {
			content := blockMarkerLine.ReplaceAllString(line, "")
			if toolHeader.MatchString(content) {
				continue
			}
			line = content
		}
		meaningful = append(meaningful, line)
	}
	meaningful = lastN(meaningful, 30)
	return strings.TrimSpace(strings.Join(meaningful, "\n"))
}

func isNoise(line string) bool {
	for _, pattern := range noisePatterns {
		if pattern.MatchString(line) {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
