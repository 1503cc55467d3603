// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inference

import (
	"strings"
	"testing"

	"github.com/agent-forge/agentforge/internal/core"
)

func TestClassify_WaitingInput(t *testing.T) {
	t.Parallel()

	current := "Edit file foo.go?\nDo you want to proceed?\n❯ 1. Yes\n  2. No\n"
	got := Classify(current, current, core.StatusWorking)
	if got != core.StatusWaitingInput {
		t.Errorf("Classify = %v, want %v", got, core.StatusWaitingInput)
	}
}

func TestClassify_Error(t *testing.T) {
	t.Parallel()

	current := "running build...\nError: exit status 1\n"
	got := Classify(current, "running build...\n", core.StatusWorking)
	if got != core.StatusError {
		t.Errorf("Classify = %v, want %v", got, core.StatusError)
	}
}

func TestClassify_IdleWhenUnchangedWithPrompt(t *testing.T) {
	t.Parallel()

	current := "done.\n$ "
	got := Classify(current, current, core.StatusWorking)
	if got != core.StatusIdle {
		t.Errorf("Classify = %v, want %v", got, core.StatusIdle)
	}
}

func TestClassify_WorkingWhenContentChanges(t *testing.T) {
	t.Parallel()

	previous := "line one\nline two\n"
	current := "line one\nline two\nline three\n"
	got := Classify(current, previous, core.StatusIdle)
	if got != core.StatusWorking {
		t.Errorf("Classify = %v, want %v", got, core.StatusWorking)
	}
}

func TestClassify_RetainsPriorStatusWhenUnchangedNoPrompt(t *testing.T) {
	t.Parallel()

	current := "some mid-sentence output without a prompt char"
	got := Classify(current, current, core.StatusWorking)
	if got != core.StatusWorking {
		t.Errorf("Classify = %v, want %v (retain prior)", got, core.StatusWorking)
	}
}

func TestClassify_EmptyCaptureIsIdle(t *testing.T) {
	t.Parallel()

	if got := Classify("", "", core.StatusWorking); got != core.StatusIdle {
		t.Errorf("Classify(empty) = %v, want %v", got, core.StatusIdle)
	}
}

func TestExtractPromptText(t *testing.T) {
	t.Parallel()

	raw := "Some context line\nAnother line\n\nEdit internal/foo.go?\nDo you want to proceed?\n❯ 1. Yes\n"
	got := ExtractPromptText(raw)
	if !strings.Contains(got, "Do you want to proceed?") {
		t.Errorf("ExtractPromptText = %q, want it to contain the prompt question", got)
	}
}

func TestExtractResponse_SkipsToolCallsAndFindsLastTextBlock(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		"⏺ I'll look at the file now.",
		"⏺ Read(internal/core/agent.go)",
		"⎿  Read 42 lines",
		"⏺ The agent table is keyed by id, and the scheduler polls it every 3s.",
		"  This is the final word on the matter.",
	}, "\n")

	got := ExtractResponse(raw)
	if !strings.Contains(got, "scheduler polls it every 3s") {
		t.Errorf("ExtractResponse = %q, want the last text block", got)
	}
	if strings.Contains(got, "Read(internal/core/agent.go)") {
		t.Errorf("ExtractResponse = %q, should not include the tool-call block", got)
	}
}

func TestExtractResponse_NoneWhenLastBlockIsToolCall(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		"⏺ Here is my answer.",
		"⏺ Bash(go test ./...)",
		"⎿  ok",
	}, "\n")

	if got := ExtractResponse(raw); got != "" {
		t.Errorf("ExtractResponse = %q, want empty when last block is a tool call", got)
	}
}

func TestExtractActivitySummary_FiltersNoise(t *testing.T) {
	t.Parallel()

	raw := strings.Join([]string{
		"───────────────",
		"✻ Thinking…",
		"actual useful line about the task",
		"❯",
		"another useful line",
	}, "\n")

	got := ExtractActivitySummary(raw)
	if strings.Contains(got, "Thinking") || strings.Contains(got, "───") {
		t.Errorf("ExtractActivitySummary = %q, should filter noise lines", got)
	}
	if !strings.Contains(got, "actual useful line") {
		t.Errorf("ExtractActivitySummary = %q, want it to retain useful lines", got)
	}
}
