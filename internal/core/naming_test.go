// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"regexp"
	"testing"
)

func TestNewAgentID(t *testing.T) {
	t.Parallel()

	id := NewAgentID()
	if len(id) != 6 {
		t.Fatalf("NewAgentID() = %q, want length 6", id)
	}
	if !regexp.MustCompile(`^[0-9a-f]{6}$`).MatchString(id) {
		t.Errorf("NewAgentID() = %q, want lowercase hex", id)
	}
}

func TestSessionName(t *testing.T) {
	t.Parallel()

	got := SessionName("iree", "a1b2c3")
	want := "forge__iree__a1b2c3"
	if got != want {
		t.Errorf("SessionName() = %q, want %q", got, want)
	}
}

func TestBranchName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prefix string
		id     string
		task   string
		want   string
	}{
		{
			name:   "spec scenario 3",
			prefix: "agent",
			id:     "a1b2c3",
			task:   "Fix the N+1 query!",
			want:   "agent/a1b2c3/fix-the-n-1-query",
		},
		{
			name:   "empty task falls back to untitled",
			prefix: "agent",
			id:     "abcdef",
			task:   "",
			want:   "agent/abcdef/untitled",
		},
		{
			name:   "punctuation-only task falls back to untitled",
			prefix: "agent",
			id:     "abcdef",
			task:   "!!!",
			want:   "agent/abcdef/untitled",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			got := BranchName(test.prefix, test.id, test.task)
			if got != test.want {
				t.Errorf("BranchName(%q, %q, %q) = %q, want %q",
					test.prefix, test.id, test.task, got, test.want)
			}
		})
	}
}

func TestSlugify_CapsLength(t *testing.T) {
	t.Parallel()

	longTask := "this is a very long task description that goes on and on and on and on and on and on and on"
	slug := Slugify(longTask)
	if len(slug) > maxSlugLength {
		t.Errorf("Slugify() length = %d, want <= %d", len(slug), maxSlugLength)
	}
	if slug[len(slug)-1] == '-' {
		t.Errorf("Slugify() = %q, should not end with a hyphen", slug)
	}
}

func TestStatus_Valid(t *testing.T) {
	t.Parallel()

	for _, status := range []Status{StatusStarting, StatusWorking, StatusWaitingInput, StatusIdle, StatusError, StatusStopped} {
		if !status.Valid() {
			t.Errorf("Status(%q).Valid() = false, want true", status)
		}
	}
	if Status("bogus").Valid() {
		t.Error("Status(\"bogus\").Valid() = true, want false")
	}
}

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	if !StatusStopped.Terminal() {
		t.Error("StatusStopped.Terminal() = false, want true")
	}
	if StatusIdle.Terminal() {
		t.Error("StatusIdle.Terminal() = true, want false")
	}
}
