// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// NewAgentID returns a fresh 6-character lowercase hex agent id,
// derived from a UUIDv4's leading bytes. Collision against the live
// agent table is the Agent Manager's responsibility (regenerate on
// collision), not this function's.
func NewAgentID() string {
	id := uuid.New()
	return strings.ToLower(strings.ReplaceAll(id.String(), "-", ""))[:6]
}

// SessionName formats the tmux session name for an agent. Session
// names MUST match forge__{project}__{6-hex} — other components parse
// this, per spec.md §4.1.
func SessionName(project, agentID string) string {
	return fmt.Sprintf("forge__%s__%s", project, agentID)
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// maxSlugLength caps the task-derived portion of a branch name so that
// git refs and tmux identifiers stay well within platform limits even
// for long task descriptions.
const maxSlugLength = 48

// Slugify lower-cases s, replaces runs of non-alphanumeric characters
// with a single hyphen, trims leading/trailing hyphens, and caps the
// result to maxSlugLength characters (trimming back to the last
// complete hyphen-delimited word where possible).
func Slugify(s string) string {
	lowered := strings.ToLower(s)
	slug := nonAlphanumeric.ReplaceAllString(lowered, "-")
	slug = strings.Trim(slug, "-")

	if len(slug) <= maxSlugLength {
		return slug
	}

	truncated := slug[:maxSlugLength]
	if lastHyphen := strings.LastIndexByte(truncated, '-'); lastHyphen > maxSlugLength/2 {
		truncated = truncated[:lastHyphen]
	}
	return strings.Trim(truncated, "-")
}

// BranchName formats the dedicated branch name for a newly spawned
// agent: {prefix}/{id}/{slug(task)}, per spec.md §4.2.
func BranchName(prefix, agentID, task string) string {
	slug := Slugify(task)
	if slug == "" {
		slug = "untitled"
	}
	return prefix + "/" + agentID + "/" + slug
}
