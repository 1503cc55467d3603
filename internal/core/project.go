// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

// Project is a registered git repository agents can be spawned into.
type Project struct {
	Name            string
	Path            string // must be a git repository; validated by the workspace provisioner.
	DefaultBranch   string
	MaxAgents       int // >= 0; 0 means the project accepts no agents.
	Description     string
	AgentInstructions string
	ContextFiles      []string
	Sandbox           string // sandbox policy name, empty = disabled.
	CatalogDir        string // optional catalog/skill directory replicated into every spawn.
	Channels          []ChannelBinding
}

// ChannelBinding associates one chat-platform channel with a project.
// (ConnectorID, ChannelID) is unique within a project's binding set —
// enforced by the caller that constructs the binding list, not by this
// type.
type ChannelBinding struct {
	ConnectorID string
	ChannelID   string
	ChannelName string
	Inbound     bool
	Outbound    bool
}

// StartDirective is one step of a Profile's post-spawn start sequence.
type StartDirective struct {
	Action string // one of: wait, send, wait_for_idle
	Value  string // seconds (wait, wait_for_idle) or literal text (send)
}

// Profile is a reusable bundle of system prompt, instructions, and
// post-boot scripted actions, selectable at spawn time.
type Profile struct {
	Name          string
	Description   string
	SystemPrompt  string
	Instructions  string
	StartSequence []StartDirective
}
