// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import "time"

// EventKind is the closed set of event-log entry kinds (spec.md §4.3).
type EventKind string

const (
	EventSpawned        EventKind = "spawned"
	EventKilled         EventKind = "killed"
	EventRestarted      EventKind = "restarted"
	EventStatusChange   EventKind = "status-change"
	EventUserMessage    EventKind = "user-message"
	EventAgentResponse  EventKind = "agent-response"
	EventWaitingInput   EventKind = "waiting-input"
	EventSubAgentStart  EventKind = "sub-agent-start"
	EventSubAgentStop   EventKind = "sub-agent-stop"
	EventError          EventKind = "error"
	EventRecovered      EventKind = "recovered"
	EventCrashed        EventKind = "crashed"
)

// Event is one append-only entry in the event log. Timestamps are
// monotonically non-decreasing per agent, enforced by the store, which
// serializes all writes under a single store-wide write lock.
type Event struct {
	ID        int64
	AgentID   string
	Project   string
	Kind      EventKind
	Payload   map[string]any
	Timestamp time.Time
}

// Snapshot is the latest durable image of an agent's fields, at most
// one row per agent-id, overwritten on every change.
type Snapshot struct {
	AgentID         string
	Project         string
	SessionName     string
	BranchName      string
	Status          Status
	Task            string
	Profile         string
	CreatedAt       time.Time
	LastActivity    time.Time
	LastResponse    string
	LastUserMessage string
	SubAgentCount   int
	Location        Location
	Parked          bool
}

// FromAgent projects the durable subset of an Agent's fields into a
// Snapshot.
func FromAgent(agent Agent) Snapshot {
	return Snapshot{
		AgentID:         agent.ID,
		Project:         agent.Project,
		SessionName:     agent.SessionName,
		BranchName:      agent.BranchName,
		Status:          agent.Status,
		Task:            agent.Task,
		Profile:         agent.ProfileName,
		CreatedAt:       agent.CreatedAt,
		LastActivity:    agent.LastActivityAt,
		LastResponse:    agent.LastResponse,
		LastUserMessage: agent.LastUserMessage,
		SubAgentCount:   agent.SubAgentCount,
		Location:        agent.Location,
		Parked:          agent.Parked,
	}
}
