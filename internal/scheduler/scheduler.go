// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler implements the Polling Scheduler (spec.md §4.6): a
// single periodic driver that captures each non-stopped agent's pane,
// runs the Status Inference Engine against the prior capture,
// persists any change, and dispatches side effects (attention flags,
// outbound notifications, response relay) on status transitions.
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/agent-forge/agentforge/internal/agentmanager"
	"github.com/agent-forge/agentforge/internal/broadcast"
	"github.com/agent-forge/agentforge/internal/core"
	"github.com/agent-forge/agentforge/internal/inference"
	"github.com/agent-forge/agentforge/internal/multiplexer"
	"github.com/agent-forge/agentforge/internal/store"
	"github.com/agent-forge/agentforge/lib/clock"
)

// DefaultInterval is the default poll period, per spec.md §4.6.
const DefaultInterval = 3 * time.Second

// maxLastOutputLines bounds Agent.LastOutput to the tail of the pane
// capture, per spec.md §3's "last-output (bounded)" — the field backs
// the agent-error notification's tail excerpt (spec.md §4.9) and must
// not grow with the full tmux scrollback.
const maxLastOutputLines = 200

// Notifier delivers outbound notifications to a project's bound
// channels on an agent status transition. Implemented by
// internal/connector.Router; kept as an interface here so the
// scheduler does not import the connector package's platform
// machinery.
type Notifier interface {
	NotifyTransition(ctx context.Context, agent core.Agent, from, to core.Status)
}

// Scheduler is the Polling Scheduler.
type Scheduler struct {
	Manager  *agentmanager.Manager
	Term     *multiplexer.Adapter
	Store    *store.Store
	Hub      *broadcast.Hub
	Notifier Notifier
	Clock    clock.Clock
	Interval time.Duration
	Logger   *slog.Logger

	priorCaptures map[string]string
}

// Run polls every non-stopped agent once per Interval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	if s.Clock == nil {
		s.Clock = clock.Real()
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.priorCaptures == nil {
		s.priorCaptures = make(map[string]string)
	}

	ticker := s.Clock.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one polling pass. A single agent's failure never aborts
// the pass for the others, per spec.md §7's fault-tolerance
// requirement.
func (s *Scheduler) tick(ctx context.Context) {
	for _, agent := range s.Manager.List() {
		if agent.Status.Terminal() {
			continue
		}
		s.pollOne(ctx, agent)
	}
}

func (s *Scheduler) pollOne(ctx context.Context, agent core.Agent) {
	if !s.Term.Exists(agent.SessionName) {
		s.handleStopped(ctx, agent)
		return
	}

	capture, err := s.Term.Capture(ctx, agent.SessionName, 0)
	if err != nil {
		s.Logger.Warn("scheduler: capture failed, skipping poll", "agent_id", agent.ID, "error", err)
		return
	}

	previous := s.priorCaptures[agent.ID]
	nextStatus := inference.Classify(capture, previous, agent.Status)
	s.priorCaptures[agent.ID] = capture

	tail := boundedTail(capture, maxLastOutputLines)
	s.Manager.Mutate(agent.ID, func(a *core.Agent) {
		a.LastOutput = tail
	})

	if nextStatus == agent.Status {
		return
	}

	from := agent.Status
	s.applyTransition(ctx, agent.ID, from, nextStatus, capture)
}

// boundedTail returns the last n lines of raw, matching the original
// status_monitor.py's practice of keeping agent.last_output unbounded
// in memory but excerpting only the tail for display (status_monitor.py:155).
func boundedTail(raw string, n int) string {
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func (s *Scheduler) applyTransition(ctx context.Context, agentID string, from, to core.Status, capture string) {
	ok := s.Manager.Mutate(agentID, func(agent *core.Agent) {
		agent.Status = to
		agent.LastActivityAt = s.Clock.Now()

		switch to {
		case core.StatusWaitingInput, core.StatusError:
			agent.NeedsAttention = true
		case core.StatusIdle:
			if from == core.StatusWorking {
				agent.LastResponse = inference.ExtractResponse(capture)
			}
		}
	})
	if !ok {
		return
	}
	agent, ok := s.Manager.Get(agentID)
	if !ok {
		return
	}

	s.Store.LogEvent(ctx, agent.ID, agent.Project, core.EventStatusChange, map[string]any{
		"from": string(from), "to": string(to),
	})
	if err := s.Store.SaveSnapshot(ctx, core.FromAgent(agent)); err != nil {
		s.Logger.Error("scheduler: save-snapshot failed", "agent_id", agent.ID, "error", err)
	}

	if s.Hub != nil {
		s.Hub.Publish(broadcast.Message{Kind: broadcast.KindAgentUpdate, Payload: core.FromAgent(agent)})
	}
	if s.Notifier != nil && (to == core.StatusWaitingInput || to == core.StatusError || (from == core.StatusWorking && to == core.StatusIdle) || to == core.StatusStopped) {
		s.Notifier.NotifyTransition(ctx, agent, from, to)
	}
}

// handleStopped is reached once the multiplexer no longer knows the
// session. Per spec.md §4.6, the final event is logged and the
// snapshot retained as stopped; the in-memory table only drops the
// agent on an explicit kill(), so it stays visible (as stopped) until
// an operator or connector acts on it.
func (s *Scheduler) handleStopped(ctx context.Context, agent core.Agent) {
	if agent.Status == core.StatusStopped {
		return
	}
	from := agent.Status

	s.Manager.Mutate(agent.ID, func(a *core.Agent) {
		a.Status = core.StatusStopped
		a.LastActivityAt = s.Clock.Now()
	})
	updated, ok := s.Manager.Get(agent.ID)
	if !ok {
		updated = agent
		updated.Status = core.StatusStopped
	}

	s.Store.LogEvent(ctx, updated.ID, updated.Project, core.EventStatusChange, map[string]any{
		"from": string(from), "to": string(core.StatusStopped),
	})
	if err := s.Store.SaveSnapshot(ctx, core.FromAgent(updated)); err != nil {
		s.Logger.Error("scheduler: save-snapshot failed", "agent_id", updated.ID, "error", err)
	}
	if s.Hub != nil {
		s.Hub.Publish(broadcast.Message{Kind: broadcast.KindAgentUpdate, Payload: core.FromAgent(updated)})
	}
	if s.Notifier != nil {
		s.Notifier.NotifyTransition(ctx, updated, from, core.StatusStopped)
	}
	delete(s.priorCaptures, agent.ID)
}

// SubAgentStart increments an agent's sub-agent count on a
// SubagentStart hook callback.
func (s *Scheduler) SubAgentStart(ctx context.Context, agentID string) {
	s.adjustSubAgentCount(ctx, agentID, 1)
}

// SubAgentStop decrements an agent's sub-agent count (floor 0) on a
// SubagentStop hook callback.
func (s *Scheduler) SubAgentStop(ctx context.Context, agentID string) {
	s.adjustSubAgentCount(ctx, agentID, -1)
}

func (s *Scheduler) adjustSubAgentCount(ctx context.Context, agentID string, delta int) {
	ok := s.Manager.Mutate(agentID, func(agent *core.Agent) {
		agent.SubAgentCount += delta
		if agent.SubAgentCount < 0 {
			agent.SubAgentCount = 0
		}
	})
	if !ok {
		return
	}
	agent, ok := s.Manager.Get(agentID)
	if !ok {
		return
	}

	kind := core.EventSubAgentStart
	if delta < 0 {
		kind = core.EventSubAgentStop
	}
	s.Store.LogEvent(ctx, agentID, agent.Project, kind, nil)
	if err := s.Store.SaveSnapshot(ctx, core.FromAgent(agent)); err != nil {
		s.Logger.Error("scheduler: save-snapshot failed", "agent_id", agentID, "error", err)
	}
	if s.Hub != nil {
		s.Hub.Publish(broadcast.Message{Kind: broadcast.KindAgentUpdate, Payload: core.FromAgent(agent)})
	}
}
