// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentmanager implements the Agent Manager (spec.md §4.5):
// spawn, kill, restart, send-message, send-control, and the read-only
// list/get/by-project queries, each serialized per-agent by an
// id-keyed lock so operations on different agents proceed in
// parallel. It owns the only mutable view of the live agent table —
// every other component reaches agents through this package's API,
// per spec.md §5's "direct access is forbidden."
package agentmanager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agent-forge/agentforge/internal/core"
	"github.com/agent-forge/agentforge/internal/errs"
	"github.com/agent-forge/agentforge/internal/multiplexer"
	"github.com/agent-forge/agentforge/internal/store"
	"github.com/agent-forge/agentforge/internal/workspace"
	"github.com/agent-forge/agentforge/lib/clock"
)

// Config holds the process-wide settings the manager needs to
// compose launch commands and enforce per-project caps.
type Config struct {
	BaseCommand []string // e.g. {"claude", "--dangerously-skip-permissions"}
	Env         map[string]string
	Projects    map[string]core.Project
	Profiles    map[string]core.Profile
}

// Manager is the Agent Manager. One Manager per process.
type Manager struct {
	cfg    Config
	store  *store.Store
	term   *multiplexer.Adapter
	prov   *workspace.Provisioner
	clk    clock.Clock
	logger *slog.Logger

	globalMu sync.Mutex // guards agents map membership and locks map membership
	agents   map[string]*core.Agent
	locks    map[string]*sync.Mutex

	projectMu sync.Mutex // held only long enough to re-check a project's live count
}

// New constructs a Manager. The returned Manager does not recover
// prior state — call Recover after construction to readopt snapshots
// left over from a previous process.
func New(cfg Config, st *store.Store, term *multiplexer.Adapter, prov *workspace.Provisioner, clk clock.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		cfg:    cfg,
		store:  st,
		term:   term,
		prov:   prov,
		clk:    clk,
		logger: logger,
		agents: make(map[string]*core.Agent),
		locks:  make(map[string]*sync.Mutex),
	}
}

// UpdateConfig swaps the process-wide project/profile/command table
// used by Spawn's cap check and launch-command composition, as part of
// a config hot-reload (spec.md §6's "Reload endpoint"). Live agents
// are unaffected; only subsequent operations see the new table.
func (m *Manager) UpdateConfig(cfg Config) {
	m.projectMu.Lock()
	defer m.projectMu.Unlock()
	m.cfg = cfg
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) get(id string) (*core.Agent, bool) {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	a, ok := m.agents[id]
	return a, ok
}

func (m *Manager) put(a *core.Agent) {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	m.agents[a.ID] = a
}

func (m *Manager) delete(id string) {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	delete(m.agents, id)
	delete(m.locks, id)
}

func (m *Manager) liveCount(project string) int {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	count := 0
	for _, a := range m.agents {
		if a.Project == project && !a.Status.Terminal() {
			count++
		}
	}
	return count
}

// List returns an immutable snapshot of every agent's fields.
func (m *Manager) List() []core.Agent {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	out := make([]core.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.Clone())
	}
	return out
}

// Mutate applies fn to the live agent record for id under its
// per-agent lock, returning false if no such agent exists. This is
// the only sanctioned way for a component outside this package (the
// scheduler, the hook endpoint) to change an agent's fields — direct
// access to the table is forbidden per spec.md §5.
func (m *Manager) Mutate(id string, fn func(*core.Agent)) bool {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	agent, ok := m.get(id)
	if !ok {
		return false
	}
	fn(agent)
	return true
}

// Get returns one agent's fields, or ok=false if unknown.
func (m *Manager) Get(id string) (core.Agent, bool) {
	a, ok := m.get(id)
	if !ok {
		return core.Agent{}, false
	}
	return a.Clone(), true
}

// ByProject returns every agent belonging to project.
func (m *Manager) ByProject(project string) []core.Agent {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	var out []core.Agent
	for _, a := range m.agents {
		if a.Project == project {
			out = append(out, a.Clone())
		}
	}
	return out
}

// MostRecentInProject returns the most recently active non-stopped
// agent in project, for routing rules that address a project rather
// than a specific agent id (spec.md §4.9.1).
func (m *Manager) MostRecentInProject(project string) (core.Agent, bool) {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	var best *core.Agent
	for _, a := range m.agents {
		if a.Project != project || a.Status.Terminal() {
			continue
		}
		if best == nil || a.LastActivityAt.After(best.LastActivityAt) {
			best = a
		}
	}
	if best == nil {
		return core.Agent{}, false
	}
	return best.Clone(), true
}

// Spawn provisions a workspace and starts a new agent session for
// project running task, per spec.md §4.5's spawn operation.
func (m *Manager) Spawn(ctx context.Context, project, task, profileName string) (core.Agent, error) {
	proj, ok := m.cfg.Projects[project]
	if !ok {
		return core.Agent{}, fmt.Errorf("agentmanager: unknown project %q", project)
	}

	m.projectMu.Lock()
	if m.liveCount(project) >= proj.MaxAgents {
		m.projectMu.Unlock()
		return core.Agent{}, fmt.Errorf("agentmanager: project %q is at its agent cap (%d)", project, proj.MaxAgents)
	}

	id := core.NewAgentID()
	for attempts := 0; ; attempts++ {
		if _, exists := m.get(id); !exists {
			break
		}
		if attempts > 8 {
			m.projectMu.Unlock()
			return core.Agent{}, fmt.Errorf("agentmanager: could not allocate a unique agent id")
		}
		id = core.NewAgentID()
	}

	agent := &core.Agent{
		ID:          id,
		Project:     project,
		SessionName: core.SessionName(project, id),
		Status:      core.StatusStarting,
		Location:    core.LocationLocal,
		CreatedAt:   m.clk.Now(),
		LastActivityAt: m.clk.Now(),
		Task:        task,
		ProfileName: profileName,
	}
	m.put(agent)
	m.projectMu.Unlock()

	profile := m.cfg.Profiles[profileName]

	provisioned, err := m.prov.Provision(ctx, proj, profile, id, task)
	if err != nil {
		m.delete(id)
		return core.Agent{}, &errs.ProvisionError{Project: project, Op: "provision", Err: err}
	}
	agent.WorkspacePath = provisioned.Path
	agent.BranchName = provisioned.BranchName

	launchCmd := m.buildLaunchCommand(proj, profile)

	if err := m.term.Create(ctx, agent.SessionName, agent.WorkspacePath, 0, 0, launchCmd...); err != nil {
		m.delete(id)
		return core.Agent{}, &errs.SessionError{SessionName: agent.SessionName, Op: "create", Err: err}
	}

	m.store.LogEvent(ctx, id, project, core.EventSpawned, map[string]any{"task": task, "profile": profileName})
	m.saveSnapshot(ctx, agent)

	if sequence := startSequenceFor(profile, task); len(sequence) > 0 {
		go m.replayStartSequence(context.Background(), agent.SessionName, id, task, sequence)
	}

	return agent.Clone(), nil
}

// Kill ends an agent's session and removes its workspace.
func (m *Manager) Kill(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	agent, ok := m.get(id)
	if !ok {
		return fmt.Errorf("agentmanager: agent %q not found", id)
	}

	if err := m.term.Kill(ctx, agent.SessionName); err != nil {
		m.logger.Warn("kill: multiplexer kill failed", "agent_id", id, "error", err)
	}

	proj := m.cfg.Projects[agent.Project]
	if err := m.prov.Teardown(ctx, proj, id, agent.BranchName); err != nil {
		m.logger.Warn("kill: workspace teardown failed", "agent_id", id, "error", err)
	}

	agent.Status = core.StatusStopped
	m.store.LogEvent(ctx, id, agent.Project, core.EventKilled, nil)
	m.saveSnapshot(ctx, agent)
	m.delete(id)

	return nil
}

// Restart kills id and spawns a fresh agent for the same
// (project, task, profile), returning the new agent under a new id.
func (m *Manager) Restart(ctx context.Context, id string) (core.Agent, error) {
	agent, ok := m.get(id)
	if !ok {
		return core.Agent{}, fmt.Errorf("agentmanager: agent %q not found", id)
	}
	project, task, profile := agent.Project, agent.Task, agent.ProfileName

	if err := m.Kill(ctx, id); err != nil {
		return core.Agent{}, err
	}

	restarted, err := m.Spawn(ctx, project, task, profile)
	if err != nil {
		return core.Agent{}, err
	}
	m.store.LogEvent(ctx, restarted.ID, project, core.EventRestarted, map[string]any{"previous_agent_id": id})
	return restarted, nil
}

// SendMessage injects text and Enter into a non-stopped agent's
// session.
func (m *Manager) SendMessage(ctx context.Context, id, text string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	agent, ok := m.get(id)
	if !ok {
		return fmt.Errorf("agentmanager: agent %q not found", id)
	}
	if agent.Status.Terminal() {
		return fmt.Errorf("agentmanager: agent %q is stopped", id)
	}

	if err := m.term.SendText(ctx, agent.SessionName, text); err != nil {
		return &errs.SessionError{SessionName: agent.SessionName, Op: "send-text", Err: err}
	}
	if err := m.term.SendControl(ctx, agent.SessionName, multiplexer.ControlEnter); err != nil {
		return &errs.SessionError{SessionName: agent.SessionName, Op: "send-enter", Err: err}
	}

	agent.LastUserMessage = text
	agent.LastActivityAt = m.clk.Now()
	m.store.LogEvent(ctx, id, agent.Project, core.EventUserMessage, map[string]any{"text": text})
	m.saveSnapshot(ctx, agent)
	return nil
}

// controlKeySequence maps a send-control action (spec.md §4.5.1,
// refined by SPEC_FULL.md §4.5.1) to the literal key sequence sent to
// the session. Claude Code's permission prompt is navigated by cursor
// position and Enter, not by typing a numeral: approve accepts the
// prompt's default-selected option with a bare Enter, while
// always-allow moves the cursor down to the second option first.
var controlKeySequence = map[string][]string{
	"approve":      {"Enter"},
	"always-allow": {"Down", "Enter"},
	"reject":       {"Escape"},
	"interrupt":    {"C-c"},
	"up":           {"Up"},
	"down":         {"Down"},
	"left":         {"Left"},
	"right":        {"Right"},
	"enter":        {"Enter"},
	"escape":       {"Escape"},
	"tab":          {"Tab"},
}

// SendControl translates action into the session's key-sequence
// vocabulary, per spec.md §4.5's send-control operation and
// §4.5.1's key-mapping table.
func (m *Manager) SendControl(ctx context.Context, id, action string) error {
	if action == "restart" {
		// Restart takes the per-agent lock itself (through Kill), so it
		// must not be called with that lock held.
		if agent, ok := m.get(id); ok && agent.Status.Terminal() {
			return fmt.Errorf("agentmanager: agent %q is stopped", id)
		}
		_, err := m.Restart(ctx, id)
		return err
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	agent, ok := m.get(id)
	if !ok {
		return fmt.Errorf("agentmanager: agent %q not found", id)
	}
	if agent.Status.Terminal() {
		return fmt.Errorf("agentmanager: agent %q is stopped", id)
	}

	keys, ok := controlKeySequence[action]
	if !ok {
		return fmt.Errorf("agentmanager: unknown send-control action %q", action)
	}
	if err := m.term.SendKeys(ctx, agent.SessionName, keys...); err != nil {
		return &errs.SessionError{SessionName: agent.SessionName, Op: "send-control:" + action, Err: err}
	}
	agent.LastActivityAt = m.clk.Now()
	return nil
}

func (m *Manager) buildLaunchCommand(project core.Project, profile core.Profile) []string {
	cmd := append([]string(nil), m.cfg.BaseCommand...)
	if project.Sandbox != "" {
		cmd = append([]string{"agentforge-sandbox", "--profile", project.Sandbox, "--"}, cmd...)
	}
	if profile.SystemPrompt != "" {
		cmd = append(cmd, "--append-system-prompt", profile.SystemPrompt)
	}
	return cmd
}

func (m *Manager) saveSnapshot(ctx context.Context, agent *core.Agent) {
	if err := m.store.SaveSnapshot(ctx, core.FromAgent(*agent)); err != nil {
		m.logger.Error("save-snapshot failed", "agent_id", agent.ID, "error", err)
	}
	cp := workspace.Checkpoint{
		AgentID:     agent.ID,
		SessionName: agent.SessionName,
		BranchName:  agent.BranchName,
		Task:        agent.Task,
		UpdatedAt:   m.clk.Now(),
	}
	if err := m.prov.WriteCheckpoint(agent.ID, cp); err != nil {
		m.logger.Warn("write-checkpoint failed", "agent_id", agent.ID, "error", err)
	}
}

// startSequenceFor returns the post-boot actions to replay after
// spawning a profile for task. A profile with its own start_sequence
// always wins; otherwise, when a task was given, the default sequence
// (original_source/agent_forge/agent_manager.py's
// `_get_start_sequence`) waits for the fresh session to go idle and
// then sends the task text, since nothing else ever delivers it to a
// profile-less auto-spawn.
func startSequenceFor(profile core.Profile, task string) []core.StartDirective {
	if len(profile.StartSequence) > 0 {
		return profile.StartSequence
	}
	if task == "" {
		return nil
	}
	return []core.StartDirective{
		{Action: "wait_for_idle", Value: "60"},
		{Action: "send", Value: "{task}"},
	}
}

// replayStartSequence walks a profile's scripted post-boot actions.
// Failures downgrade to logged warnings per spec.md §4.5 — they never
// abort the agent. A "{task}" placeholder in a send directive's value
// is substituted with the agent's task text, matching
// `_execute_start_sequence`'s templating.
func (m *Manager) replayStartSequence(ctx context.Context, sessionName, agentID, task string, sequence []core.StartDirective) {
	for _, directive := range sequence {
		switch directive.Action {
		case "wait":
			seconds, err := time.ParseDuration(directive.Value + "s")
			if err != nil {
				m.logger.Warn("start-sequence: bad wait value", "agent_id", agentID, "value", directive.Value, "error", err)
				continue
			}
			m.clk.Sleep(seconds)
		case "send":
			text := strings.ReplaceAll(directive.Value, "{task}", task)
			if err := m.term.SendText(ctx, sessionName, text); err != nil {
				m.logger.Warn("start-sequence: send failed", "agent_id", agentID, "error", err)
				continue
			}
			if err := m.term.SendControl(ctx, sessionName, multiplexer.ControlEnter); err != nil {
				m.logger.Warn("start-sequence: send-enter failed", "agent_id", agentID, "error", err)
			}
		case "wait_for_idle":
			timeout := 60 * time.Second
			if directive.Value != "" {
				if parsed, err := time.ParseDuration(directive.Value + "s"); err == nil {
					timeout = parsed
				}
			}
			m.waitForIdle(ctx, sessionName, agentID, timeout)
		default:
			m.logger.Warn("start-sequence: unknown directive", "agent_id", agentID, "action", directive.Action)
		}
	}
}

func (m *Manager) waitForIdle(ctx context.Context, sessionName, agentID string, timeout time.Duration) {
	deadline := m.clk.Now().Add(timeout)
	for m.clk.Now().Before(deadline) {
		agent, ok := m.get(agentID)
		if !ok {
			return
		}
		if agent.Status == core.StatusIdle || agent.Status == core.StatusWaitingInput {
			return
		}
		m.clk.Sleep(500 * time.Millisecond)
	}
	m.logger.Warn("start-sequence: wait_for_idle timed out", "agent_id", agentID, "session", sessionName)
}
