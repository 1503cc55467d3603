// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/agent-forge/agentforge/internal/agentmanager"
	"github.com/agent-forge/agentforge/internal/core"
	"github.com/agent-forge/agentforge/internal/credential"
	"github.com/agent-forge/agentforge/internal/errs"
	"github.com/agent-forge/agentforge/internal/store"
	"github.com/agent-forge/agentforge/lib/clock"
)

// explicitProjectPrefix matches the "@project" and "@project:agent_id"
// explicit-routing form, per spec.md §4.9.1 rule 3.
var explicitProjectPrefix = regexp.MustCompile(`^@([\w-]+)(?::(\w+))?\s*(.*)$`)

// instance is one configured connector's live state.
type instance struct {
	config   core.ConnectorInstance
	platform Platform
	cancel   context.CancelFunc
}

// Router is the Connector Router.
type Router struct {
	Manager *agentmanager.Manager
	Store   *store.Store
	Sealer  *credential.Sealer
	Clock   clock.Clock
	Logger  *slog.Logger

	mu         sync.Mutex
	projects   map[string]core.Project
	connectors map[string]*instance

	// sticky remembers, per (connectorID, channelID), the last project
	// a message on that channel was routed to; it supplies the target
	// of a later bare message when no single binding decides one. Rule
	// 1 drops messages from channels with no inbound binding before
	// this map is written, so an entry is only ever written for a
	// channel that has an inbound binding at the time, and outbound
	// notifications do not consult it. Grounded on
	// connectors/manager.py's reply-channel memory.
	sticky map[string]string

	// lastNotified suppresses duplicate outbound notifications for the
	// same agent remaining in the same status, per spec.md §7.
	lastNotified map[string]core.Status
}

// New constructs a Router with no connectors started. Call Configure
// before StartAll.
func New(manager *agentmanager.Manager, st *store.Store, sealer *credential.Sealer, clk clock.Clock, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Router{
		Manager:      manager,
		Store:        st,
		Sealer:       sealer,
		Clock:        clk,
		Logger:       logger,
		connectors:   make(map[string]*instance),
		sticky:       make(map[string]string),
		lastNotified: make(map[string]core.Status),
	}
}

// Configure installs the current project table, used for channel
// binding lookups and the /projects command. Call again (with the
// same or updated map) as part of config hot-reload, before
// Reconcile.
func (r *Router) Configure(projects map[string]core.Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects = projects
}

// StartAll starts every enabled connector instance in instances.
func (r *Router) StartAll(ctx context.Context, instances map[string]core.ConnectorInstance) {
	for _, inst := range instances {
		if !inst.Enabled {
			continue
		}
		r.startOne(ctx, inst)
	}
}

// StopAll stops every running connector, in no particular order.
func (r *Router) StopAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.connectors))
	for id := range r.connectors {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.stopOne(ctx, id)
	}
}

// Reconcile applies a config hot-reload: connectors present in next
// but not currently running are started; connectors currently running
// but absent from next are stopped; connectors whose credentials
// changed are restarted. Per spec.md §4.9's state-machine rules.
func (r *Router) Reconcile(ctx context.Context, next map[string]core.ConnectorInstance) {
	r.mu.Lock()
	current := make(map[string]*instance, len(r.connectors))
	for id, inst := range r.connectors {
		current[id] = inst
	}
	r.mu.Unlock()

	for id, running := range current {
		desired, stillWanted := next[id]
		if !stillWanted || !desired.Enabled {
			r.stopOne(ctx, id)
			continue
		}
		if credentialsChanged(running.config, desired) {
			r.stopOne(ctx, id)
			r.startOne(ctx, desired)
		}
	}
	for id, desired := range next {
		if _, alreadyRunning := current[id]; alreadyRunning || !desired.Enabled {
			continue
		}
		r.startOne(ctx, desired)
	}
}

func credentialsChanged(a, b core.ConnectorInstance) bool {
	if len(a.Credentials) != len(b.Credentials) {
		return true
	}
	for field, value := range a.Credentials {
		if b.Credentials[field] != value {
			return true
		}
	}
	return false
}

func (r *Router) startOne(ctx context.Context, inst core.ConnectorInstance) {
	factory, ok := lookup(inst.Type)
	if !ok {
		r.Logger.Error("connector: no adapter registered for type", "connector_id", inst.ID, "type", inst.Type)
		return
	}

	sealed := make(map[string][]byte, len(inst.Credentials))
	for field, encoded := range inst.Credentials {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			r.Logger.Error("connector: malformed sealed credential", "connector_id", inst.ID, "field", field, "error", err)
			return
		}
		sealed[field] = raw
	}
	secrets, err := r.Sealer.UnsealMap(inst.ID, sealed)
	if err != nil {
		r.Logger.Error("connector: unseal credentials failed", "connector_id", inst.ID, "error", err)
		return
	}
	creds := make(Credentials, len(secrets))
	for field, value := range secrets {
		creds[field] = value
	}
	defer func() {
		for _, value := range creds {
			value.Close()
		}
	}()

	platform, err := factory(inst, creds, inst.Settings)
	if err != nil {
		r.Logger.Error("connector: construct failed", "connector_id", inst.ID, "error", err)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := platform.Start(runCtx); err != nil {
		cancel()
		r.Logger.Error("connector: start failed", "connector_id", inst.ID, "error", err)
		return
	}

	live := &instance{config: inst, platform: platform, cancel: cancel}
	r.mu.Lock()
	r.connectors[inst.ID] = live
	r.mu.Unlock()

	go r.consumeInbound(runCtx, platform)
}

func (r *Router) stopOne(ctx context.Context, connectorID string) {
	r.mu.Lock()
	live, ok := r.connectors[connectorID]
	if ok {
		delete(r.connectors, connectorID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	live.cancel()
	if err := live.platform.Stop(ctx); err != nil {
		r.Logger.Warn("connector: stop failed", "connector_id", connectorID, "error", err)
	}
}

func (r *Router) consumeInbound(ctx context.Context, platform Platform) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-platform.Inbound():
			if !ok {
				return
			}
			r.handleInbound(ctx, msg)
		}
	}
}

// handleInbound applies the six routing rules in the precedence
// order fixed by spec.md §4.9.1.
func (r *Router) handleInbound(ctx context.Context, msg core.InboundMessage) {
	key := bindingKey(msg.ConnectorID, msg.ChannelID)

	r.mu.Lock()
	stickyProject, hasSticky := r.sticky[key]
	_, project, hasBinding, singlyBound := r.findBinding(msg.ConnectorID, msg.ChannelID)
	r.mu.Unlock()

	if !hasBinding && !hasSticky {
		return // rule 1
	}

	if msg.ButtonCallback != "" {
		r.handleButtonCallback(ctx, msg.ButtonCallback)
		return // rule 6
	}

	if strings.HasPrefix(msg.Text, "/") {
		r.handleCommand(ctx, msg) // rule 2
		return
	}

	targetProject := ""
	if singlyBound {
		targetProject = project
	}
	explicitAgentID := ""
	if m := explicitProjectPrefix.FindStringSubmatch(msg.Text); m != nil {
		targetProject = r.resolveProjectName(m[1])
		explicitAgentID = m[2]
		msg.Text = m[3]
	} else if targetProject == "" && hasSticky {
		targetProject = stickyProject
	}

	if targetProject == "" {
		return
	}

	r.mu.Lock()
	r.sticky[key] = targetProject
	r.mu.Unlock()

	var agent core.Agent
	var found bool
	if explicitAgentID != "" {
		agent, found = r.Manager.Get(explicitAgentID)
	} else {
		agent, found = r.Manager.MostRecentInProject(targetProject)
		if !found && singlyBound && msg.Text != "" {
			spawned, err := r.Manager.Spawn(ctx, targetProject, msg.Text, "")
			if err != nil {
				r.Logger.Warn("connector: auto-spawn failed", "project", targetProject, "error", err)
				return
			}
			agent, found = spawned, true
			msg.Text = "" // task already conveyed via spawn
		}
	}
	if !found {
		return
	}

	if len(msg.MediaPaths) > 0 {
		r.stageAttachments(agent, msg.MediaPaths)
	}
	if msg.Text == "" {
		return
	}
	if err := r.Manager.SendMessage(ctx, agent.ID, msg.Text); err != nil {
		r.Logger.Warn("connector: send-message failed", "agent_id", agent.ID, "error", err)
	}
}

func bindingKey(connectorID, channelID string) string {
	return connectorID + "/" + channelID
}

// findBinding reports a project with an inbound binding for
// (connectorID, channelID) (the last match found; when several
// projects match, which one is returned is unspecified), whether the channel has any inbound
// binding at all — the condition spec.md §4.9.1 rule 1 requires to
// avoid dropping the message before commands and @project routing run
// — and whether the channel is singly bound (bound to exactly this
// one project, with no other project sharing it), the stricter
// condition rule 4 requires for smart-route auto-spawn. A channel
// bound to two or more projects reports hasBinding=true,
// singlyBound=false; it still reaches command handling and @project
// routing, just not smart-route.
func (r *Router) findBinding(connectorID, channelID string) (binding core.ChannelBinding, project string, hasBinding, singlyBound bool) {
	var matchBinding core.ChannelBinding
	var matchProject string
	matches := 0

	for name, proj := range r.projects {
		for _, ch := range proj.Channels {
			if ch.ConnectorID == connectorID && ch.ChannelID == channelID && ch.Inbound {
				matchBinding = ch
				matchProject = name
				matches++
			}
		}
	}
	if matches == 0 {
		return core.ChannelBinding{}, "", false, false
	}
	return matchBinding, matchProject, true, matches == 1
}

func (r *Router) resolveProjectName(candidate string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[candidate]; ok {
		return candidate
	}
	names := make([]string, 0, len(r.projects))
	for name := range r.projects {
		names = append(names, name)
	}
	if match, ok := fuzzyBestMatch(candidate, names); ok {
		return match
	}
	return ""
}

func (r *Router) handleButtonCallback(ctx context.Context, callback string) {
	agentID, action, ok := strings.Cut(callback, ":")
	if !ok {
		r.Logger.Warn("connector: malformed button callback", "callback", callback)
		return
	}
	if err := r.Manager.SendControl(ctx, agentID, action); err != nil {
		r.Logger.Warn("connector: send-control from callback failed", "agent_id", agentID, "action", action, "error", err)
	}
}

func (r *Router) stageAttachments(agent core.Agent, paths []string) {
	for _, path := range paths {
		if err := stageOne(path, agent.WorkspacePath); err != nil {
			r.Logger.Warn("connector: stage attachment failed", "agent_id", agent.ID, "path", path, "error", err)
		}
	}
}

// NotifyTransition implements scheduler.Notifier: it formats and
// delivers an outbound message to every outbound-bound channel of
// agent's project on a status transition, per spec.md §4.9's
// notification taxonomy. Duplicate notifications for an agent
// remaining in the same status are suppressed.
func (r *Router) NotifyTransition(ctx context.Context, agent core.Agent, from, to core.Status) {
	r.mu.Lock()
	if r.lastNotified[agent.ID] == to {
		r.mu.Unlock()
		return
	}
	r.lastNotified[agent.ID] = to
	project, ok := r.projects[agent.Project]
	r.mu.Unlock()
	if !ok {
		return
	}

	out := formatTransition(agent, from, to)

	for _, ch := range project.Channels {
		if !ch.Outbound {
			continue
		}
		r.sendWithRetry(ctx, ch.ConnectorID, ch.ChannelID, out)
	}
}

func (r *Router) sendWithRetry(ctx context.Context, connectorID, channelID string, out core.OutboundMessage) {
	r.mu.Lock()
	live, ok := r.connectors[connectorID]
	r.mu.Unlock()
	if !ok {
		return
	}

	b := backoff.NewExponentialBackOff()
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := live.platform.SendText(ctx, channelID, out.Text, out.Buttons)
		if err == nil {
			return
		}
		platformErr := &errs.PlatformError{ConnectorID: connectorID, Op: "send-text", Err: err}
		if attempt == maxAttempts-1 {
			r.Logger.Error("connector: outbound send exhausted retries, dropping", "error", platformErr)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.NextBackOff()):
		}
	}
}

func formatTransition(agent core.Agent, from, to core.Status) core.OutboundMessage {
	switch to {
	case core.StatusStarting:
		return core.OutboundMessage{Text: fmt.Sprintf("agent %s started on %s: %s", agent.ID, agent.Project, agent.Task)}
	case core.StatusWaitingInput:
		return core.OutboundMessage{
			Text: fmt.Sprintf("agent %s is waiting for input", agent.ID),
			Buttons: []core.ActionButton{
				{Label: "Approve", Action: "approve", AgentID: agent.ID, CallbackID: agent.ID + ":approve"},
				{Label: "Reject", Action: "reject", AgentID: agent.ID, CallbackID: agent.ID + ":reject"},
				{Label: "Interrupt", Action: "interrupt", AgentID: agent.ID, CallbackID: agent.ID + ":interrupt"},
			},
		}
	case core.StatusIdle:
		return core.OutboundMessage{Text: fmt.Sprintf("agent %s finished:\n%s", agent.ID, agent.LastResponse)}
	case core.StatusError:
		return core.OutboundMessage{Text: fmt.Sprintf("agent %s hit an error:\n%s", agent.ID, agent.LastOutput)}
	case core.StatusStopped:
		return core.OutboundMessage{Text: fmt.Sprintf("agent %s stopped", agent.ID)}
	default:
		return core.OutboundMessage{Text: fmt.Sprintf("agent %s: %s -> %s", agent.ID, from, to)}
	}
}
