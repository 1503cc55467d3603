// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/agent-forge/agentforge/internal/core"
)

// handleCommand dispatches a leading-"/" message to the verb table,
// per spec.md §4.9.1 rule 2, and replies in the same channel.
func (r *Router) handleCommand(ctx context.Context, msg core.InboundMessage) {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return
	}
	verb, args := fields[0], fields[1:]

	var reply string
	switch verb {
	case "/status":
		reply = r.commandStatus(args)
	case "/projects":
		reply = r.commandProjects()
	case "/spawn":
		reply = r.commandSpawn(ctx, args)
	case "/kill":
		reply = r.commandKill(ctx, args)
	case "/help":
		reply = "commands: /status [agent-id], /projects, /spawn project [task], /kill id"
	default:
		reply = fmt.Sprintf("unknown command %q; try /help", verb)
	}
	r.replyTo(ctx, msg, reply)
}

func (r *Router) replyTo(ctx context.Context, msg core.InboundMessage, text string) {
	r.mu.Lock()
	live, ok := r.connectors[msg.ConnectorID]
	r.mu.Unlock()
	if !ok || text == "" {
		return
	}
	if err := live.platform.SendText(ctx, msg.ChannelID, text, nil); err != nil {
		r.Logger.Warn("connector: command reply failed", "connector_id", msg.ConnectorID, "error", err)
	}
}

func (r *Router) commandStatus(args []string) string {
	if len(args) > 0 {
		agent, ok := r.Manager.Get(args[0])
		if !ok {
			return fmt.Sprintf("no such agent %q", args[0])
		}
		return fmt.Sprintf("%s [%s] %s: %s", agent.ID, agent.Project, agent.Status, agent.Task)
	}

	agents := r.Manager.List()
	if len(agents) == 0 {
		return "no live agents"
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	var b strings.Builder
	for _, agent := range agents {
		fmt.Fprintf(&b, "%s [%s] %s: %s\n", agent.ID, agent.Project, agent.Status, agent.Task)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) commandProjects() string {
	r.mu.Lock()
	names := make([]string, 0, len(r.projects))
	for name := range r.projects {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func (r *Router) commandSpawn(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "usage: /spawn project [task]"
	}
	project := r.resolveProjectName(args[0])
	if project == "" {
		return fmt.Sprintf("no such project %q", args[0])
	}
	task := strings.Join(args[1:], " ")

	agent, err := r.Manager.Spawn(ctx, project, task, "")
	if err != nil {
		return fmt.Sprintf("spawn failed: %v", err)
	}
	return fmt.Sprintf("spawned %s on %s", agent.ID, project)
}

func (r *Router) commandKill(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "usage: /kill id"
	}
	if err := r.Manager.Kill(ctx, args[0]); err != nil {
		return fmt.Sprintf("kill failed: %v", err)
	}
	return fmt.Sprintf("killed %s", args[0])
}

// stageOne copies a staged attachment file into the target
// workspace's .media/ directory, per spec.md §4.9.1 rule 5.
func stageOne(sourcePath, workspacePath string) error {
	if workspacePath == "" {
		return fmt.Errorf("connector: agent has no workspace yet")
	}
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return err
	}
	destDir := filepath.Join(workspacePath, ".media")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(destDir, uniqueMediaName(sourcePath))
	return os.WriteFile(dest, data, 0o644)
}

// uniqueMediaName keeps the source file's extension but prefixes it
// with a counter-free timestamp-free hash of its path, so repeated
// attachments with the same base name (a common case for
// platform-generated temp files like "file_0.jpg") don't collide.
func uniqueMediaName(sourcePath string) string {
	base := filepath.Base(sourcePath)
	sum := 2166136261 // FNV-1a offset basis
	for _, b := range []byte(sourcePath) {
		sum ^= int(b)
		sum *= 16777619
	}
	return strconv.Itoa(sum&0x7fffffff) + "_" + base
}
