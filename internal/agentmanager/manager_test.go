// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentmanager

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/agent-forge/agentforge/internal/core"
	"github.com/agent-forge/agentforge/internal/multiplexer"
	"github.com/agent-forge/agentforge/internal/store"
	"github.com/agent-forge/agentforge/internal/workspace"
	"github.com/agent-forge/agentforge/lib/clock"
	"github.com/agent-forge/agentforge/lib/tmux"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func newTestProject(t *testing.T) core.Project {
	t.Helper()
	requireGit(t)

	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "init")

	return core.Project{Name: "demo", Path: dir, DefaultBranch: "main", MaxAgents: 2}
}

func newTestManager(t *testing.T) (*Manager, core.Project) {
	t.Helper()
	project := newTestProject(t)

	server := tmux.NewTestServer(t)
	adapter := multiplexer.New(server)

	st, err := store.Open(filepath.Join(t.TempDir(), "agentforge.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	prov := &workspace.Provisioner{WorkspacesRoot: t.TempDir(), HookEndpoint: "http://127.0.0.1:0/api/hooks/event"}

	cfg := Config{
		BaseCommand: []string{"cat"},
		Projects:    map[string]core.Project{project.Name: project},
		Profiles:    map[string]core.Profile{},
	}

	return New(cfg, st, adapter, prov, clock.Real(), nil), project
}

func TestSpawnAndKill(t *testing.T) {
	t.Parallel()

	m, project := newTestManager(t)
	ctx := context.Background()

	agent, err := m.Spawn(ctx, project.Name, "fix the bug", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if agent.Status != core.StatusStarting {
		t.Errorf("Spawn status = %v, want starting", agent.Status)
	}
	if len(agent.ID) != 6 {
		t.Errorf("Spawn agent id = %q, want 6 chars", agent.ID)
	}

	got, ok := m.Get(agent.ID)
	if !ok || got.ID != agent.ID {
		t.Fatalf("Get(%q) = %v, %v", agent.ID, got, ok)
	}

	if err := m.Kill(ctx, agent.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, ok := m.Get(agent.ID); ok {
		t.Error("agent still present after Kill")
	}
}

func TestSpawn_RespectsProjectCap(t *testing.T) {
	t.Parallel()

	m, project := newTestManager(t)
	ctx := context.Background()
	project.MaxAgents = 1
	m.cfg.Projects[project.Name] = project

	if _, err := m.Spawn(ctx, project.Name, "task one", ""); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}
	if _, err := m.Spawn(ctx, project.Name, "task two", ""); err == nil {
		t.Error("second Spawn succeeded, want cap-exceeded error")
	}
}

func TestSendMessage_RejectsStoppedAgent(t *testing.T) {
	t.Parallel()

	m, project := newTestManager(t)
	ctx := context.Background()

	agent, err := m.Spawn(ctx, project.Name, "task", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := m.Kill(ctx, agent.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	if err := m.SendMessage(ctx, agent.ID, "hello"); err == nil {
		t.Error("SendMessage on unknown/stopped agent succeeded, want error")
	}
}
