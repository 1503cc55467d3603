// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace implements the Workspace Provisioner (spec.md
// §4.2): creating and tearing down an isolated git worktree per agent,
// synthesizing its instructions document, writing its hook
// configuration, and staging its catalog/skill files. Grounded on
// lib/git.Repository for worktree plumbing and internal/core for
// branch naming.
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"
	"github.com/yuin/goldmark"
	"github.com/zeebo/blake3"

	"github.com/agent-forge/agentforge/internal/core"
	"github.com/agent-forge/agentforge/internal/errs"
	"github.com/agent-forge/agentforge/lib/codec"
	"github.com/agent-forge/agentforge/lib/git"
)

// maxContextFiles caps how many declared context files are listed in
// the synthesized instructions document, per spec.md §4.2's "capped
// listing."
const maxContextFiles = 20

// Provisioner creates and removes per-agent workspaces.
type Provisioner struct {
	// WorkspacesRoot is the directory under which every agent's
	// worktree is created, one subdirectory per agent id.
	WorkspacesRoot string

	// GlobalInstructions is prepended to every project's synthesized
	// instructions document (spec.md §4.2's "global defaults").
	GlobalInstructions string

	// HookEndpoint is the URL the workspace's hook configuration posts
	// sub-agent start/stop events to.
	HookEndpoint string
}

// Provisioned describes a freshly created workspace.
type Provisioned struct {
	Path       string
	BranchName string
}

// Provision creates an isolated worktree for a new agent rooted at the
// project's default branch, writes its pre-spawn files, and returns
// its path and branch name. Idempotent against a previously
// partially-created workspace: any existing directory at the target
// path is removed before retrying, per spec.md §4.2.
func (p *Provisioner) Provision(ctx context.Context, project core.Project, profile core.Profile, agentID, task string) (Provisioned, error) {
	branch := core.BranchName("agent", agentID, task)
	path := filepath.Join(p.WorkspacesRoot, agentID)

	if err := os.RemoveAll(path); err != nil {
		return Provisioned{}, &errs.ProvisionError{Project: project.Name, Op: "clean-stale-workspace", Err: err}
	}

	repo := git.NewRepository(project.Path)
	if _, err := repo.Run(ctx, "worktree", "add", "-b", branch, path, project.DefaultBranch); err != nil {
		return Provisioned{}, &errs.ProvisionError{Project: project.Name, Op: "worktree-add", Err: err}
	}

	if err := p.writeInstructions(path, project, profile); err != nil {
		return Provisioned{}, &errs.ProvisionError{Project: project.Name, Op: "write-instructions", Err: err}
	}
	if err := p.writeHookConfig(path, agentID); err != nil {
		return Provisioned{}, &errs.ProvisionError{Project: project.Name, Op: "write-hook-config", Err: err}
	}
	if err := os.MkdirAll(filepath.Join(path, ".media"), 0o755); err != nil {
		return Provisioned{}, &errs.ProvisionError{Project: project.Name, Op: "create-media-dir", Err: err}
	}
	if err := p.replicateCatalog(project, path); err != nil {
		return Provisioned{}, &errs.ProvisionError{Project: project.Name, Op: "replicate-catalog", Err: err}
	}

	return Provisioned{Path: path, BranchName: branch}, nil
}

// Teardown removes the worktree first, then prunes its branch
// metadata, per spec.md §4.2's ordering requirement.
func (p *Provisioner) Teardown(ctx context.Context, project core.Project, agentID, branch string) error {
	path := filepath.Join(p.WorkspacesRoot, agentID)
	repo := git.NewRepository(project.Path)

	if _, err := repo.Run(ctx, "worktree", "remove", "--force", path); err != nil {
		// The worktree directory may already be gone (e.g. a previous
		// teardown was interrupted after this step); fall back to a
		// filesystem removal plus a metadata prune so teardown remains
		// idempotent.
		_ = os.RemoveAll(path)
	}
	if _, err := repo.Run(ctx, "worktree", "prune"); err != nil {
		return &errs.ProvisionError{Project: project.Name, Op: "worktree-prune", Err: err}
	}
	if branch != "" {
		if _, err := repo.Run(ctx, "branch", "-D", branch); err != nil {
			return &errs.ProvisionError{Project: project.Name, Op: "branch-delete", Err: err}
		}
	}
	return nil
}

// writeInstructions synthesizes CLAUDE.md, the document Claude Code
// actually reads on startup, by merging four layers in order: global
// defaults, project instructions, the spawn profile's instructions,
// and a capped context-file listing. Markdown rendering is validated
// before writing (a malformed instructions document is a provisioning
// failure, not a silent truncation).
func (p *Provisioner) writeInstructions(path string, project core.Project, profile core.Profile) error {
	var doc bytes.Buffer
	if p.GlobalInstructions != "" {
		fmt.Fprintln(&doc, p.GlobalInstructions)
		fmt.Fprintln(&doc)
	}
	if project.AgentInstructions != "" {
		fmt.Fprintln(&doc, project.AgentInstructions)
		fmt.Fprintln(&doc)
	}
	if profile.Instructions != "" {
		fmt.Fprintln(&doc, profile.Instructions)
		fmt.Fprintln(&doc)
	}

	if len(project.ContextFiles) > 0 {
		fmt.Fprintln(&doc, "## Context files")
		files := project.ContextFiles
		if len(files) > maxContextFiles {
			files = files[:maxContextFiles]
		}
		for _, file := range files {
			fmt.Fprintf(&doc, "- %s\n", file)
		}
	}

	var rendered bytes.Buffer
	if err := goldmark.Convert(doc.Bytes(), &rendered); err != nil {
		return fmt.Errorf("workspace: render instructions markdown: %w", err)
	}

	return os.WriteFile(filepath.Join(path, "CLAUDE.md"), doc.Bytes(), 0o644)
}

const hookConfigTemplate = `{
  // Generated by the agent forge workspace provisioner. Do not edit —
  // it is overwritten on every spawn.
  "hooks": {
    "SubagentStart": [
      {"matcher": "", "hooks": [{"type": "command", "command": %q}]}
    ],
    "SubagentStop": [
      {"matcher": "", "hooks": [{"type": "command", "command": %q}]}
    ]
  }
}
`

// writeHookConfig writes .claude/settings.local.json registering the
// sub-agent start/stop callbacks, each POSTing {agent_id, event} to
// the core's hook endpoint via curl (avoiding a dependency on any
// language runtime being present in the workspace).
func (p *Provisioner) writeHookConfig(path, agentID string) error {
	startCmd := fmt.Sprintf(`curl -fsS -X POST -H 'Content-Type: application/json' -d '{"agent_id":%q,"event":"SubagentStart"}' %s`, agentID, p.HookEndpoint)
	stopCmd := fmt.Sprintf(`curl -fsS -X POST -H 'Content-Type: application/json' -d '{"agent_id":%q,"event":"SubagentStop"}' %s`, agentID, p.HookEndpoint)

	rendered := fmt.Sprintf(hookConfigTemplate, startCmd, stopCmd)

	// jsonc.ToJSON strips the comment before we validate the result is
	// well-formed JSON; settings.local.json itself keeps the comment
	// since Claude Code's settings parser accepts JSONC.
	if !jsonValid(jsonc.ToJSON([]byte(rendered))) {
		return fmt.Errorf("workspace: generated hook config is not valid JSONC")
	}

	claudeDir := filepath.Join(path, ".claude")
	if err := os.MkdirAll(claudeDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(claudeDir, "settings.local.json"), []byte(rendered), 0o644)
}

func jsonValid(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

// replicateCatalog copies the project's declared catalog/skill
// directory (if any) into the workspace's .claude/skills directory,
// skipping files whose content fingerprint already matches the
// destination so repeated spawns of the same project don't rewrite
// unchanged files.
func (p *Provisioner) replicateCatalog(project core.Project, workspacePath string) error {
	if project.CatalogDir == "" {
		return nil
	}

	destRoot := filepath.Join(workspacePath, ".claude", "skills")
	return filepath.Walk(project.CatalogDir, func(srcPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(project.CatalogDir, srcPath)
		if err != nil {
			return err
		}
		destPath := filepath.Join(destRoot, rel)

		if info.IsDir() {
			return os.MkdirAll(destPath, 0o755)
		}

		content, err := os.ReadFile(srcPath)
		if err != nil {
			return err
		}
		if existing, err := os.ReadFile(destPath); err == nil && fingerprint(existing) == fingerprint(content) {
			return nil
		}
		return os.WriteFile(destPath, content, info.Mode())
	})
}

func fingerprint(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// checkpointFile is the name of the per-workspace recovery checkpoint,
// hidden alongside the other provisioner-managed dotfiles.
const checkpointFile = ".agentforge-checkpoint.cbor"

// Checkpoint is a small per-agent record kept in the workspace as a
// recovery diagnostic. The Agent Manager writes it each time it saves
// a snapshot itself (spawn, kill, send-message); status transitions
// saved by the scheduler do not write it. At boot the recovery
// supervisor reads it for each snapshot it has loaded and logs it; the
// snapshot store stays authoritative (SPEC_FULL.md's domain stack
// entry for the workspace provisioner and recovery supervisor).
type Checkpoint struct {
	AgentID     string
	SessionName string
	BranchName  string
	Task        string
	UpdatedAt   time.Time
}

// WriteCheckpoint encodes cp with deterministic CBOR and writes it to
// the agent's workspace. Failures are non-fatal to the caller's own
// operation — the checkpoint is a recovery optimization, not a
// correctness requirement, since the snapshot store remains the
// source of truth.
func (p *Provisioner) WriteCheckpoint(agentID string, cp Checkpoint) error {
	data, err := codec.Marshal(cp)
	if err != nil {
		return fmt.Errorf("workspace: encode checkpoint: %w", err)
	}
	path := filepath.Join(p.WorkspacesRoot, agentID, checkpointFile)
	return os.WriteFile(path, data, 0o644)
}

// ReadCheckpoint decodes the checkpoint previously written for
// agentID, if any. A missing file is not an error; it means the
// workspace predates checkpointing or was never provisioned.
func (p *Provisioner) ReadCheckpoint(agentID string) (Checkpoint, bool, error) {
	path := filepath.Join(p.WorkspacesRoot, agentID, checkpointFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("workspace: read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := codec.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("workspace: decode checkpoint: %w", err)
	}
	return cp, true, nil
}
