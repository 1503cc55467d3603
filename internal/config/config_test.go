// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
server:
  host: 127.0.0.1
  port: 8080
defaults:
  max_agents_per_project: 3
  sandbox: firejail
  poll_interval_seconds: 5
profiles:
  default:
    description: "default profile"
projects:
  api:
    path: /srv/repos/api
    default_branch: main
    max_agents: 2
connectors:
  tg1:
    type: telegram
    enabled: true
    credentials:
      bot_token: c2VhbGVkLWJsb2I=
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentforge.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ParsesAllSections(t *testing.T) {
	cfg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if len(cfg.Projects) != 1 || len(cfg.Connectors) != 1 {
		t.Fatalf("Projects/Connectors = %d/%d, want 1/1", len(cfg.Projects), len(cfg.Connectors))
	}
}

func TestCoreProjects_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	projects := cfg.CoreProjects()
	api := projects["api"]
	if api.MaxAgents != 2 {
		t.Errorf("api.MaxAgents = %d, want 2 (explicit override of default 3)", api.MaxAgents)
	}
	if api.Sandbox != "firejail" {
		t.Errorf("api.Sandbox = %q, want default firejail", api.Sandbox)
	}
}

func TestLoad_RejectsProjectWithoutPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("projects:\n  api:\n    default_branch: main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load accepted a project with no path")
	}
}
