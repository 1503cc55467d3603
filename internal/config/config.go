// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and hot-reloads the orchestrator's typed
// configuration record (spec.md §6): server, defaults, profiles,
// projects, and connectors. Parsed with gopkg.in/yaml.v3, matching
// the teacher's choice of YAML for every on-disk config surface.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent-forge/agentforge/internal/core"
	"github.com/agent-forge/agentforge/internal/errs"
)

// Server holds the HTTP/WebSocket listener settings.
type Server struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	SecretKey string `yaml:"secret_key"`
}

// Defaults holds process-wide fallbacks applied when a project or
// profile leaves a field unset.
type Defaults struct {
	MaxAgentsPerProject int               `yaml:"max_agents_per_project"`
	Sandbox             string            `yaml:"sandbox"`
	ClaudeCommand       []string          `yaml:"claude_command"`
	ClaudeEnv           map[string]string `yaml:"claude_env"`
	PollIntervalSeconds int               `yaml:"poll_interval_seconds"`
	AgentInstructions   string            `yaml:"agent_instructions"`
}

// PollInterval returns Defaults.PollIntervalSeconds as a Duration,
// falling back to the scheduler's own default when unset.
func (d Defaults) PollInterval() time.Duration {
	if d.PollIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(d.PollIntervalSeconds) * time.Second
}

// ProjectConfig is one entry of the projects map.
type ProjectConfig struct {
	Path              string                 `yaml:"path"`
	DefaultBranch     string                 `yaml:"default_branch"`
	MaxAgents         int                    `yaml:"max_agents"`
	Description       string                 `yaml:"description"`
	AgentInstructions string                 `yaml:"agent_instructions"`
	ContextFiles      []string               `yaml:"context_files"`
	Sandbox           string                 `yaml:"sandbox"`
	CatalogDir        string                 `yaml:"catalog_dir"`
	Channels          []core.ChannelBinding  `yaml:"channels"`
}

// ProfileConfig is one entry of the profiles map.
type ProfileConfig struct {
	Description   string                 `yaml:"description"`
	SystemPrompt  string                 `yaml:"system_prompt"`
	Instructions  string                 `yaml:"instructions"`
	StartSequence []core.StartDirective  `yaml:"start_sequence"`
}

// ConnectorConfig is one entry of the connectors map. Credentials are
// base64-encoded sealed blobs (see internal/credential), never
// plaintext, even in the config record.
type ConnectorConfig struct {
	Type        string            `yaml:"type"`
	Enabled     bool              `yaml:"enabled"`
	Credentials map[string]string `yaml:"credentials"`
	Settings    map[string]string `yaml:"settings"`
}

// Config is the top-level configuration record, per spec.md §6.
type Config struct {
	Server     Server                     `yaml:"server"`
	Defaults   Defaults                   `yaml:"defaults"`
	Profiles   map[string]ProfileConfig   `yaml:"profiles"`
	Projects   map[string]ProjectConfig   `yaml:"projects"`
	Connectors map[string]ConnectorConfig `yaml:"connectors"`
}

// Load reads and parses the YAML config record at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ConfigError{Field: path, Err: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &errs.ConfigError{Field: path, Err: err}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for name, p := range c.Projects {
		if p.Path == "" {
			return &errs.ConfigError{Field: "projects." + name + ".path", Err: fmt.Errorf("must not be empty")}
		}
		if p.DefaultBranch == "" {
			return &errs.ConfigError{Field: "projects." + name + ".default_branch", Err: fmt.Errorf("must not be empty")}
		}
	}
	for id, c := range c.Connectors {
		if c.Enabled && c.Type == "" {
			return &errs.ConfigError{Field: "connectors." + id + ".type", Err: fmt.Errorf("enabled connector must declare a type")}
		}
	}
	return nil
}

// CoreProjects converts the config's project map into core.Project
// records, applying Defaults where a project leaves a field unset.
func (c *Config) CoreProjects() map[string]core.Project {
	out := make(map[string]core.Project, len(c.Projects))
	for name, p := range c.Projects {
		maxAgents := p.MaxAgents
		if maxAgents == 0 {
			maxAgents = c.Defaults.MaxAgentsPerProject
		}
		sandbox := p.Sandbox
		if sandbox == "" {
			sandbox = c.Defaults.Sandbox
		}
		instructions := p.AgentInstructions
		if instructions == "" {
			instructions = c.Defaults.AgentInstructions
		}
		out[name] = core.Project{
			Name:              name,
			Path:              p.Path,
			DefaultBranch:     p.DefaultBranch,
			MaxAgents:         maxAgents,
			Description:       p.Description,
			AgentInstructions: instructions,
			ContextFiles:      p.ContextFiles,
			Sandbox:           sandbox,
			CatalogDir:        p.CatalogDir,
			Channels:          p.Channels,
		}
	}
	return out
}

// CoreProfiles converts the config's profile map into core.Profile
// records.
func (c *Config) CoreProfiles() map[string]core.Profile {
	out := make(map[string]core.Profile, len(c.Profiles))
	for name, p := range c.Profiles {
		out[name] = core.Profile{
			Name:          name,
			Description:   p.Description,
			SystemPrompt:  p.SystemPrompt,
			Instructions:  p.Instructions,
			StartSequence: p.StartSequence,
		}
	}
	return out
}

// CoreConnectors converts the config's connector map into
// core.ConnectorInstance records, in the disabled state — the
// connector router's Reconcile call is responsible for starting
// enabled instances.
func (c *Config) CoreConnectors() map[string]core.ConnectorInstance {
	out := make(map[string]core.ConnectorInstance, len(c.Connectors))
	for id, conn := range c.Connectors {
		out[id] = core.ConnectorInstance{
			ID:          id,
			Type:        conn.Type,
			Enabled:     conn.Enabled,
			Credentials: conn.Credentials,
			Settings:    conn.Settings,
			State:       core.ConnectorDisabled,
		}
	}
	return out
}
