// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package errs defines the kernel's error taxonomy (spec.md §7):
// ConfigError, ProvisionError, SessionError, PlatformError,
// InferenceError, and StoreError. Each wraps an underlying cause and
// carries enough context for a structured log entry. Callers use
// errors.As to recover a specific kind when the propagation policy
// requires different handling (e.g. PlatformError triggers a retry
// with backoff; StoreError is logged and dropped).
package errs

import "fmt"

// ConfigError reports a malformed or missing configuration value.
// Never fatal after boot — surfaced at startup or hot-reload and the
// previous live config remains in effect.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ProvisionError reports a failed workspace/branch setup. Fatal to the
// single spawn it occurred in; the agent is never created.
type ProvisionError struct {
	Project string
	Op      string
	Err     error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s (project %s): %v", e.Op, e.Project, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// SessionError reports that the terminal multiplexer refused or lost a
// session. The Agent Manager returns it to the caller and leaves the
// agent's status unchanged; it does not move the agent to stopped or
// log an error event. An agent whose session has gone away is marked
// stopped by the scheduler's next poll.
type SessionError struct {
	SessionName string
	Op          string
	Err         error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s (%s): %v", e.SessionName, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// PlatformError reports a failed connector send. Retried with
// exponential backoff per connector; after the retry cap the message
// is dropped and a log entry is written.
type PlatformError struct {
	ConnectorID string
	Op          string
	Err         error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("connector %s (%s): %v", e.ConnectorID, e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// InferenceError reports a failed pane capture. The poll that
// triggered it is skipped; the agent's status is left unchanged.
type InferenceError struct {
	AgentID string
	Err     error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference for agent %s: %v", e.AgentID, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// StoreError reports a failed persistence write. Logged and dropped;
// in-memory state remains authoritative per spec.md §4.3.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
