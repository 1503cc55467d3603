// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package multiplexer implements the Terminal Multiplexer Adapter
// (spec.md §4.1): a thin, timeout-bounded wrapper over a dedicated
// tmux server that creates/kills named sessions, sends keystrokes and
// control characters, captures visible pane contents, and detects
// session existence. It is grounded on lib/tmux.Server, adding the
// fixed 5s default timeout and the closed control-key vocabulary the
// spec names.
package multiplexer

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/agent-forge/agentforge/lib/tmux"
)

// DefaultTimeout bounds every synchronous operation per spec.md §4.1:
// "must time out (≤5 s default) with a fail-with-diagnostic result
// rather than hang."
const DefaultTimeout = 5 * time.Second

// Control is the closed set of control actions the adapter accepts,
// per spec.md §4.1.
type Control string

const (
	ControlUp      Control = "up"
	ControlDown    Control = "down"
	ControlLeft    Control = "left"
	ControlRight   Control = "right"
	ControlEnter   Control = "enter"
	ControlCtrlC   Control = "ctrl-c"
	ControlCtrlD   Control = "ctrl-d"
	ControlCtrlT   Control = "ctrl-t"
	ControlEscape  Control = "escape"
	ControlTab     Control = "tab"
)

// controlKeys maps a Control to the tmux key name(s) that produce it.
var controlKeys = map[Control][]string{
	ControlUp:     {"Up"},
	ControlDown:   {"Down"},
	ControlLeft:   {"Left"},
	ControlRight:  {"Right"},
	ControlEnter:  {"Enter"},
	ControlCtrlC:  {"C-c"},
	ControlCtrlD:  {"C-d"},
	ControlCtrlT:  {"C-t"},
	ControlEscape: {"Escape"},
	ControlTab:    {"Tab"},
}

// Adapter is the Terminal Multiplexer Adapter, bound to one dedicated
// tmux server. Every method that takes a ctx returns when the
// operation finishes, the adapter's timeout expires, or ctx is done,
// whichever comes first; the underlying tmux CLI invocation is not
// cancelled and runs to completion in the background. Exists and Dead
// take no ctx and have no timeout.
type Adapter struct {
	server  *tmux.Server
	timeout time.Duration
}

// New returns an Adapter bound to the given tmux server, using
// DefaultTimeout for every operation.
func New(server *tmux.Server) *Adapter {
	return &Adapter{server: server, timeout: DefaultTimeout}
}

// WithTimeout returns a copy of the Adapter using the given timeout
// instead of DefaultTimeout.
func (a *Adapter) WithTimeout(timeout time.Duration) *Adapter {
	return &Adapter{server: a.server, timeout: timeout}
}

// Create creates a detached session with the given name, cwd, and
// grid size, running the given command. Idempotent in the sense
// spec.md §4.2 requires of the provisioner that calls it: if the
// session already exists, ErrAlreadyExists is returned rather than a
// generic error, so callers can distinguish that case. With an empty
// command the session runs tmux's default shell and cwd is not applied.
func (a *Adapter) Create(ctx context.Context, sessionName, cwd string, cols, rows int, command ...string) error {
	if a.server.HasSession(sessionName) {
		return ErrAlreadyExists
	}

	if cwd != "" && len(command) > 0 {
		// lib/tmux.Server.NewSession does not accept a working
		// directory, so the command runs under a shell that changes
		// into cwd and then execs it in place.
		command = append([]string{"sh", "-c", `cd "$0" && exec "$@"`, cwd}, command...)
	}

	done := make(chan error, 1)
	go func() {
		done <- a.server.NewSession(sessionName, command...)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("multiplexer: create %q: %w", sessionName, err)
		}
	case <-a.after(ctx):
		return fmt.Errorf("multiplexer: create %q: %w", sessionName, ErrTimeout)
	}

	if cols > 0 && rows > 0 {
		if err := a.server.ResizeWindow(sessionName, cols, rows); err != nil {
			return fmt.Errorf("multiplexer: resize %q: %w", sessionName, err)
		}
	}
	return nil
}

// SendText transmits literal characters to the session with no
// key-name interpretation. Large payloads are not split here — tmux
// send-keys -l handles arbitrarily long literal strings in one call.
func (a *Adapter) SendText(ctx context.Context, sessionName, text string) error {
	return a.run(ctx, func() error {
		return a.server.SendLiteral(sessionName, text)
	})
}

// SendControl injects a single named control sequence into the
// session.
func (a *Adapter) SendControl(ctx context.Context, sessionName string, control Control) error {
	keys, ok := controlKeys[control]
	if !ok {
		return fmt.Errorf("multiplexer: unknown control %q", control)
	}
	return a.run(ctx, func() error {
		return a.server.SendKeys(sessionName, keys...)
	})
}

// SendKeys injects one or more literal tmux key names, for callers
// (the Agent Manager's send-control translation) that need a sequence
// not covered by the Control enum, e.g. Down+Enter for always-allow.
func (a *Adapter) SendKeys(ctx context.Context, sessionName string, keys ...string) error {
	return a.run(ctx, func() error {
		return a.server.SendKeys(sessionName, keys...)
	})
}

// Capture returns the current visible-pane string. rows = 0 captures
// the entire scrollback and visible area.
func (a *Adapter) Capture(ctx context.Context, sessionName string, rows int) (string, error) {
	var result string
	err := a.run(ctx, func() error {
		captured, err := a.server.CapturePane(sessionName, rows)
		if err != nil {
			return err
		}
		result = captured
		return nil
	})
	return result, err
}

// Exists reports whether the named session exists.
func (a *Adapter) Exists(sessionName string) bool {
	return a.server.HasSession(sessionName)
}

// Kill terminates the session. Idempotent: killing a nonexistent
// session is not an error.
func (a *Adapter) Kill(ctx context.Context, sessionName string) error {
	return a.run(ctx, func() error {
		return a.server.KillSession(sessionName)
	})
}

// Signal sends a Unix signal directly to the pane's process, for
// graceful-interrupt semantics that send-keys C-c cannot express
// (e.g. SIGTERM during a forced restart).
func (a *Adapter) Signal(ctx context.Context, sessionName string, signal syscall.Signal) error {
	return a.run(ctx, func() error {
		return a.server.SignalPane(sessionName, signal)
	})
}

// Dead reports whether the pane's command has exited, and its exit
// code if so. The recovery supervisor and scheduler detect sessions
// that ended without an explicit kill() call through Exists, not this
// method.
func (a *Adapter) Dead(sessionName string) (dead bool, exitCode int, err error) {
	return a.server.PaneStatus(sessionName)
}

func (a *Adapter) run(ctx context.Context, op func() error) error {
	done := make(chan error, 1)
	go func() { done <- op() }()

	select {
	case err := <-done:
		return err
	case <-a.after(ctx):
		return ErrTimeout
	}
}

func (a *Adapter) after(ctx context.Context) <-chan struct{} {
	timeout := a.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	signal := make(chan struct{})
	timer := time.NewTimer(timeout)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			close(signal)
		case <-ctx.Done():
			close(signal)
		}
	}()
	return signal
}

// ParseControl maps a free-form action string (as received from a
// send-control API call) to a Control, normalizing case and
// whitespace. Returns ok=false for unrecognized actions.
func ParseControl(action string) (Control, bool) {
	candidate := Control(strings.ToLower(strings.TrimSpace(action)))
	if _, ok := controlKeys[candidate]; ok {
		return candidate, true
	}
	return "", false
}
