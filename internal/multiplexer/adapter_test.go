// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package multiplexer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agent-forge/agentforge/lib/tmux"
)

func TestAdapter_CreateExistsKill(t *testing.T) {
	t.Parallel()

	server := tmux.NewTestServer(t)
	adapter := New(server)
	ctx := context.Background()

	const session = "forge__demo__abcdef"

	if adapter.Exists(session) {
		t.Fatal("session should not exist before Create")
	}

	if err := adapter.Create(ctx, session, "/tmp", 80, 24, "sleep", "infinity"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if !adapter.Exists(session) {
		t.Fatal("session should exist after Create")
	}

	if err := adapter.Create(ctx, session, "/tmp", 80, 24, "sleep", "infinity"); err != ErrAlreadyExists {
		t.Fatalf("Create on existing session = %v, want ErrAlreadyExists", err)
	}

	if err := adapter.Kill(ctx, session); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if adapter.Exists(session) {
		t.Fatal("session should not exist after Kill")
	}

	// Killing an already-dead session is idempotent.
	if err := adapter.Kill(ctx, session); err != nil {
		t.Fatalf("Kill (second call): %v", err)
	}
}

func TestAdapter_SendTextAndCapture(t *testing.T) {
	t.Parallel()

	server := tmux.NewTestServer(t)
	adapter := New(server)
	ctx := context.Background()

	const session = "forge__demo__112233"
	if err := adapter.Create(ctx, session, "/tmp", 80, 24, "cat"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { adapter.Kill(ctx, session) })

	if err := adapter.SendText(ctx, session, "hello-world"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := adapter.SendControl(ctx, session, ControlEnter); err != nil {
		t.Fatalf("SendControl: %v", err)
	}

	var captured string
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		out, err := adapter.Capture(ctx, session, 0)
		if err != nil {
			t.Fatalf("Capture: %v", err)
		}
		captured = out
		if strings.Contains(captured, "hello-world") {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if !strings.Contains(captured, "hello-world") {
		t.Errorf("captured pane = %q, want it to contain %q", captured, "hello-world")
	}
}

func TestParseControl(t *testing.T) {
	t.Parallel()

	control, ok := ParseControl("Ctrl-C")
	if !ok || control != ControlCtrlC {
		t.Errorf("ParseControl(\"Ctrl-C\") = %v, %v; want %v, true", control, ok, ControlCtrlC)
	}

	if _, ok := ParseControl("nonsense"); ok {
		t.Error("ParseControl(\"nonsense\") = ok, want not ok")
	}
}
