// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/agent-forge/agentforge/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentforge.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	snapshot := core.Snapshot{
		AgentID:     "abc123",
		Project:     "iree",
		SessionName: "forge__iree__abc123",
		BranchName:  "agent/abc123/fix-bug",
		Status:      core.StatusWorking,
		Task:        "fix the bug",
		Profile:     "default",
		CreatedAt:   time.Now().UTC(),
		LastActivity: time.Now().UTC(),
		Location:    core.LocationLocal,
	}

	if err := s.SaveSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, err := s.LoadSnapshots(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("LoadSnapshots returned %d rows, want 1", len(loaded))
	}
	if loaded[0].AgentID != "abc123" || loaded[0].Status != core.StatusWorking {
		t.Errorf("loaded snapshot = %+v, want matching abc123/working", loaded[0])
	}

	// Upsert: changing status should not create a second row.
	snapshot.Status = core.StatusIdle
	if err := s.SaveSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("SaveSnapshot (update): %v", err)
	}
	loaded, err = s.LoadSnapshots(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Status != core.StatusIdle {
		t.Fatalf("expected single updated row, got %+v", loaded)
	}
}

func TestLoadSnapshots_ExcludesStopped(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	running := core.Snapshot{AgentID: "111111", Project: "p", SessionName: "s", BranchName: "b", Status: core.StatusWorking, CreatedAt: time.Now(), LastActivity: time.Now()}
	stopped := core.Snapshot{AgentID: "222222", Project: "p", SessionName: "s2", BranchName: "b2", Status: core.StatusStopped, CreatedAt: time.Now(), LastActivity: time.Now()}

	if err := s.SaveSnapshot(ctx, running); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSnapshot(ctx, stopped); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadSnapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].AgentID != "111111" {
		t.Fatalf("LoadSnapshots = %+v, want only the non-stopped agent", loaded)
	}
}

func TestLogEventAndRecentEvents(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	s.LogEvent(ctx, "abc123", "iree", core.EventSpawned, map[string]any{"task": "fix the bug"})
	s.LogEvent(ctx, "abc123", "iree", core.EventStatusChange, map[string]any{"from": "starting", "to": "working"})

	events, err := s.RecentEvents(ctx, EventFilter{AgentID: "abc123"}, 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("RecentEvents returned %d events, want 2", len(events))
	}
	if events[0].Kind != core.EventSpawned || events[1].Kind != core.EventStatusChange {
		t.Errorf("RecentEvents out of order: %+v", events)
	}
}

func TestArchiveEvents_RemovesArchivedRowsAndWritesCompressedLog(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return old }
	s.LogEvent(ctx, "abc123", "iree", core.EventSpawned, map[string]any{"task": "old"})

	recent := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return recent }
	s.LogEvent(ctx, "abc123", "iree", core.EventStatusChange, map[string]any{"to": "working"})
	t.Cleanup(func() { timeNow = func() time.Time { return time.Now().UTC() } })

	var buf bytes.Buffer
	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	archived, err := s.ArchiveEvents(ctx, &buf, cutoff)
	if err != nil {
		t.Fatalf("ArchiveEvents: %v", err)
	}
	if archived != 1 {
		t.Fatalf("ArchiveEvents archived %d events, want 1", archived)
	}

	decoder, err := zstd.NewReader(&buf)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer decoder.Close()
	decoded, err := io.ReadAll(decoder)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Contains(decoded, []byte("spawned")) {
		t.Errorf("archived log = %q, want it to contain the spawned event", decoded)
	}

	remaining, err := s.RecentEvents(ctx, EventFilter{AgentID: "abc123"}, 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Kind != core.EventStatusChange {
		t.Fatalf("RecentEvents after archive = %+v, want only the status_change event left", remaining)
	}
}
