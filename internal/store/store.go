// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store implements the Event & Snapshot Store (spec.md §4.3):
// an append-only event log plus a one-row-per-agent snapshot table,
// backed by SQLite through lib/sqlitepool. Writes are serialized
// through a single mutex so that event timestamps are totally ordered
// per spec.md §5; reads take their own pooled connection and proceed
// concurrently.
package store

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/agent-forge/agentforge/internal/core"
	"github.com/agent-forge/agentforge/internal/errs"
	"github.com/agent-forge/agentforge/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	project TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	ts TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_agent_id_idx ON events(agent_id);
CREATE INDEX IF NOT EXISTS events_ts_idx ON events(ts);

CREATE TABLE IF NOT EXISTS snapshots (
	agent_id TEXT PRIMARY KEY,
	project TEXT NOT NULL,
	session_name TEXT NOT NULL,
	branch_name TEXT NOT NULL,
	status TEXT NOT NULL,
	task TEXT NOT NULL,
	profile TEXT NOT NULL,
	created_at TEXT NOT NULL,
	last_activity TEXT NOT NULL,
	last_response TEXT NOT NULL,
	last_user_message TEXT NOT NULL,
	sub_agent_count INTEGER NOT NULL,
	location TEXT NOT NULL,
	parked INTEGER NOT NULL
);
`

// Store is the Event & Snapshot Store. One Store per process, backed
// by one SQLite database file.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger

	writeMu sync.Mutex
}

// Open opens (creating if necessary) the database at path and applies
// the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecScript(conn, schema)
		},
	})
	if err != nil {
		return nil, &errs.StoreError{Op: "open", Err: err}
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// LogEvent appends an event. Per spec.md §4.3, failure to write an
// event must never crash the caller — it is logged and dropped.
func (s *Store) LogEvent(ctx context.Context, agentID, project string, kind core.EventKind, payload map[string]any) {
	if err := s.logEvent(ctx, agentID, project, kind, payload); err != nil {
		s.logger.Error("store: log-event failed",
			"agent_id", agentID, "project", project, "kind", kind, "error", err)
	}
}

func (s *Store) logEvent(ctx context.Context, agentID, project string, kind core.EventKind, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return &errs.StoreError{Op: "log-event:marshal", Err: err}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return &errs.StoreError{Op: "log-event:take", Err: err}
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO events (agent_id, project, kind, payload, ts) VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{agentID, project, string(kind), string(payloadJSON), nowRFC3339()},
		})
	if err != nil {
		return &errs.StoreError{Op: "log-event:insert", Err: err}
	}
	return nil
}

// SaveSnapshot upserts a snapshot row keyed by agent id. Per spec.md
// §4.3 this guarantees at most one row per agent at any time.
func (s *Store) SaveSnapshot(ctx context.Context, snapshot core.Snapshot) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return &errs.StoreError{Op: "save-snapshot:take", Err: err}
	}
	defer s.pool.Put(conn)

	parked := 0
	if snapshot.Parked {
		parked = 1
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO snapshots (
			agent_id, project, session_name, branch_name, status, task, profile,
			created_at, last_activity, last_response, last_user_message,
			sub_agent_count, location, parked
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			project=excluded.project,
			session_name=excluded.session_name,
			branch_name=excluded.branch_name,
			status=excluded.status,
			task=excluded.task,
			profile=excluded.profile,
			last_activity=excluded.last_activity,
			last_response=excluded.last_response,
			last_user_message=excluded.last_user_message,
			sub_agent_count=excluded.sub_agent_count,
			location=excluded.location,
			parked=excluded.parked
	`, &sqlitex.ExecOptions{
		Args: []any{
			snapshot.AgentID, snapshot.Project, snapshot.SessionName, snapshot.BranchName,
			string(snapshot.Status), snapshot.Task, snapshot.Profile,
			snapshot.CreatedAt.Format(time.RFC3339Nano), snapshot.LastActivity.Format(time.RFC3339Nano),
			snapshot.LastResponse, snapshot.LastUserMessage, snapshot.SubAgentCount,
			string(snapshot.Location), parked,
		},
	})
	if err != nil {
		return &errs.StoreError{Op: "save-snapshot:upsert", Err: err}
	}
	return nil
}

// LoadSnapshots returns every snapshot not in status=stopped, for
// startup recovery (spec.md §4.5's recovery procedure).
func (s *Store) LoadSnapshots(ctx context.Context) ([]core.Snapshot, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, &errs.StoreError{Op: "load-snapshots:take", Err: err}
	}
	defer s.pool.Put(conn)

	var snapshots []core.Snapshot
	err = sqlitex.Execute(conn,
		`SELECT agent_id, project, session_name, branch_name, status, task, profile,
		        created_at, last_activity, last_response, last_user_message,
		        sub_agent_count, location, parked
		 FROM snapshots WHERE status != ? ORDER BY created_at ASC`,
		&sqlitex.ExecOptions{
			Args: []any{string(core.StatusStopped)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				snapshots = append(snapshots, scanSnapshot(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, &errs.StoreError{Op: "load-snapshots:query", Err: err}
	}
	return snapshots, nil
}

// EventFilter narrows a RecentEvents query. Zero-value fields are
// unconstrained.
type EventFilter struct {
	AgentID string
	Project string
	Kind    core.EventKind
}

// RecentEvents returns up to limit events matching filter, in
// chronological (oldest-first) order within the returned page, most
// recent page per spec.md §4.3's "chronological tail query."
func (s *Store) RecentEvents(ctx context.Context, filter EventFilter, limit int) ([]core.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, &errs.StoreError{Op: "recent-events:take", Err: err}
	}
	defer s.pool.Put(conn)

	query := `SELECT id, agent_id, project, kind, payload, ts FROM events WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.Project != "" {
		query += " AND project = ?"
		args = append(args, filter.Project)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	var events []core.Event
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			events = append(events, scanEvent(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, &errs.StoreError{Op: "recent-events:query", Err: err}
	}

	// Results came back newest-first for the LIMIT to bite correctly;
	// reverse to chronological order before returning.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// ArchiveEvents streams every event older than cutoff to w as
// zstd-compressed newline-delimited JSON, then deletes those rows from
// the live table. This is the kernel's only event-log retention
// mechanism (spec.md §4.3 does not mandate a retention policy, but an
// append-only table with no compaction path grows without bound); an
// operator invokes it out of band, typically from a cron job writing
// to rotated archive files. Returns the number of events archived.
func (s *Store) ArchiveEvents(ctx context.Context, w io.Writer, cutoff time.Time) (int, error) {
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return 0, &errs.StoreError{Op: "archive-events:zstd-writer", Err: err}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		encoder.Close()
		return 0, &errs.StoreError{Op: "archive-events:take", Err: err}
	}
	defer s.pool.Put(conn)

	cutoffText := cutoff.UTC().Format(time.RFC3339Nano)

	var archived int
	var encodeErr error
	err = sqlitex.Execute(conn,
		`SELECT id, agent_id, project, kind, payload, ts FROM events WHERE ts < ? ORDER BY id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{cutoffText},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				line, marshalErr := json.Marshal(scanEvent(stmt))
				if marshalErr != nil {
					encodeErr = marshalErr
					return marshalErr
				}
				if _, encodeErr = encoder.Write(append(line, '\n')); encodeErr != nil {
					return encodeErr
				}
				archived++
				return nil
			},
		})
	if closeErr := encoder.Close(); err == nil && encodeErr == nil {
		encodeErr = closeErr
	}
	if err != nil {
		return 0, &errs.StoreError{Op: "archive-events:query", Err: err}
	}
	if encodeErr != nil {
		return 0, &errs.StoreError{Op: "archive-events:encode", Err: encodeErr}
	}

	err = sqlitex.Execute(conn, `DELETE FROM events WHERE ts < ?`, &sqlitex.ExecOptions{Args: []any{cutoffText}})
	if err != nil {
		return archived, &errs.StoreError{Op: "archive-events:delete", Err: err}
	}
	return archived, nil
}

func scanSnapshot(stmt *sqlite.Stmt) core.Snapshot {
	createdAt, _ := time.Parse(time.RFC3339Nano, stmt.GetText("created_at"))
	lastActivity, _ := time.Parse(time.RFC3339Nano, stmt.GetText("last_activity"))
	return core.Snapshot{
		AgentID:         stmt.GetText("agent_id"),
		Project:         stmt.GetText("project"),
		SessionName:     stmt.GetText("session_name"),
		BranchName:      stmt.GetText("branch_name"),
		Status:          core.Status(stmt.GetText("status")),
		Task:            stmt.GetText("task"),
		Profile:         stmt.GetText("profile"),
		CreatedAt:       createdAt,
		LastActivity:    lastActivity,
		LastResponse:    stmt.GetText("last_response"),
		LastUserMessage: stmt.GetText("last_user_message"),
		SubAgentCount:   int(stmt.GetInt64("sub_agent_count")),
		Location:        core.Location(stmt.GetText("location")),
		Parked:          stmt.GetInt64("parked") != 0,
	}
}

func scanEvent(stmt *sqlite.Stmt) core.Event {
	var payload map[string]any
	_ = json.Unmarshal([]byte(stmt.GetText("payload")), &payload)

	ts, _ := time.Parse(time.RFC3339Nano, stmt.GetText("ts"))
	return core.Event{
		ID:        stmt.GetInt64("id"),
		AgentID:   stmt.GetText("agent_id"),
		Project:   stmt.GetText("project"),
		Kind:      core.EventKind(stmt.GetText("kind")),
		Payload:   payload,
		Timestamp: ts,
	}
}

// timeNow is a var so tests can stub the event-timestamp clock without
// threading a full clock.Clock through the store.
var timeNow = func() time.Time { return time.Now().UTC() }

func nowRFC3339() string {
	return timeNow().Format(time.RFC3339Nano)
}
