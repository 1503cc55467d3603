// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/agent-forge/agentforge/lib/tmux"
)

// Hub owns one Session per live agent and re-attaches automatically
// when a session's tmux attach exits for a reason other than the
// agent itself being killed (e.g. a transient tmux hiccup). Reconnect
// backoff follows spec.md §4.7's 1s-to-30s exponential schedule.
type Hub struct {
	server *tmux.Server
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // keyed by agent id
}

// NewHub returns a Hub bound to the given dedicated tmux server.
func NewHub(server *tmux.Server, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{server: server, logger: logger, sessions: make(map[string]*Session)}
}

// Attach returns the live Session for agentID, creating it (and
// launching a reconnect-supervisor goroutine) if this is the first
// subscriber since boot or since the previous session ended.
func (h *Hub) Attach(ctx context.Context, agentID, tmuxSessionName string) (*Session, error) {
	h.mu.Lock()
	if existing, ok := h.sessions[agentID]; ok {
		h.mu.Unlock()
		return existing, nil
	}
	h.mu.Unlock()

	session, err := NewSession(h.server, agentID, tmuxSessionName, h.logger)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.sessions[agentID] = session
	h.mu.Unlock()

	go h.supervise(ctx, agentID, tmuxSessionName)

	return session, nil
}

// supervise watches a session for unexpected termination and
// re-attaches with exponential backoff as long as the underlying tmux
// session still exists — an agent that was deliberately killed leaves
// no tmux session behind, so this loop exits cleanly in that case.
func (h *Hub) supervise(ctx context.Context, agentID, tmuxSessionName string) {
	h.mu.Lock()
	session := h.sessions[agentID]
	h.mu.Unlock()
	if session == nil {
		return
	}
	<-session.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second

	for {
		if ctx.Err() != nil {
			h.remove(agentID)
			return
		}
		if !h.server.HasSession(tmuxSessionName) {
			h.remove(agentID)
			return
		}

		select {
		case <-time.After(b.NextBackOff()):
		case <-ctx.Done():
			h.remove(agentID)
			return
		}

		replacement, err := NewSession(h.server, agentID, tmuxSessionName, h.logger)
		if err != nil {
			h.logger.Warn("bridge reconnect failed", "agent_id", agentID, "error", err)
			continue
		}

		h.mu.Lock()
		h.sessions[agentID] = replacement
		h.mu.Unlock()

		<-replacement.Done()
	}
}

func (h *Hub) remove(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, agentID)
}

// Get returns the current Session for agentID, if one is attached.
func (h *Hub) Get(agentID string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	session, ok := h.sessions[agentID]
	return session, ok
}

// Detach forcibly closes and removes an agent's session, used when the
// agent itself is killed so the supervisor loop does not attempt to
// reconnect it.
func (h *Hub) Detach(agentID string) {
	h.mu.Lock()
	session, ok := h.sessions[agentID]
	delete(h.sessions, agentID)
	h.mu.Unlock()
	if ok {
		session.Close()
	}
}

// CloseAll tears down every active session, for orderly shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		sessions = append(sessions, session)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}
