// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi implements the HTTP/WebSocket dispatcher (spec.md
// §6): the /ws status feed, the /ws/terminal/{agent_id} bridge,
// the config hot-reload endpoint, and the hook callback endpoint.
// WebSocket framing uses github.com/coder/websocket, the library the
// rest of the retrieval pack (Strob0t-CodeForge's ws adapter) already
// depends on for the same purpose.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/agent-forge/agentforge/internal/agentmanager"
	"github.com/agent-forge/agentforge/internal/broadcast"
	"github.com/agent-forge/agentforge/internal/bridge"
	"github.com/agent-forge/agentforge/internal/config"
	"github.com/agent-forge/agentforge/internal/connector"
	"github.com/agent-forge/agentforge/internal/scheduler"
)

// Server wires the kernel's components to HTTP handlers.
// handleConfigReload re-reads the YAML file at ConfigPath, the path
// given at startup; it is the only place that re-reads it.
type Server struct {
	Manager   *agentmanager.Manager
	Hub       *broadcast.Hub
	Bridges   *bridge.Hub
	Scheduler *scheduler.Scheduler
	Router    *connector.Router
	Logger    *slog.Logger

	ConfigPath string
}

// Mux builds the dispatcher's route table.
func (s *Server) Mux() *http.ServeMux {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleStatusFeed)
	mux.HandleFunc("GET /ws/terminal/{agent_id}", s.handleTerminal)
	mux.HandleFunc("POST /api/config/reload", s.handleConfigReload)
	mux.HandleFunc("POST /api/hooks/event", s.handleHookEvent)
	return mux
}

// wireMessage is the JSON envelope sent to /ws clients, per spec.md
// §6's "type discriminator" contract.
type wireMessage struct {
	Type    broadcast.Kind `json:"type"`
	Payload any            `json:"payload,omitempty"`
}

func (s *Server) handleStatusFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.Logger.Warn("httpapi: websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	sub := s.Hub.Subscribe()
	defer sub.Close()

	// Read loop: discards client keep-alive pings, detects disconnect.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages:
			if !ok {
				return
			}
			data, err := json.Marshal(wireMessage{Type: msg.Kind, Payload: msg.Payload})
			if err != nil {
				s.Logger.Error("httpapi: marshal status message failed", "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

type resizePayload struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	agent, ok := s.Manager.Get(agentID)
	if !ok {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}

	session, err := s.Bridges.Attach(r.Context(), agent.ID, agent.SessionName)
	if err != nil {
		http.Error(w, "attach failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	sub, metadata, history, err := session.Subscribe()
	if err != nil {
		http.Error(w, "subscribe failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer session.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	// Each newly attached subscriber takes write access; the subscriber
	// that held it before becomes read-only fan-out.
	session.GrantWrite(sub)

	writeFrame := func(message bridge.Message) error {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return conn.Write(writeCtx, websocket.MessageBinary, encodeFrame(message))
	}
	if err := writeFrame(metadata); err != nil {
		return
	}
	if err := writeFrame(history); err != nil {
		return
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Send:
				if !ok {
					return
				}
				if err := writeFrame(msg); err != nil {
					return
				}
			}
		}
	}()

	for {
		kind, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if kind == websocket.MessageText {
			var resize resizePayload
			if err := json.Unmarshal(data, &resize); err == nil && resize.Type == "resize" {
				session.HandleInbound(sub, bridge.NewResizeMessage(resize.Cols, resize.Rows))
			}
			continue
		}
		session.HandleInbound(sub, bridge.NewDataMessage(data))
	}
}

// encodeFrame renders a bridge.Message as the single binary frame the
// terminal WebSocket protocol uses, reusing the same length-prefixed
// framing internal/bridge already defines for its own wire format so
// there is exactly one encode/decode implementation to maintain.
func encodeFrame(message bridge.Message) []byte {
	var buf strings.Builder
	bridge.WriteMessage(&buf, message)
	return []byte(buf.String())
}

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	cfg, err := config.Load(s.ConfigPath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.Manager.UpdateConfig(agentmanager.Config{
		BaseCommand: cfg.Defaults.ClaudeCommand,
		Env:         cfg.Defaults.ClaudeEnv,
		Projects:    cfg.CoreProjects(),
		Profiles:    cfg.CoreProfiles(),
	})
	if s.Router != nil {
		s.Router.Configure(cfg.CoreProjects())
		s.Router.Reconcile(r.Context(), cfg.CoreConnectors())
	}

	w.WriteHeader(http.StatusNoContent)
}

type hookEvent struct {
	AgentID string `json:"agent_id"`
	Event   string `json:"event"`
}

func (s *Server) handleHookEvent(w http.ResponseWriter, r *http.Request) {
	var evt hookEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "malformed hook payload", http.StatusBadRequest)
		return
	}

	switch evt.Event {
	case "SubagentStart":
		s.Scheduler.SubAgentStart(r.Context(), evt.AgentID)
	case "SubagentStop":
		s.Scheduler.SubAgentStop(r.Context(), evt.AgentID)
	default:
		http.Error(w, "unknown event "+evt.Event, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
