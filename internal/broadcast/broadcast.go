// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package broadcast implements the Broadcast Hub (spec.md §4.8): a
// single typed pub/sub point that fans agent_update, terminal_output,
// metrics_update, and log_line messages out to every connected
// WebSocket client. The fan-out and drop-oldest backpressure policy
// are adapted from internal/bridge.Session's subscriber registry,
// generalized from one ring-buffered pane's byte stream to the
// several message kinds spec.md §6 puts on /ws.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind identifies the category of a broadcast Message, matching the
// four event types spec.md §4.8 requires /ws subscribers to be able
// to distinguish between.
type Kind string

const (
	KindAgentUpdate    Kind = "agent_update"
	KindTerminalOutput Kind = "terminal_output"
	KindMetricsUpdate  Kind = "metrics_update"
	KindLogLine        Kind = "log_line"
	kindPing           Kind = "ping"
)

// Message is one published event. Payload is whatever the publisher
// passed to Publish; subscribers are expected to know the shape that
// corresponds to Kind (core.Snapshot for KindAgentUpdate, a raw byte
// chunk for KindTerminalOutput, and so on) and marshal it themselves.
type Message struct {
	Kind    Kind
	Payload any
}

// mailboxSize bounds each subscriber's buffered channel. A subscriber
// slower than the publish rate has its oldest unread message dropped
// rather than blocking the publisher, per spec.md §4.8's backpressure
// requirement.
const mailboxSize = 256

// DefaultPingInterval is how often idle subscribers receive a liveness
// ping, per spec.md §4.8.
const DefaultPingInterval = 30 * time.Second

// Subscriber is a single /ws client's mailbox.
type Subscriber struct {
	Messages chan Message

	hub    *Hub
	mu     sync.Mutex
	closed bool
}

// Close unregisters the subscriber from its hub and releases its
// mailbox. Idempotent.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.remove(s)
	close(s.Messages)
}

// Hub is the process-wide Broadcast Hub.
type Hub struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
}

// New creates an empty Hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new mailbox and returns it. Callers must
// Close it when the client disconnects.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{Messages: make(chan Message, mailboxSize), hub: h}

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
}

// Publish fans msg out to every current subscriber. A subscriber whose
// mailbox is full has its oldest queued message dropped to make room,
// rather than blocking this call — a single slow WebSocket client must
// never stall the scheduler or connector router that called Publish.
func (h *Hub) Publish(msg Message) {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.deliver(sub, msg)
	}
}

func (h *Hub) deliver(sub *Subscriber, msg Message) {
	select {
	case sub.Messages <- msg:
		return
	default:
	}

	// Mailbox full: drop the oldest queued message and retry once.
	select {
	case <-sub.Messages:
	default:
	}
	select {
	case sub.Messages <- msg:
	default:
		h.logger.Warn("broadcast: dropped message for slow subscriber", "kind", msg.Kind)
	}
}

// Count reports the number of currently connected subscribers, for
// metrics reporting.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// RunPings periodically publishes a liveness ping to every subscriber
// until ctx is cancelled, so idle WebSocket connections are not
// reaped by intermediate proxies, per spec.md §4.8.
func (h *Hub) RunPings(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Publish(Message{Kind: kindPing})
		}
	}
}
