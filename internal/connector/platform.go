// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package connector implements the Connector Router (spec.md §4.9):
// a uniform contract over chat platforms, inbound message routing to
// live agents, outbound state-transition notifications, and the
// disabled->starting->running<->reconnecting->stopping->stopped
// connector lifecycle. Grounded on the teacher's composition-root
// style of explicit, long-lived service construction and on
// original_source/agent_forge/connectors/manager.py for the concrete
// routing precedence spec.md's six rules compress away.
package connector

import (
	"context"

	"github.com/agent-forge/agentforge/internal/core"
)

// Channel describes one addressable destination on a platform, for
// binding UX (spec.md's list_channels()).
type Channel struct {
	ID   string
	Name string
	Kind string
}

// Platform is the uniform contract every chat-platform adapter
// implements. A Platform owns exactly one core.ConnectorInstance's
// credentials and connection for its lifetime; Start/Stop must be
// idempotent.
type Platform interface {
	// ID returns the connector instance id this Platform was built
	// for.
	ID() string

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, channelID, text string, buttons []core.ActionButton) error
	SendMedia(ctx context.Context, channelID, path, kind string) error

	ListChannels(ctx context.Context) ([]Channel, error)
	ValidateChannel(ctx context.Context, channelID string) (bool, error)

	// Inbound returns the channel the platform pushes incoming
	// messages onto. Closed when the platform stops.
	Inbound() <-chan core.InboundMessage
}

// Credentials is the decrypted view of a connector instance's sealed
// fields, handed to a Factory for the duration of Start. Callers
// retain ownership and must Close every value once the platform has
// consumed it.
type Credentials map[string]interface {
	String() string
	Close() error
}

// Factory constructs a Platform for one configured connector instance.
type Factory func(instance core.ConnectorInstance, creds Credentials, settings map[string]string) (Platform, error)

// registry maps a connector type name (e.g. "telegram", "discord") to
// its Factory. Populated by each platform adapter's init() in its own
// file, mirroring the teacher's pattern of self-registering drivers.
var registry = make(map[string]Factory)

// Register adds a Factory under typeName. Called from adapter
// packages' init(); panics on a duplicate registration since that can
// only indicate a build-time mistake.
func Register(typeName string, factory Factory) {
	if _, exists := registry[typeName]; exists {
		panic("connector: duplicate registration for type " + typeName)
	}
	registry[typeName] = factory
}

func lookup(typeName string) (Factory, bool) {
	f, ok := registry[typeName]
	return f, ok
}
