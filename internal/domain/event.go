package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventWorkspaceCreated EventType = "workspace.created"
	EventWorkspaceStarted EventType = "workspace.started"
	EventWorkspaceStopped EventType = "workspace.stopped"
	EventWorkspaceError   EventType = "workspace.error"

	// Bridge stream health events.
	EventBridgeConnected    EventType = "bridge.connected"
	EventBridgeDisconnected EventType = "bridge.disconnected"
)

// Event is the envelope published on the event bus. Payload carries the
// full workspace descriptor for created/started/error events and is empty
// for stopped events, which identify the workspace by WorkspaceID alone.
type Event struct {
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received. Handlers
// must tolerate missing earlier events: the bus does not replay.
type EventHandler func(ctx context.Context, event Event)

// EventBus is the in-process publish/subscribe channel for lifecycle
// events. Publish is fire-and-forget; ordering across distinct publishers
// is undefined.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type and
	// returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
