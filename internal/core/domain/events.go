package domain

import "time"

type EventType string

// Host bridge event types.
const (
	EventReady        EventType = "ready"
	EventStreamReady  EventType = "streamReady"
	EventMediaAccess  EventType = "mediaAccess"
	EventVideoError   EventType = "videoError"
	EventStreamHealth EventType = "streamHealth"
)

// Pipeline event types.
const (
	EventHealthWarning      EventType = "health_warning"
	EventSourceChange       EventType = "source_change"
	EventTransitionStart    EventType = "transition_start"
	EventTransitionComplete EventType = "transition_complete"
	EventPipelineError      EventType = "error"
)

// Orchestrator lifecycle event types.
const (
	EventRelayInitialized EventType = "advanced_relay_initialized"
	EventRelayStarted     EventType = "advanced_relay_started"
	EventRelayStopped     EventType = "advanced_relay_stopped"
	EventRelayDestroyed   EventType = "advanced_relay_destroyed"
)

// Event is one message published toward the host bridge.
type Event struct {
	Type      EventType
	Payload   map[string]interface{}
	Timestamp time.Time
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, payload map[string]interface{}) Event {
	return Event{
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
