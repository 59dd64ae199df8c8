package types

import "time"

// EventType identifies a stream event on the wire. The string value is the
// SSE `event:` field sent to the client.
type EventType string

const (
	EventChunk       EventType = "chunk"
	EventStatus      EventType = "status"
	EventInteractive EventType = "interactive"
	EventChatID      EventType = "chatId"
	EventError       EventType = "error"
	EventComplete    EventType = "complete"
	EventEnd         EventType = "end"
)

// Delivery is the dispatch policy for a stream event. It is deliberately a
// closed two-case variant: every event type resolves to exactly one case, so
// a newly added type cannot silently default to the wrong path.
type Delivery int

const (
	// DeliverBuffered events are coalesced in the stream buffer and written
	// in batches.
	DeliverBuffered Delivery = iota

	// DeliverImmediate events bypass the buffer and reach the client at once.
	DeliverImmediate
)

// Delivery resolves the dispatch policy for the event type. Unknown event
// names (caller-defined named events) are buffered.
func (t EventType) Delivery() Delivery {
	switch t {
	case EventInteractive, EventChatID, EventError, EventComplete, EventStatus, EventEnd:
		return DeliverImmediate
	case EventChunk:
		return DeliverBuffered
	default:
		return DeliverBuffered
	}
}

// IsKnown reports whether the event type is one of the predefined types.
func (t EventType) IsKnown() bool {
	switch t {
	case EventChunk, EventStatus, EventInteractive, EventChatID, EventError, EventComplete, EventEnd:
		return true
	default:
		return false
	}
}

// StreamEvent is one logical event flowing through a stream. Events are
// constructed transiently per handler call and never persisted.
type StreamEvent struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Size      int       `json:"size,omitempty"`
}

// NewStreamEvent builds a StreamEvent stamped with the current time.
func NewStreamEvent(t EventType, data any) StreamEvent {
	return StreamEvent{Type: t, Data: data, Timestamp: time.Now()}
}

// StatusUpdate is the payload of a status event. Type "complete" and "error"
// additionally terminate the stream.
type StatusUpdate struct {
	Type    EventType `json:"type"`
	Message string    `json:"message,omitempty"`
}

// Terminal reports whether the status update ends the stream.
func (s StatusUpdate) Terminal() bool {
	return s.Type == EventComplete || s.Type == EventError
}
