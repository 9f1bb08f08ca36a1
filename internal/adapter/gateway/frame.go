package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeHello FrameType = "hello"
	FrameTypeEvent FrameType = "event"
)

// Frame is the envelope pushed to event feed subscribers.
type Frame struct {
	Type    FrameType       `json:"type"`
	Event   string          `json:"event,omitempty"`   // federation event type
	Tenant  string          `json:"tenant,omitempty"`  // originating tenant
	Payload json.RawMessage `json:"payload,omitempty"` // full federation event
}
