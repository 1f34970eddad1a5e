package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType drives downstream handling of a canonical event.
type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventPassthrough  EventType = "other_passthrough"
)

// RawHubMessage is a single text frame as read from the hub socket.
type RawHubMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// NewRawHubMessage stamps a frame with the current time.
func NewRawHubMessage(data []byte) RawHubMessage {
	return RawHubMessage{Data: data, ReceivedAt: clock.Now()}
}

// Frame is the envelope shared by every message on the hub socket. Only the
// fields relevant to the frame's type are populated.
type Frame struct {
	ID          int             `json:"id,omitempty"`
	Type        string          `json:"type"`
	HAVersion   string          `json:"ha_version,omitempty"`
	Message     string          `json:"message,omitempty"`
	AccessToken string          `json:"access_token,omitempty"`
	EventType   string          `json:"event_type,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	Error       *FrameError     `json:"error,omitempty"`
	Event       json.RawMessage `json:"event,omitempty"`
}

// FrameError is the error body of an unsuccessful result frame.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Hub frame types.
const (
	FrameAuthRequired    = "auth_required"
	FrameAuth            = "auth"
	FrameAuthOK          = "auth_ok"
	FrameAuthInvalid     = "auth_invalid"
	FrameSubscribeEvents = "subscribe_events"
	FrameResult          = "result"
	FrameEvent           = "event"
	FramePing            = "ping"
	FramePong            = "pong"
)

// hubEvent is the payload of an event frame.
type hubEvent struct {
	EventType string          `json:"event_type"`
	TimeFired string          `json:"time_fired"`
	Origin    string          `json:"origin"`
	Data      json.RawMessage `json:"data"`
}

// hubState is a state object as it appears in state_changed data.
type hubState struct {
	EntityID    string         `json:"entity_id"`
	State       any            `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
	LastUpdated string         `json:"last_updated"`
}

// State is one side of a state transition.
type State struct {
	Value       Value     `json:"state"`
	Raw         string    `json:"raw,omitempty"`
	LastChanged time.Time `json:"last_changed,omitzero"`
	LastUpdated time.Time `json:"last_updated,omitzero"`
}

// CanonicalEvent is the pipeline's unit of work. It is created by the
// Normalizer, gains Weather at most once during enrichment, and is consumed by
// delivery and storage.
type CanonicalEvent struct {
	EntityID    string           `json:"entity_id"`
	Domain      string           `json:"domain"`
	Measurement string           `json:"measurement"`
	EventType   EventType        `json:"event_type"`
	HubType     string           `json:"hub_event_type"`
	Origin      string           `json:"origin,omitempty"`
	OccurredAt  time.Time        `json:"occurred_at"`
	OldState    *State           `json:"old_state"`
	NewState    *State           `json:"new_state"`
	Attributes  map[string]Value `json:"attributes,omitempty"`
	Conflicts   []string         `json:"conflicts,omitempty"`
	Weather     *Weather         `json:"weather"`
}

// RawEvent is a message read from the event topic on the store side, with
// an optional callback that commits its offset.
type RawEvent struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Headers   map[string]string
	Commit    func(ctx context.Context) error
}
