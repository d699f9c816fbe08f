// Package protocol defines the wire format between the hub and dashboard
// clients: outbound events, inbound frames, and the action/event kind sets.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/linepulse/linepulse/internal/errors"
)

// DefaultMaxFrameBytes is the default ceiling for inbound and outbound
// payloads. Bounds worst-case serialization and slow-consumer cost.
const DefaultMaxFrameBytes = 64 * 1024

// RoomGlobal is the implicit room every connection belongs to.
const RoomGlobal = "global"

// UserRoom derives the per-user room joined on identify. Publishing to it
// gives targeted delivery without a separate addressing scheme.
func UserRoom(userID string) string {
	return "user:" + userID
}

// Action is the kind of an inbound client frame.
type Action string

// Built-in actions. Anything else is resolved through the router's pluggable
// handler table.
const (
	ActionJoinRoom  Action = "join_room"
	ActionLeaveRoom Action = "leave_room"
	ActionIdentify  Action = "identify"
	ActionPing      Action = "ping"
)

// BuiltIn reports whether a is one of the core actions.
func (a Action) BuiltIn() bool {
	switch a {
	case ActionJoinRoom, ActionLeaveRoom, ActionIdentify, ActionPing:
		return true
	}
	return false
}

// Server-to-client event types.
const (
	EventConnected      = "connected"
	EventRoomJoined     = "room_joined"
	EventRoomLeft       = "room_left"
	EventIdentified     = "identified"
	EventPong           = "pong"
	EventError          = "error"
	EventServerDisabled = "server_disabled"
)

// Event is a server-to-client frame. It is built once per publish and
// serialized once regardless of fan-out size.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Room      string          `json:"room,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an immutable event. payload must be JSON-serializable;
// room may be empty for a global broadcast.
func NewEvent(eventType string, payload any, room string, ts time.Time) (*Event, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event payload: %w", err)
		}
		data = raw
	}
	return &Event{
		Type:      eventType,
		Data:      data,
		Room:      room,
		Timestamp: ts.UTC(),
	}, nil
}

// Encode serializes the event for the wire.
func (e *Event) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return raw, nil
}

// ParseEvent decodes a server-to-client frame on the client side.
func ParseEvent(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errors.ProtocolError("unparsable event frame").WithContext("cause", err.Error())
	}
	if e.Type == "" {
		return nil, errors.ProtocolError("event frame missing type")
	}
	return &e, nil
}

// Frame is a client-to-server message.
type Frame struct {
	Action Action          `json:"action"`
	Room   string          `json:"room,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ParseFrame decodes an inbound client frame. Malformed frames yield a
// protocol error rather than a silent drop.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.ProtocolError("unparsable frame").WithContext("cause", err.Error())
	}
	if f.Action == "" {
		return nil, errors.ProtocolError("frame missing action")
	}
	return &f, nil
}

// Encode serializes the frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return raw, nil
}

// Identity is the payload of an identify frame.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// ConnectedData is the payload of the connected acknowledgement.
type ConnectedData struct {
	ID    string   `json:"id"`
	Rooms []string `json:"rooms"`
}

// RoomData is the payload of room_joined and room_left acknowledgements.
type RoomData struct {
	Room string `json:"room"`
}

// ErrorData is the payload of a scoped error event.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
