package model

import (
	"context"
	"encoding/json"
)

// DefaultRoomID is used when a join request carries no room.
const DefaultRoomID = "default"

// Message types exchanged over the wire.
const (
	MessageTypeJoinRoom    = "join-room"
	MessageTypeUpdateState = "update-state"
	MessageTypeState       = "state"
)

// Message is a single frame. State is opaque and is never decoded by the relay.
type Message struct {
	Type  string          `json:"type"`
	Room  string          `json:"room,omitempty"`
	State json.RawMessage `json:"state,omitempty"`
}

// NormalizeRoomID maps an empty room identifier to DefaultRoomID.
func NormalizeRoomID(roomID string) string {
	if roomID == "" {
		return DefaultRoomID
	}
	return roomID
}

// StateMessage builds a relay->client state frame.
// A nil snapshot is sent as JSON null.
func StateMessage(state json.RawMessage) Message {
	if state == nil {
		state = json.RawMessage("null")
	}
	return Message{Type: MessageTypeState, State: state}
}

// Wire connects a transport session to the relay.
// RX carries inbound frames, TX is the bounded outbox drained by the transport writer.
// Evict tears the session down, it is called when TX overflows.
type Wire struct {
	RX    chan Message
	TX    chan Message
	Evict context.CancelFunc
}

func NewWire(outboxSize int, evict context.CancelFunc) Wire {
	if evict == nil {
		evict = func() {}
	}
	return Wire{
		RX:    make(chan Message),
		TX:    make(chan Message, outboxSize),
		Evict: evict,
	}
}
