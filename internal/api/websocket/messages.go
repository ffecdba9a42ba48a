package websocket

import (
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/hub"
	"github.com/KevinKickass/SajModbusHub/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	MessageTypeSnapshot        MessageType = "snapshot"
	MessageTypeConnectionState MessageType = "connection_state"
	MessageTypeInverterAdded   MessageType = "inverter_added"
	MessageTypeInverterRemoved MessageType = "inverter_removed"

	// Client -> server
	MessageTypeAuth      MessageType = "auth"
	MessageTypeSubscribe MessageType = "subscribe"

	// Server -> client
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Inverter  string      `json:"inverter,omitempty"`
	Data      any         `json:"data,omitempty"`
}

type ConnectionStateData struct {
	State    hub.ConnectionState `json:"state"`
	Previous hub.ConnectionState `json:"previous_state"`
}

// ClientMessage is what clients send: an auth token or a subscription
// filter. An empty filter means all inverters.
type ClientMessage struct {
	Type      MessageType `json:"type"`
	Token     string      `json:"token,omitempty"`
	Inverters []string    `json:"inverters,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, inverter string, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Inverter:  inverter,
		Data:      data,
	}
}

func NewSnapshotMessage(inverter string, s *hub.Snapshot) Message {
	return NewMessage(MessageTypeSnapshot, inverter, s)
}

func NewConnectionStateMessage(inverter string, from, to hub.ConnectionState) Message {
	return NewMessage(MessageTypeConnectionState, inverter, ConnectionStateData{State: to, Previous: from})
}

func NewInverterMessage(msgType MessageType, info types.InverterInfo) Message {
	return NewMessage(msgType, info.Name, info)
}
