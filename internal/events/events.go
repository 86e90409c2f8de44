package events

import "time"

const (
	TypeDataChanged   = "data_changed"
	TypeStatusChanged = "status_changed"
)

// Event is anything the orchestrator announces.
type Event interface {
	EventType() string
}

// DataChanged is published once per pull that brought records in.
type DataChanged struct {
	Adapter string `json:"adapter"`
	Count   int    `json:"count"`
}

func (DataChanged) EventType() string { return TypeDataChanged }

// StatusChanged is published on every sync state transition of an adapter.
type StatusChanged struct {
	Adapter   string    `json:"adapter"`
	State     string    `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	Halted    bool      `json:"halted,omitempty"`
	LastSync  time.Time `json:"last_sync,omitzero"`
}

func (StatusChanged) EventType() string { return TypeStatusChanged }

// Message is the JSON frame sent to WebSocket clients.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      Event     `json:"data,omitempty"`
}
