// Package domain contains entity without logic, just meta-data
package domain

import (
	"time"

	"github.com/google/uuid"
)

type (
	CallID   string
	StreamID string
)

// NewCallID is used when the transport does not name the call itself.
func NewCallID() CallID {
	return CallID(uuid.NewString())
}

type CallState int

const (
	CallConnecting CallState = iota
	CallActive
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallConnecting:
		return "connecting"
	case CallActive:
		return "active"
	case CallEnded:
		return "ended"
	default:
		return "unknown"
	}
}

type Transport string

const (
	TransportTelephony Transport = "telephony"
	TransportLocal     Transport = "local"
)

// CallInfo is a read-only view for APIs (no transport fields).
type CallInfo struct {
	ID           CallID    `json:"id"`
	StreamID     StreamID  `json:"stream_id,omitempty"`
	Transport    Transport `json:"transport"`
	State        string    `json:"state"`
	Responding   bool      `json:"responding"`
	PendingTasks int       `json:"pending_tasks"`
	StartedAt    time.Time `json:"started_at"`
}
