package state

import (
	"time"

	"github.com/google/uuid"
)

// Sender is the transport side of a live connection.
type Sender interface {
	ID() uuid.UUID
	// Send queues a frame; it reports false when the frame was not queued.
	Send(message []byte) bool
	Close(err error)
}

// representation of a single transport-layer connection.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	// UserID is the authenticated subject from the upgrade request, empty for
	// anonymous connections.
	UserID    string
	Transport Sender
	CreatedAt time.Time
}

// Session is the live association between one connection and one identity
// in one room.
type Session struct {
	ConnectionID uuid.UUID
	UserID       string
	Username     string
	RoomID       string
	JoinedAt     time.Time
}

type Stats struct {
	Connections int `json:"connections"`
	Sessions    int `json:"sessions"`
	ActiveRooms int `json:"activeRooms"`
	OnlineUsers int `json:"onlineUsers"`
}
