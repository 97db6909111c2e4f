package state

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrConnectionExists  = errors.New("connection is already registered")
	ErrAlreadyRegistered = errors.New("connection already has a session")
	ErrSessionNotFound   = errors.New("session not found")
)

type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(conn Sender, ipAddr, userID string) (*Connection, error)
	DeregisterConnection(connID uuid.UUID) (*Connection, bool)
	GetConnection(connID uuid.UUID) (*Connection, bool)
	FindOldestUserConnection(userID string) (*Connection, bool)
	GetUserConnectionCount(userID string) (int, error)
	AllConnections() []*Connection

	// --- Presence Directory ---
	// Register fails with ErrAlreadyRegistered if connID already has a session.
	// The room registry is updated in the same critical section.
	Register(connID uuid.UUID, userID, username, roomID string) (Session, error)
	Unregister(connID uuid.UUID) (Session, error)
	Lookup(connID uuid.UUID) (Session, bool)
	// SessionsInRoom returns a snapshot ordered by join time.
	SessionsInRoom(roomID string) []Session
	// FindUserSession returns the earliest joined live session of userID.
	FindUserSession(userID string) (Session, bool)
	UserOnline(userID string) bool

	// --- Room Registry ---
	Members(roomID string) []uuid.UUID
	// RoomConnections resolves the room's members to their transports under
	// a single snapshot.
	RoomConnections(roomID string) []*Connection
	ActiveRooms() []string

	Stats() Stats
}
