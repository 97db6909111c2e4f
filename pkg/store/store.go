// Package store defines the durable system of record for users, rooms and
// messages consumed by the chat core.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrMaxParticipants = errors.New("room is full")
	ErrInvalidPattern  = errors.New("invalid search pattern")
)

type User struct {
	ID       string
	Username string
	IsOnline bool
	LastSeen time.Time
}

type RoomType string

const (
	RoomPublic  RoomType = "public"
	RoomPrivate RoomType = "private"
)

type RoomSettings struct {
	MaxParticipants int
}

// Room invariants kept by every Store: CreatedBy is both a participant and an
// admin, and len(Participants) <= Settings.MaxParticipants.
type Room struct {
	ID           string
	Name         string
	Type         RoomType
	Participants []string
	Admins       []string
	CreatedBy    string
	Settings     RoomSettings
	CreatedAt    time.Time
}

func (r Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// RoomDefaults is used by FindOrCreateRoom when the room does not exist yet.
type RoomDefaults struct {
	Name            string
	Type            RoomType
	CreatedBy       string
	MaxParticipants int
}

type MessageType string

const (
	MessageText    MessageType = "text"
	MessageSystem  MessageType = "system"
	MessagePrivate MessageType = "private"
)

// Message has either RoomID or RecipientID set.
type Message struct {
	ID             string
	Content        string
	SenderID       string
	SenderUsername string
	RoomID         string
	RecipientID    string
	Type           MessageType
	Timestamp      time.Time
}

type Store interface {
	UpsertUser(ctx context.Context, user User) (User, error)
	GetUser(ctx context.Context, userID string) (User, error)

	FindOrCreateRoom(ctx context.Context, roomID string, defaults RoomDefaults) (Room, error)
	GetRoom(ctx context.Context, roomID string) (Room, error)
	ListRooms(ctx context.Context, limit int) ([]Room, error)
	SearchRooms(ctx context.Context, pattern string, limit int) ([]Room, error)
	// AddParticipant is a no-op for existing participants and fails with
	// ErrMaxParticipants when the room is full.
	AddParticipant(ctx context.Context, roomID, userID string) (Room, error)

	// AppendMessage assigns ID and Timestamp.
	AppendMessage(ctx context.Context, msg Message) (Message, error)
	// RecentMessages returns up to limit room messages, newest first.
	RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error)
	// SearchMessages matches content against a regular expression, optionally
	// within one room. Newest first.
	SearchMessages(ctx context.Context, pattern, roomID string, limit int) ([]Message, error)
	// ConversationMessages returns private messages between two users, newest first.
	ConversationMessages(ctx context.Context, userA, userB string, limit int) ([]Message, error)

	Close() error
}
