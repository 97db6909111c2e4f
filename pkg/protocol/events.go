// Package protocol defines the JSON frames exchanged over a chat websocket.
//
// Every frame is an Envelope whose Event field selects the payload schema.
package protocol

import (
	"encoding/json"
	"time"
)

// Inbound events (connection -> server).
const (
	EventJoin           = "join"
	EventSendMessage    = "send-message"
	EventTypingStart    = "typing-start"
	EventTypingStop     = "typing-stop"
	EventPrivateMessage = "private-message"
	EventLeave          = "leave"
)

// Outbound events (server -> connection).
const (
	EventJoinSuccess    = "join-success"
	EventRecentMessages = "recent-messages"
	EventReceiveMessage = "receive-message"
	EventUsersUpdate    = "users-update"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventUserTyping     = "user-typing"
	EventMessageSent    = "message-sent"
	EventError          = "error"
	// EventPrivateMessage is reused for delivery to the recipient.
)

type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is implemented by every outbound payload.
type Event interface {
	EventName() string
}

// Encode wraps an outbound event in its envelope.
func Encode(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: e.EventName(), Payload: payload})
}

// --- inbound payloads ---

type JoinRequest struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

type PrivateMessageRequest struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
}

// --- outbound payloads ---

type MessageType string

const (
	MessageText    MessageType = "text"
	MessageSystem  MessageType = "system"
	MessagePrivate MessageType = "private"
)

type Message struct {
	ID             string      `json:"id"`
	Content        string      `json:"content"`
	SenderID       string      `json:"senderId"`
	SenderUsername string      `json:"username"`
	RoomID         string      `json:"roomId,omitempty"`
	RecipientID    string      `json:"recipientId,omitempty"`
	Type           MessageType `json:"type"`
	Timestamp      time.Time   `json:"timestamp"`
}

type OnlineUser struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type JoinSuccess struct {
	RoomID      string       `json:"roomId"`
	RoomName    string       `json:"roomName"`
	OnlineUsers []OnlineUser `json:"onlineUsers"`
}

func (JoinSuccess) EventName() string { return EventJoinSuccess }

type RecentMessages struct {
	RoomID   string    `json:"roomId"`
	Messages []Message `json:"messages"`
}

func (RecentMessages) EventName() string { return EventRecentMessages }

type ReceiveMessage struct {
	Message
}

func (ReceiveMessage) EventName() string { return EventReceiveMessage }

type UsersUpdate struct {
	RoomID string       `json:"roomId"`
	Users  []OnlineUser `json:"users"`
}

func (UsersUpdate) EventName() string { return EventUsersUpdate }

// UserJoined and UserLeft are system notices rendered by clients.
type UserJoined struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	RoomID    string    `json:"roomId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (UserJoined) EventName() string { return EventUserJoined }

type UserLeft struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	RoomID    string    `json:"roomId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (UserLeft) EventName() string { return EventUserLeft }

type UserTyping struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Typing   bool   `json:"typing"`
}

func (UserTyping) EventName() string { return EventUserTyping }

type PrivateMessage struct {
	Message
}

func (PrivateMessage) EventName() string { return EventPrivateMessage }

type MessageSent struct {
	MessageID string `json:"messageId"`
}

func (MessageSent) EventName() string { return EventMessageSent }

type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (Error) EventName() string { return EventError }
