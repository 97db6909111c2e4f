// Package chat implements the session lifecycle of a chat connection: join,
// messaging, typing, private messages, leave and disconnect.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/a-essam23/go-chat/internal/broadcast"
	"github.com/a-essam23/go-chat/pkg/protocol"
	"github.com/a-essam23/go-chat/pkg/state"
	"github.com/a-essam23/go-chat/pkg/state/typing"
	"github.com/a-essam23/go-chat/pkg/store"
	"github.com/google/uuid"
)

type Config struct {
	HistoryLimit           int
	MaxContentLength       int
	TypingTTL              time.Duration
	DefaultMaxParticipants int
}

// gate serializes the operations of one connection. Once closed the
// connection is terminal.
type gate struct {
	mu     sync.Mutex
	closed bool
}

type Controller struct {
	store     store.Store
	manager   state.Manager
	typing    *typing.Tracker
	broadcast *broadcast.Router
	config    Config
	logger    *slog.Logger
	now       func() time.Time

	gatesMu sync.Mutex
	gates   map[uuid.UUID]*gate

	// rooms orders message delivery within a room; users makes a presence
	// write and the session change it reflects atomic.
	rooms *keyedMutex
	users *keyedMutex
}

func NewController(st store.Store, manager state.Manager, tracker *typing.Tracker, router *broadcast.Router, config Config, logger *slog.Logger) *Controller {
	if config.TypingTTL <= 0 {
		config.TypingTTL = typing.DefaultTTL
	}
	if config.MaxContentLength <= 0 {
		config.MaxContentLength = 1000
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 50
	}
	if config.DefaultMaxParticipants <= 0 {
		config.DefaultMaxParticipants = 100
	}
	return &Controller{
		store:     st,
		manager:   manager,
		typing:    tracker,
		broadcast: router,
		config:    config,
		logger:    logger.With(slog.String("component", "chat_controller")),
		now:       func() time.Time { return time.Now().UTC() },
		gates:     make(map[uuid.UUID]*gate),
		rooms:     newKeyedMutex(),
		users:     newKeyedMutex(),
	}
}

// enter locks the connection's gate. The returned func unlocks it. Gates
// only exist for registered connections.
func (c *Controller) enter(connID uuid.UUID) (*gate, func(), error) {
	c.gatesMu.Lock()
	g, ok := c.gates[connID]
	if !ok {
		if _, registered := c.manager.GetConnection(connID); !registered {
			c.gatesMu.Unlock()
			return nil, nil, ErrConnectionClosed
		}
		g = &gate{}
		c.gates[connID] = g
	}
	c.gatesMu.Unlock()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, nil, ErrConnectionClosed
	}
	return g, g.mu.Unlock, nil
}

// --- Join ---

func (c *Controller) Join(ctx context.Context, connID uuid.UUID, req protocol.JoinRequest) error {
	_, unlock, err := c.enter(connID)
	if err != nil {
		return err
	}
	defer unlock()

	req.UserID = strings.TrimSpace(req.UserID)
	req.Username = strings.TrimSpace(req.Username)
	req.RoomID = strings.TrimSpace(req.RoomID)
	if req.UserID == "" || req.Username == "" || req.RoomID == "" {
		return ErrInvalidIdentity
	}

	conn, ok := c.manager.GetConnection(connID)
	if !ok {
		return ErrConnectionClosed
	}
	if conn.UserID != "" && conn.UserID != req.UserID {
		return fmt.Errorf("%w: token subject does not match userId", ErrInvalidIdentity)
	}
	if _, ok := c.manager.Lookup(connID); ok {
		return ErrAlreadyRegistered
	}

	// Durable writes happen before any in-memory change. The user is marked
	// online last so a rejected join leaves the stored presence untouched.
	now := c.now()
	room, err := c.store.FindOrCreateRoom(ctx, req.RoomID, store.RoomDefaults{
		Name:            req.RoomID,
		Type:            store.RoomPublic,
		CreatedBy:       req.UserID,
		MaxParticipants: c.config.DefaultMaxParticipants,
	})
	if err != nil {
		return c.storeFailure("find or create room", err)
	}
	if _, err := c.store.AddParticipant(ctx, room.ID, req.UserID); err != nil {
		if errors.Is(err, store.ErrMaxParticipants) {
			return err
		}
		return c.storeFailure("add participant", err)
	}
	history, err := c.store.RecentMessages(ctx, room.ID, c.config.HistoryLimit)
	if err != nil {
		return c.storeFailure("recent messages", err)
	}

	sess, err := c.register(ctx, connID, req, room.ID, now)
	if err != nil {
		return err
	}

	joined := c.broadcast.ToConnection(connID, protocol.JoinSuccess{
		RoomID:      room.ID,
		RoomName:    room.Name,
		OnlineUsers: c.onlineUsers(room.ID),
	})
	if !joined {
		if _, err := c.manager.Unregister(connID); err != nil {
			c.logger.Error("Failed to roll back session", slog.Any("connID", connID), slog.Any("error", err))
		}
		c.markOffline(ctx, req.UserID)
		return ErrConnectionClosed
	}

	// newest first from the store, delivered oldest first
	slices.Reverse(history)
	c.broadcast.ToConnection(connID, protocol.RecentMessages{RoomID: room.ID, Messages: ToWireMessages(history)})

	c.broadcast.ToRoom(room.ID, protocol.UsersUpdate{RoomID: room.ID, Users: c.onlineUsers(room.ID)}, nil)
	c.broadcast.ToRoom(room.ID, protocol.UserJoined{
		UserID:    sess.UserID,
		Username:  sess.Username,
		RoomID:    room.ID,
		Content:   sess.Username + " joined the room",
		Timestamp: now,
	}, &connID)

	c.logger.Info("User joined room", slog.Any("connID", connID), slog.String("userID", sess.UserID), slog.String("roomID", room.ID))
	return nil
}

// register marks the user online and creates the session under the user's
// presence lock.
func (c *Controller) register(ctx context.Context, connID uuid.UUID, req protocol.JoinRequest, roomID string, now time.Time) (state.Session, error) {
	unlockUser := c.users.Lock(req.UserID)
	defer unlockUser()

	if _, err := c.store.UpsertUser(ctx, store.User{ID: req.UserID, Username: req.Username, IsOnline: true, LastSeen: now}); err != nil {
		return state.Session{}, c.storeFailure("upsert user", err)
	}
	sess, err := c.manager.Register(connID, req.UserID, req.Username, roomID)
	if err != nil {
		c.persistOffline(ctx, req.UserID)
		return state.Session{}, err
	}
	return sess, nil
}

// --- Messages ---

func (c *Controller) SendMessage(ctx context.Context, connID uuid.UUID, req protocol.SendMessageRequest) error {
	_, unlock, err := c.enter(connID)
	if err != nil {
		return err
	}
	defer unlock()

	sess, ok := c.manager.Lookup(connID)
	if !ok {
		return ErrNotAuthenticated
	}
	if req.Type != "" && req.Type != string(protocol.MessageText) {
		return fmt.Errorf("%w: unsupported message type %q", ErrMalformedPayload, req.Type)
	}
	content, err := c.validateContent(req.Content)
	if err != nil {
		return err
	}

	// the room stays locked from save to broadcast so every viewer sees
	// messages in store order
	unlockRoom := c.rooms.Lock(sess.RoomID)
	defer unlockRoom()

	msg, err := c.store.AppendMessage(ctx, store.Message{
		Content:        content,
		SenderID:       sess.UserID,
		SenderUsername: sess.Username,
		RoomID:         sess.RoomID,
		Type:           store.MessageText,
	})
	if err != nil {
		return c.storeFailure("append message", err)
	}

	if c.typing.ClearTyping(sess.RoomID, sess.UserID) {
		c.broadcast.ToRoom(sess.RoomID, protocol.UserTyping{UserID: sess.UserID, Username: sess.Username, Typing: false}, &connID)
	}
	// the sender sees its message through the room broadcast
	c.broadcast.ToRoom(sess.RoomID, protocol.ReceiveMessage{Message: ToWireMessage(msg)}, nil)
	c.broadcast.ToConnection(connID, protocol.MessageSent{MessageID: msg.ID})
	return nil
}

func (c *Controller) PrivateMessage(ctx context.Context, connID uuid.UUID, req protocol.PrivateMessageRequest) error {
	_, unlock, err := c.enter(connID)
	if err != nil {
		return err
	}
	defer unlock()

	sess, ok := c.manager.Lookup(connID)
	if !ok {
		return ErrNotAuthenticated
	}
	recipientID := strings.TrimSpace(req.RecipientID)
	if recipientID == "" {
		return fmt.Errorf("%w: recipientId is required", ErrInvalidIdentity)
	}
	content, err := c.validateContent(req.Content)
	if err != nil {
		return err
	}

	// persisted whether or not the recipient is online
	msg, err := c.store.AppendMessage(ctx, store.Message{
		Content:        content,
		SenderID:       sess.UserID,
		SenderUsername: sess.Username,
		RecipientID:    recipientID,
		Type:           store.MessagePrivate,
	})
	if err != nil {
		return c.storeFailure("append private message", err)
	}

	target, ok := c.manager.FindUserSession(recipientID)
	if !ok || !c.broadcast.ToConnection(target.ConnectionID, protocol.PrivateMessage{Message: ToWireMessage(msg)}) {
		return ErrRecipientOffline
	}
	c.broadcast.ToConnection(connID, protocol.MessageSent{MessageID: msg.ID})
	return nil
}

func (c *Controller) validateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > c.config.MaxContentLength {
		return "", ErrContentTooLong
	}
	return content, nil
}

// --- Typing ---

func (c *Controller) TypingStart(ctx context.Context, connID uuid.UUID) error {
	return c.setTyping(connID, true)
}

func (c *Controller) TypingStop(ctx context.Context, connID uuid.UUID) error {
	return c.setTyping(connID, false)
}

func (c *Controller) setTyping(connID uuid.UUID, active bool) error {
	_, unlock, err := c.enter(connID)
	if err != nil {
		return err
	}
	defer unlock()

	sess, ok := c.manager.Lookup(connID)
	if !ok {
		return ErrNotAuthenticated
	}
	if active {
		c.typing.SetTyping(sess.RoomID, sess.UserID, sess.Username, c.config.TypingTTL)
	} else {
		c.typing.ClearTyping(sess.RoomID, sess.UserID)
	}
	c.broadcast.ToRoom(sess.RoomID, protocol.UserTyping{UserID: sess.UserID, Username: sess.Username, Typing: active}, &connID)
	return nil
}

// --- Leave / Disconnect ---

func (c *Controller) Leave(ctx context.Context, connID uuid.UUID) error {
	_, unlock, err := c.enter(connID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := c.manager.Lookup(connID); !ok {
		return ErrNotAuthenticated
	}
	c.leaveRoom(ctx, connID)
	return nil
}

// Disconnect removes the session and the connection itself, making connID
// terminal. Calling it again is a no-op.
func (c *Controller) Disconnect(ctx context.Context, connID uuid.UUID) {
	g, unlock, err := c.enter(connID)
	if err != nil {
		return
	}
	g.closed = true
	defer func() {
		c.gatesMu.Lock()
		c.manager.DeregisterConnection(connID)
		delete(c.gates, connID)
		c.gatesMu.Unlock()
		unlock()
	}()

	c.leaveRoom(ctx, connID)
}

func (c *Controller) leaveRoom(ctx context.Context, connID uuid.UUID) {
	sess, err := c.manager.Unregister(connID)
	if err != nil {
		return
	}
	c.typing.ClearTyping(sess.RoomID, sess.UserID)

	c.broadcast.ToRoom(sess.RoomID, protocol.UserLeft{
		UserID:    sess.UserID,
		Username:  sess.Username,
		RoomID:    sess.RoomID,
		Content:   sess.Username + " left the room",
		Timestamp: c.now(),
	}, nil)
	c.broadcast.ToRoom(sess.RoomID, protocol.UsersUpdate{RoomID: sess.RoomID, Users: c.onlineUsers(sess.RoomID)}, nil)

	c.markOffline(ctx, sess.UserID)
	c.logger.Info("User left room", slog.Any("connID", connID), slog.String("userID", sess.UserID), slog.String("roomID", sess.RoomID))
}

// markOffline persists the user as offline unless another session still
// holds them.
func (c *Controller) markOffline(ctx context.Context, userID string) {
	unlockUser := c.users.Lock(userID)
	defer unlockUser()
	c.persistOffline(ctx, userID)
}

// persistOffline expects the user's presence lock to be held.
func (c *Controller) persistOffline(ctx context.Context, userID string) {
	if c.manager.UserOnline(userID) {
		return
	}
	if _, err := c.store.UpsertUser(ctx, store.User{ID: userID, IsOnline: false, LastSeen: c.now()}); err != nil {
		c.logger.Error("Failed to persist offline status", slog.String("userID", userID), slog.Any("error", err))
	}
}

// --- Presence ---

// OnlineUsers lists the distinct users with a live session in roomID, in
// join order.
func (c *Controller) OnlineUsers(roomID string) []protocol.OnlineUser {
	return c.onlineUsers(roomID)
}

// TypingText renders the room's current typers.
func (c *Controller) TypingText(roomID string) string {
	return typing.Text(c.typing.ActiveTypers(roomID))
}

func (c *Controller) onlineUsers(roomID string) []protocol.OnlineUser {
	sessions := c.manager.SessionsInRoom(roomID)
	seen := make(map[string]struct{}, len(sessions))
	users := make([]protocol.OnlineUser, 0, len(sessions))
	for _, s := range sessions {
		if _, ok := seen[s.UserID]; ok {
			continue
		}
		seen[s.UserID] = struct{}{}
		users = append(users, protocol.OnlineUser{UserID: s.UserID, Username: s.Username})
	}
	return users
}

func (c *Controller) storeFailure(op string, err error) error {
	c.logger.Error("Store operation failed", slog.String("op", op), slog.Any("error", err))
	return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}

// ToWireMessage converts a stored message to its protocol form.
func ToWireMessage(m store.Message) protocol.Message {
	return protocol.Message{
		ID:             m.ID,
		Content:        m.Content,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		RoomID:         m.RoomID,
		RecipientID:    m.RecipientID,
		Type:           protocol.MessageType(m.Type),
		Timestamp:      m.Timestamp,
	}
}

func ToWireMessages(ms []store.Message) []protocol.Message {
	out := make([]protocol.Message, len(ms))
	for i, m := range ms {
		out[i] = ToWireMessage(m)
	}
	return out
}
