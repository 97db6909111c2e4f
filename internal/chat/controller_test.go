package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-chat/internal/broadcast"
	"github.com/a-essam23/go-chat/internal/chat"
	"github.com/a-essam23/go-chat/pkg/protocol"
	"github.com/a-essam23/go-chat/pkg/state"
	"github.com/a-essam23/go-chat/pkg/state/statemanager"
	"github.com/a-essam23/go-chat/pkg/state/typing"
	"github.com/a-essam23/go-chat/pkg/store"
	"github.com/a-essam23/go-chat/pkg/store/sqlite"
	"github.com/google/uuid"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type recordingSender struct {
	id     uuid.UUID
	mu     sync.Mutex
	frames []protocol.Envelope
}

func (s *recordingSender) ID() uuid.UUID { return s.id }
func (s *recordingSender) Close(error)   {}
func (s *recordingSender) Send(message []byte) bool {
	var env protocol.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, env)
	return true
}

// take returns and clears the recorded frames.
func (s *recordingSender) take() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.frames
	s.frames = nil
	return out
}

func eventNames(frames []protocol.Envelope) []string {
	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = f.Event
	}
	return names
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("failed to decode %s payload: %v", env.Event, err)
	}
	return v
}

func expectEvents(t *testing.T, who string, frames []protocol.Envelope, want ...string) {
	t.Helper()
	got := eventNames(frames)
	if len(got) != len(want) {
		t.Fatalf("%s: expected events %v, got %v", who, want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("%s: expected events %v, got %v", who, want, got)
		}
	}
}

// flakyStore fails selected operations on demand. The hooks let a test
// stall an operation at a chosen point.
type flakyStore struct {
	store.Store
	failUpsert error
	failAppend error

	beforeUpsert func(store.User)
	afterAppend  func(store.Message)
	beforeRecent func()
}

func (f *flakyStore) UpsertUser(ctx context.Context, u store.User) (store.User, error) {
	if f.failUpsert != nil {
		return store.User{}, f.failUpsert
	}
	if f.beforeUpsert != nil {
		f.beforeUpsert(u)
	}
	return f.Store.UpsertUser(ctx, u)
}

func (f *flakyStore) AppendMessage(ctx context.Context, m store.Message) (store.Message, error) {
	if f.failAppend != nil {
		return store.Message{}, f.failAppend
	}
	saved, err := f.Store.AppendMessage(ctx, m)
	if err == nil && f.afterAppend != nil {
		f.afterAppend(saved)
	}
	return saved, err
}

func (f *flakyStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]store.Message, error) {
	if f.beforeRecent != nil {
		f.beforeRecent()
	}
	return f.Store.RecentMessages(ctx, roomID, limit)
}

type harness struct {
	t          *testing.T
	store      *flakyStore
	manager    *statemanager.InMemoryManager
	controller *chat.Controller
}

func newHarness(t *testing.T, cfg chat.Config) *harness {
	t.Helper()
	logger := newTestLogger()
	repo, err := sqlite.Open(context.Background(), ":memory:", logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	st := &flakyStore{Store: repo}
	m := statemanager.NewInMemoryManager(logger)
	ctrl := chat.NewController(st, m, typing.New(typing.DefaultTTL), broadcast.NewRouter(m, logger), cfg, logger)
	return &harness{t: t, store: st, manager: m, controller: ctrl}
}

func (h *harness) connect(subject string) *recordingSender {
	h.t.Helper()
	s := &recordingSender{id: uuid.New()}
	if _, err := h.manager.RegisterConnection(s, "127.0.0.1", subject); err != nil {
		h.t.Fatalf("RegisterConnection failed: %v", err)
	}
	return s
}

func (h *harness) join(s *recordingSender, userID, username, roomID string) {
	h.t.Helper()
	err := h.controller.Join(context.Background(), s.ID(), protocol.JoinRequest{UserID: userID, Username: username, RoomID: roomID})
	if err != nil {
		h.t.Fatalf("Join(%s) failed: %v", username, err)
	}
}

var ctx = context.Background()

// --- Join ---

func TestJoinAndMessageScenario(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c1, c2 := h.connect(""), h.connect("")

	h.join(c1, "alice_id", "alice", "general")
	frames := c1.take()
	expectEvents(t, "c1", frames, protocol.EventJoinSuccess, protocol.EventRecentMessages, protocol.EventUsersUpdate)
	js := decode[protocol.JoinSuccess](t, frames[0])
	if js.RoomID != "general" || len(js.OnlineUsers) != 1 {
		t.Errorf("unexpected join-success %+v", js)
	}

	h.join(c2, "bob_id", "bob", "general")
	frames = c2.take()
	expectEvents(t, "c2", frames, protocol.EventJoinSuccess, protocol.EventRecentMessages, protocol.EventUsersUpdate)
	update := decode[protocol.UsersUpdate](t, frames[2])
	if len(update.Users) != 2 || update.Users[0].Username != "alice" || update.Users[1].Username != "bob" {
		t.Errorf("users-update should list both users once, got %+v", update.Users)
	}

	frames = c1.take()
	expectEvents(t, "c1", frames, protocol.EventUsersUpdate, protocol.EventUserJoined)
	if update := decode[protocol.UsersUpdate](t, frames[0]); len(update.Users) != 2 {
		t.Errorf("c1 users-update should list both users, got %+v", update.Users)
	}
	if joined := decode[protocol.UserJoined](t, frames[1]); joined.Username != "bob" {
		t.Errorf("unexpected user-joined %+v", joined)
	}

	if err := h.controller.SendMessage(ctx, c1.ID(), protocol.SendMessageRequest{Content: "hello"}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	frames = c1.take()
	expectEvents(t, "c1", frames, protocol.EventReceiveMessage, protocol.EventMessageSent)
	msg := decode[protocol.ReceiveMessage](t, frames[0])
	if msg.Content != "hello" || msg.SenderUsername != "alice" {
		t.Errorf("unexpected message %+v", msg)
	}
	if sent := decode[protocol.MessageSent](t, frames[1]); sent.MessageID != msg.ID {
		t.Errorf("message-sent id %q does not match %q", sent.MessageID, msg.ID)
	}

	frames = c2.take()
	expectEvents(t, "c2", frames, protocol.EventReceiveMessage)
	if msg := decode[protocol.ReceiveMessage](t, frames[0]); msg.Content != "hello" || msg.SenderUsername != "alice" {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestJoin_HistoryIsChronological(t *testing.T) {
	h := newHarness(t, chat.Config{HistoryLimit: 2})
	c1 := h.connect("")
	h.join(c1, "alice_id", "alice", "general")
	for _, content := range []string{"one", "two", "three"} {
		if err := h.controller.SendMessage(ctx, c1.ID(), protocol.SendMessageRequest{Content: content}); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}

	c2 := h.connect("")
	h.join(c2, "bob_id", "bob", "general")
	frames := c2.take()
	recent := decode[protocol.RecentMessages](t, frames[1])
	if len(recent.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(recent.Messages))
	}
	if recent.Messages[0].Content != "two" || recent.Messages[1].Content != "three" {
		t.Errorf("expected chronological order, got %q, %q", recent.Messages[0].Content, recent.Messages[1].Content)
	}
	if recent.Messages[1].SenderID != "alice_id" || recent.Messages[1].Type != protocol.MessageText {
		t.Errorf("unexpected message %+v", recent.Messages[1])
	}
}

func TestJoin_Validation(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c := h.connect("")

	cases := []protocol.JoinRequest{
		{UserID: "", Username: "alice", RoomID: "general"},
		{UserID: "alice_id", Username: "  ", RoomID: "general"},
		{UserID: "alice_id", Username: "alice", RoomID: ""},
	}
	for _, req := range cases {
		if err := h.controller.Join(ctx, c.ID(), req); !errors.Is(err, chat.ErrInvalidIdentity) {
			t.Errorf("Join(%+v): expected ErrInvalidIdentity, got %v", req, err)
		}
	}
	if _, ok := h.manager.Lookup(c.ID()); ok {
		t.Error("invalid join must not register a session")
	}
}

func TestJoin_TokenSubjectMismatch(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c := h.connect("alice_id")

	err := h.controller.Join(ctx, c.ID(), protocol.JoinRequest{UserID: "mallory", Username: "mallory", RoomID: "general"})
	if !errors.Is(err, chat.ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
	h.join(c, "alice_id", "alice", "general")
}

func TestJoin_AlreadyRegistered(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c := h.connect("")
	h.join(c, "alice_id", "alice", "general")

	err := h.controller.Join(ctx, c.ID(), protocol.JoinRequest{UserID: "alice_id", Username: "alice", RoomID: "random"})
	if !errors.Is(err, chat.ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	if chat.ErrorCode(err) != "already-registered" {
		t.Errorf("unexpected code %q", chat.ErrorCode(err))
	}
}

func TestJoin_MaxParticipants(t *testing.T) {
	h := newHarness(t, chat.Config{DefaultMaxParticipants: 1})
	c1, c2 := h.connect(""), h.connect("")
	h.join(c1, "alice_id", "alice", "tiny")
	c1.take()

	err := h.controller.Join(ctx, c2.ID(), protocol.JoinRequest{UserID: "bob_id", Username: "bob", RoomID: "tiny"})
	if !errors.Is(err, chat.ErrMaxParticipants) {
		t.Fatalf("expected ErrMaxParticipants, got %v", err)
	}
	if _, ok := h.manager.Lookup(c2.ID()); ok {
		t.Error("rejected join must not register a session")
	}
	if frames := c1.take(); len(frames) != 0 {
		t.Errorf("rejected join must not broadcast, got %v", eventNames(frames))
	}
}

func TestJoin_RejectedJoinKeepsUserOffline(t *testing.T) {
	h := newHarness(t, chat.Config{DefaultMaxParticipants: 1})
	c1, c2 := h.connect(""), h.connect("")
	h.join(c1, "alice_id", "alice", "tiny")

	err := h.controller.Join(ctx, c2.ID(), protocol.JoinRequest{UserID: "bob_id", Username: "bob", RoomID: "tiny"})
	if !errors.Is(err, chat.ErrMaxParticipants) {
		t.Fatalf("expected ErrMaxParticipants, got %v", err)
	}
	u, err := h.store.GetUser(ctx, "bob_id")
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		t.Fatalf("GetUser failed: %v", err)
	case u.IsOnline:
		t.Error("rejected join must not mark the user online")
	}
}

func TestJoin_StoreFailureLeavesNoState(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c := h.connect("")
	h.store.failUpsert = errors.New("disk full")

	err := h.controller.Join(ctx, c.ID(), protocol.JoinRequest{UserID: "alice_id", Username: "alice", RoomID: "general"})
	if !errors.Is(err, chat.ErrStoreFailure) {
		t.Fatalf("expected ErrStoreFailure, got %v", err)
	}
	if _, ok := h.manager.Lookup(c.ID()); ok {
		t.Error("failed join must not register a session")
	}
	if len(h.manager.Members("general")) != 0 {
		t.Error("failed join must not add room members")
	}
	if frames := c.take(); len(frames) != 0 {
		t.Errorf("failed join must not send frames, got %v", eventNames(frames))
	}
	if ev := chat.ErrorEvent(err); ev.Code != "store-failure" || strings.Contains(ev.Message, "disk full") {
		t.Errorf("store cause must not leak to the client: %+v", ev)
	}
}

// --- Messages ---

func TestSendMessage_NotAuthenticated(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c := h.connect("")

	if err := h.controller.SendMessage(ctx, c.ID(), protocol.SendMessageRequest{Content: "hi"}); !errors.Is(err, chat.ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
	if err := h.controller.TypingStart(ctx, c.ID()); !errors.Is(err, chat.ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
	if err := h.controller.Leave(ctx, c.ID()); !errors.Is(err, chat.ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestSendMessage_EmptyContent(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c1, c2 := h.connect(""), h.connect("")
	h.join(c1, "alice_id", "alice", "general")
	h.join(c2, "bob_id", "bob", "general")
	c1.take()
	c2.take()

	for _, content := range []string{"", "   ", "\n\t"} {
		err := h.controller.SendMessage(ctx, c1.ID(), protocol.SendMessageRequest{Content: content})
		if !errors.Is(err, chat.ErrEmptyContent) {
			t.Errorf("content %q: expected ErrEmptyContent, got %v", content, err)
		}
	}
	if frames := c1.take(); len(frames) != 0 {
		t.Errorf("expected no frames for c1, got %v", eventNames(frames))
	}
	if frames := c2.take(); len(frames) != 0 {
		t.Errorf("expected no broadcast, got %v", eventNames(frames))
	}
}

func TestSendMessage_ContentLength(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c := h.connect("")
	h.join(c, "alice_id", "alice", "general")

	if err := h.controller.SendMessage(ctx, c.ID(), protocol.SendMessageRequest{Content: strings.Repeat("a", 1000)}); err != nil {
		t.Errorf("1000 characters should be accepted, got %v", err)
	}
	if err := h.controller.SendMessage(ctx, c.ID(), protocol.SendMessageRequest{Content: strings.Repeat("é", 1000)}); err != nil {
		t.Errorf("length is counted in characters, got %v", err)
	}
	err := h.controller.SendMessage(ctx, c.ID(), protocol.SendMessageRequest{Content: strings.Repeat("a", 1001)})
	if !errors.Is(err, chat.ErrContentTooLong) {
		t.Errorf("expected ErrContentTooLong, got %v", err)
	}
}

func TestSendMessage_MessageType(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c := h.connect("")
	h.join(c, "alice_id", "alice", "general")
	c.take()

	err := h.controller.SendMessage(ctx, c.ID(), protocol.SendMessageRequest{Content: "hi", Type: string(protocol.MessageSystem)})
	if !errors.Is(err, chat.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if frames := c.take(); len(frames) != 0 {
		t.Errorf("rejected message must not broadcast, got %v", eventNames(frames))
	}
	if msgs, _ := h.store.RecentMessages(ctx, "general", 10); len(msgs) != 0 {
		t.Errorf("rejected message must not be saved, got %d", len(msgs))
	}

	if err := h.controller.SendMessage(ctx, c.ID(), protocol.SendMessageRequest{Content: "hi", Type: string(protocol.MessageText)}); err != nil {
		t.Fatalf("text message failed: %v", err)
	}
	expectEvents(t, "c", c.take(), protocol.EventReceiveMessage, protocol.EventMessageSent)
}

func TestSendMessage_RoomOrderMatchesHistory(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c1, c2, viewer := h.connect(""), h.connect(""), h.connect("")
	h.join(c1, "alice_id", "alice", "general")
	h.join(c2, "bob_id", "bob", "general")
	h.join(viewer, "carol_id", "carol", "general")
	viewer.take()

	saved, release := make(chan struct{}), make(chan struct{})
	h.store.afterAppend = func(m store.Message) {
		if m.Content == "first" {
			close(saved)
			<-release
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := h.controller.SendMessage(ctx, c1.ID(), protocol.SendMessageRequest{Content: "first"}); err != nil {
			t.Errorf("SendMessage(first) failed: %v", err)
		}
	}()
	<-saved
	go func() {
		defer wg.Done()
		if err := h.controller.SendMessage(ctx, c2.ID(), protocol.SendMessageRequest{Content: "second"}); err != nil {
			t.Errorf("SendMessage(second) failed: %v", err)
		}
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	var live []string
	for _, f := range viewer.take() {
		if f.Event == protocol.EventReceiveMessage {
			live = append(live, decode[protocol.ReceiveMessage](t, f).Message.Content)
		}
	}
	stored, err := h.store.RecentMessages(ctx, "general", 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	history := make([]string, len(stored))
	for i, m := range stored {
		history[len(stored)-1-i] = m.Content
	}
	if strings.Join(live, ",") != "first,second" || strings.Join(history, ",") != "first,second" {
		t.Errorf("live order at viewer %v must match history %v", live, history)
	}
	if n := h.controller.RoomLockCount(); n != 0 {
		t.Errorf("expected idle room locks to be released, got %d", n)
	}
}

func TestSendMessage_StoreFailureNoBroadcast(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c1, c2 := h.connect(""), h.connect("")
	h.join(c1, "alice_id", "alice", "general")
	h.join(c2, "bob_id", "bob", "general")
	c1.take()
	c2.take()

	h.store.failAppend = errors.New("locked")
	err := h.controller.SendMessage(ctx, c1.ID(), protocol.SendMessageRequest{Content: "hello"})
	if !errors.Is(err, chat.ErrStoreFailure) {
		t.Fatalf("expected ErrStoreFailure, got %v", err)
	}
	if frames := c2.take(); len(frames) != 0 {
		t.Errorf("expected no broadcast, got %v", eventNames(frames))
	}
}

// --- Typing ---

func TestTyping_SelfSuppression(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c1, c2 := h.connect(""), h.connect("")
	h.join(c1, "alice_id", "alice", "general")
	h.join(c2, "bob_id", "bob", "general")
	c1.take()
	c2.take()

	if err := h.controller.TypingStart(ctx, c1.ID()); err != nil {
		t.Fatalf("TypingStart failed: %v", err)
	}
	if frames := c1.take(); len(frames) != 0 {
		t.Errorf("originator must not receive its typing event, got %v", eventNames(frames))
	}
	frames := c2.take()
	expectEvents(t, "c2", frames, protocol.EventUserTyping)
	ev := decode[protocol.UserTyping](t, frames[0])
	if ev.UserID != "alice_id" || ev.Username != "alice" || !ev.Typing {
		t.Errorf("unexpected user-typing %+v", ev)
	}
	if text := h.controller.TypingText("general"); text != "alice is typing..." {
		t.Errorf("unexpected typing text %q", text)
	}

	if err := h.controller.TypingStop(ctx, c1.ID()); err != nil {
		t.Fatalf("TypingStop failed: %v", err)
	}
	frames = c2.take()
	expectEvents(t, "c2", frames, protocol.EventUserTyping)
	if ev := decode[protocol.UserTyping](t, frames[0]); ev.Typing {
		t.Error("expected typing=false")
	}
	if text := h.controller.TypingText("general"); text != "" {
		t.Errorf("expected no typers, got %q", text)
	}
}

// --- Private messages ---

func TestPrivateMessage_RecipientOffline(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c := h.connect("")
	h.join(c, "alice_id", "alice", "general")
	c.take()

	err := h.controller.PrivateMessage(ctx, c.ID(), protocol.PrivateMessageRequest{RecipientID: "carol_id", Content: "are you there?"})
	if !errors.Is(err, chat.ErrRecipientOffline) {
		t.Fatalf("expected ErrRecipientOffline, got %v", err)
	}
	if chat.ErrorEvent(err).Code != "recipient-offline" {
		t.Errorf("unexpected error event %+v", chat.ErrorEvent(err))
	}

	history, err := h.store.ConversationMessages(ctx, "alice_id", "carol_id", 10)
	if err != nil {
		t.Fatalf("ConversationMessages failed: %v", err)
	}
	if len(history) != 1 || history[0].Content != "are you there?" || history[0].Type != store.MessagePrivate {
		t.Errorf("private message should be persisted, got %+v", history)
	}
}

func TestPrivateMessage_DeliveredToEarliestSession(t *testing.T) {
	h := newHarness(t, chat.Config{})
	alice := h.connect("")
	bob1, bob2 := h.connect(""), h.connect("")
	h.join(alice, "alice_id", "alice", "general")
	h.join(bob1, "bob_id", "bob", "general")
	h.join(bob2, "bob_id", "bob", "random")
	alice.take()
	bob1.take()
	bob2.take()

	err := h.controller.PrivateMessage(ctx, alice.ID(), protocol.PrivateMessageRequest{RecipientID: "bob_id", Content: "psst"})
	if err != nil {
		t.Fatalf("PrivateMessage failed: %v", err)
	}

	frames := bob1.take()
	expectEvents(t, "bob1", frames, protocol.EventPrivateMessage)
	pm := decode[protocol.PrivateMessage](t, frames[0])
	if pm.Content != "psst" || pm.SenderID != "alice_id" || pm.RecipientID != "bob_id" || pm.Type != protocol.MessagePrivate {
		t.Errorf("unexpected private message %+v", pm)
	}
	if frames := bob2.take(); len(frames) != 0 {
		t.Errorf("only the earliest session receives the message, bob2 got %v", eventNames(frames))
	}
	expectEvents(t, "alice", alice.take(), protocol.EventMessageSent)
}

// --- Leave / Disconnect ---

func TestLeave(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c1, c2 := h.connect(""), h.connect("")
	h.join(c1, "alice_id", "alice", "general")
	h.join(c2, "bob_id", "bob", "general")
	c1.take()
	c2.take()

	if err := h.controller.Leave(ctx, c2.ID()); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	frames := c1.take()
	expectEvents(t, "c1", frames, protocol.EventUserLeft, protocol.EventUsersUpdate)
	if update := decode[protocol.UsersUpdate](t, frames[1]); len(update.Users) != 1 || update.Users[0].UserID != "alice_id" {
		t.Errorf("unexpected users-update %+v", update)
	}

	user, err := h.store.GetUser(ctx, "bob_id")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.IsOnline {
		t.Error("bob should be offline after leaving his only session")
	}

	// the connection stays usable
	h.join(c2, "bob_id", "bob", "random")
}

func TestLeave_OtherSessionKeepsUserOnline(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c1, c2 := h.connect(""), h.connect("")
	h.join(c1, "alice_id", "alice", "general")
	h.join(c2, "alice_id", "alice", "random")

	if err := h.controller.Leave(ctx, c1.ID()); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	user, err := h.store.GetUser(ctx, "alice_id")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if !user.IsOnline {
		t.Error("alice still has a session and must stay online")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c1, c2 := h.connect(""), h.connect("")
	h.join(c1, "alice_id", "alice", "general")
	h.join(c2, "bob_id", "bob", "general")
	c1.take()

	h.controller.Disconnect(ctx, c2.ID())
	expectEvents(t, "c1", c1.take(), protocol.EventUserLeft, protocol.EventUsersUpdate)

	h.controller.Disconnect(ctx, c2.ID())
	if frames := c1.take(); len(frames) != 0 {
		t.Errorf("second disconnect must not broadcast, got %v", eventNames(frames))
	}

	if _, ok := h.manager.GetConnection(c2.ID()); ok {
		t.Error("disconnect must deregister the connection")
	}
	err := h.controller.Join(ctx, c2.ID(), protocol.JoinRequest{UserID: "bob_id", Username: "bob", RoomID: "general"})
	if !errors.Is(err, chat.ErrConnectionClosed) {
		t.Errorf("disconnected connection must be terminal, got %v", err)
	}
}

func TestDisconnect_OfflineFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c := h.connect("")
	h.join(c, "alice_id", "alice", "general")

	h.store.failUpsert = errors.New("gone")
	h.controller.Disconnect(ctx, c.ID())

	if _, ok := h.manager.Lookup(c.ID()); ok {
		t.Error("session must be removed even when persisting offline status fails")
	}
}

func TestDisconnect_DuringJoinLeavesNoSession(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c := h.connect("")

	entered, release := make(chan struct{}), make(chan struct{})
	h.store.beforeRecent = func() {
		close(entered)
		<-release
	}

	joinErr := make(chan error, 1)
	go func() {
		joinErr <- h.controller.Join(ctx, c.ID(), protocol.JoinRequest{UserID: "alice_id", Username: "alice", RoomID: "general"})
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		h.controller.Disconnect(ctx, c.ID())
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("disconnect must wait for the in-flight join")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done

	if err := <-joinErr; err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, ok := h.manager.Lookup(c.ID()); ok {
		t.Error("disconnect must remove the session created by the in-flight join")
	}
	if members := h.manager.Members("general"); len(members) != 0 {
		t.Errorf("expected no members, got %v", members)
	}
	if u, err := h.store.GetUser(ctx, "alice_id"); err != nil || u.IsOnline {
		t.Errorf("expected alice stored offline, got %+v (err %v)", u, err)
	}
	err := h.controller.Join(ctx, c.ID(), protocol.JoinRequest{UserID: "alice_id", Username: "alice", RoomID: "general"})
	if !errors.Is(err, chat.ErrConnectionClosed) {
		t.Errorf("disconnected connection must be terminal, got %v", err)
	}
}

func TestDisconnect_ReleasesConnectionGate(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c := h.connect("")
	h.join(c, "alice_id", "alice", "general")

	h.controller.Disconnect(ctx, c.ID())
	if err := h.controller.SendMessage(ctx, c.ID(), protocol.SendMessageRequest{Content: "late"}); !errors.Is(err, chat.ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
	if err := h.controller.TypingStart(ctx, c.ID()); !errors.Is(err, chat.ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
	if err := h.controller.Leave(ctx, uuid.New()); !errors.Is(err, chat.ErrConnectionClosed) {
		t.Errorf("unknown connection: expected ErrConnectionClosed, got %v", err)
	}
	if n := h.controller.GateCount(); n != 0 {
		t.Errorf("expected no gates after disconnect, got %d", n)
	}
}

func TestLeave_RejoinDuringOfflineWriteStaysOnline(t *testing.T) {
	h := newHarness(t, chat.Config{})
	c1, c2 := h.connect(""), h.connect("")
	h.join(c1, "alice_id", "alice", "general")

	rejoined := make(chan error, 1)
	var once sync.Once
	h.store.beforeUpsert = func(u store.User) {
		if u.IsOnline {
			return
		}
		once.Do(func() {
			go func() {
				rejoined <- h.controller.Join(ctx, c2.ID(), protocol.JoinRequest{UserID: "alice_id", Username: "alice", RoomID: "general"})
			}()
			// give the rejoin a chance to race the offline write
			time.Sleep(50 * time.Millisecond)
		})
	}

	if err := h.controller.Leave(ctx, c1.ID()); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if err := <-rejoined; err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}

	if !h.manager.UserOnline("alice_id") {
		t.Fatal("expected alice online in memory")
	}
	u, err := h.store.GetUser(ctx, "alice_id")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if !u.IsOnline {
		t.Error("stored presence must match the live session")
	}
}

func TestConcurrentJoinDisconnect_NoDrift(t *testing.T) {
	h := newHarness(t, chat.Config{DefaultMaxParticipants: 1000})

	const n = 40
	conns := make([]*recordingSender, n)
	for i := range conns {
		conns[i] = h.connect("")
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *recordingSender) {
			defer wg.Done()
			id := strconv.Itoa(i)
			if err := h.controller.Join(ctx, c.ID(), protocol.JoinRequest{UserID: "u" + id, Username: "user" + id, RoomID: "general"}); err != nil {
				t.Errorf("Join failed: %v", err)
				return
			}
			if i%2 == 0 {
				h.controller.Disconnect(ctx, c.ID())
			}
		}(i, c)
	}
	wg.Wait()

	members := h.manager.Members("general")
	sessions := h.manager.SessionsInRoom("general")
	if len(members) != n/2 || len(sessions) != n/2 {
		t.Fatalf("expected %d members and sessions, got %d and %d", n/2, len(members), len(sessions))
	}
	live := make(map[uuid.UUID]bool, len(sessions))
	for _, s := range sessions {
		live[s.ConnectionID] = true
	}
	for _, id := range members {
		if !live[id] {
			t.Errorf("member %s has no session", id)
		}
	}
	if got := h.controller.OnlineUsers("general"); len(got) != n/2 {
		t.Errorf("expected %d online users, got %d", n/2, len(got))
	}
}

var _ state.Sender = (*recordingSender)(nil)
