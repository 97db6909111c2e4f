package sqlite_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/a-essam23/go-chat/pkg/store"
	"github.com/a-essam23/go-chat/pkg/store/sqlite"
)

func newTestRepository(t *testing.T) *sqlite.Repository {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := sqlite.Open(context.Background(), ":memory:", logger)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func defaults(creator string, limit int) store.RoomDefaults {
	return store.RoomDefaults{Name: "General", Type: store.RoomPublic, CreatedBy: creator, MaxParticipants: limit}
}

func TestRepository_Users(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if _, err := repo.GetUser(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	u, err := repo.UpsertUser(ctx, store.User{ID: "u1", Username: "alice", IsOnline: true})
	if err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	if u.Username != "alice" || !u.IsOnline {
		t.Errorf("unexpected user %+v", u)
	}

	u, err = repo.UpsertUser(ctx, store.User{ID: "u1", IsOnline: false})
	if err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	if u.Username != "alice" {
		t.Errorf("empty username should keep the stored one, got %q", u.Username)
	}
	if u.IsOnline {
		t.Error("expected user to be offline")
	}
}

func TestRepository_FindOrCreateRoom(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	room, err := repo.FindOrCreateRoom(ctx, "general", defaults("u1", 100))
	if err != nil {
		t.Fatalf("FindOrCreateRoom failed: %v", err)
	}
	if room.CreatedBy != "u1" || !room.HasParticipant("u1") {
		t.Errorf("creator must be a participant: %+v", room)
	}
	if len(room.Admins) != 1 || room.Admins[0] != "u1" {
		t.Errorf("creator must be an admin, got %v", room.Admins)
	}

	again, err := repo.FindOrCreateRoom(ctx, "general", defaults("u2", 5))
	if err != nil {
		t.Fatalf("FindOrCreateRoom failed: %v", err)
	}
	if again.CreatedBy != "u1" || again.Settings.MaxParticipants != 100 {
		t.Errorf("existing room should be returned unchanged, got %+v", again)
	}
}

func TestRepository_AddParticipantRespectsMax(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if _, err := repo.FindOrCreateRoom(ctx, "small", defaults("u1", 2)); err != nil {
		t.Fatalf("FindOrCreateRoom failed: %v", err)
	}
	room, err := repo.AddParticipant(ctx, "small", "u2")
	if err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}
	if len(room.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %v", room.Participants)
	}
	if _, err := repo.AddParticipant(ctx, "small", "u2"); err != nil {
		t.Errorf("re-adding a participant should be a no-op, got %v", err)
	}
	if _, err := repo.AddParticipant(ctx, "small", "u3"); !errors.Is(err, store.ErrMaxParticipants) {
		t.Errorf("expected ErrMaxParticipants, got %v", err)
	}
	if _, err := repo.AddParticipant(ctx, "missing", "u3"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRepository_RecentMessagesNewestFirst(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if _, err := repo.FindOrCreateRoom(ctx, "general", defaults("u1", 100)); err != nil {
		t.Fatalf("FindOrCreateRoom failed: %v", err)
	}
	for _, content := range []string{"one", "two", "three"} {
		msg, err := repo.AppendMessage(ctx, store.Message{
			Content: content, SenderID: "u1", SenderUsername: "alice", RoomID: "general", Type: store.MessageText,
		})
		if err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
		if msg.ID == "" || msg.Timestamp.IsZero() {
			t.Fatalf("id and timestamp must be assigned: %+v", msg)
		}
	}

	msgs, err := repo.RecentMessages(ctx, "general", 2)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "three" || msgs[1].Content != "two" {
		t.Errorf("expected newest first, got %q, %q", msgs[0].Content, msgs[1].Content)
	}
	if msgs[0].SenderUsername != "alice" || msgs[0].RoomID != "general" {
		t.Errorf("unexpected message %+v", msgs[0])
	}

	empty, err := repo.RecentMessages(ctx, "elsewhere", 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no messages, got %d", len(empty))
	}
}

func TestRepository_AppendMessageTarget(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if _, err := repo.AppendMessage(ctx, store.Message{Content: "x", SenderID: "u1"}); err == nil {
		t.Error("expected error for message without room or recipient")
	}
	if _, err := repo.AppendMessage(ctx, store.Message{Content: "x", SenderID: "u1", RoomID: "r", RecipientID: "u2"}); err == nil {
		t.Error("expected error for message with both room and recipient")
	}
}

func TestRepository_Search(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if _, err := repo.FindOrCreateRoom(ctx, "general", defaults("u1", 100)); err != nil {
		t.Fatalf("FindOrCreateRoom failed: %v", err)
	}
	if _, err := repo.FindOrCreateRoom(ctx, "random", store.RoomDefaults{Name: "Random", CreatedBy: "u2", MaxParticipants: 10}); err != nil {
		t.Fatalf("FindOrCreateRoom failed: %v", err)
	}
	post := func(room, content string) {
		if _, err := repo.AppendMessage(ctx, store.Message{Content: content, SenderID: "u1", SenderUsername: "alice", RoomID: room, Type: store.MessageText}); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
	post("general", "hello world")
	post("general", "goodbye")
	post("random", "hello again")
	if _, err := repo.AppendMessage(ctx, store.Message{Content: "hello secret", SenderID: "u1", RecipientID: "u2", Type: store.MessagePrivate}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	all, err := repo.SearchMessages(ctx, "^hello", "", 10)
	if err != nil {
		t.Fatalf("SearchMessages failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 public matches, got %d", len(all))
	}

	inRoom, err := repo.SearchMessages(ctx, "hello", "general", 10)
	if err != nil {
		t.Fatalf("SearchMessages failed: %v", err)
	}
	if len(inRoom) != 1 || inRoom[0].Content != "hello world" {
		t.Errorf("unexpected room matches %+v", inRoom)
	}

	if _, err := repo.SearchMessages(ctx, "(", "", 10); !errors.Is(err, store.ErrInvalidPattern) {
		t.Errorf("expected ErrInvalidPattern, got %v", err)
	}

	rooms, err := repo.SearchRooms(ctx, "(?i)^rand", 10)
	if err != nil {
		t.Fatalf("SearchRooms failed: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != "random" {
		t.Errorf("unexpected rooms %+v", rooms)
	}

	list, err := repo.ListRooms(ctx, 10)
	if err != nil {
		t.Fatalf("ListRooms failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 rooms, got %d", len(list))
	}
}

func TestRepository_ConversationMessages(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	send := func(from, to, content string) {
		if _, err := repo.AppendMessage(ctx, store.Message{Content: content, SenderID: from, SenderUsername: from, RecipientID: to, Type: store.MessagePrivate}); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
	send("alice", "bob", "hi bob")
	send("bob", "alice", "hi alice")
	send("alice", "carol", "hi carol")

	msgs, err := repo.ConversationMessages(ctx, "bob", "alice", 10)
	if err != nil {
		t.Fatalf("ConversationMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hi alice" || msgs[1].Content != "hi bob" {
		t.Errorf("unexpected order %q, %q", msgs[0].Content, msgs[1].Content)
	}
	if msgs[0].RoomID != "" || msgs[0].RecipientID != "alice" {
		t.Errorf("unexpected private message %+v", msgs[0])
	}
}
