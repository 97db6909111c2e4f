package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/a-essam23/go-chat/pkg/store"
	"github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

const driverName = "sqlite3_gochat"

var registerOnce sync.Once

// registerDriver installs a sqlite3 driver with a REGEXP implementation,
// which sqlite does not ship by default.
func registerDriver() {
	registerOnce.Do(func() {
		patterns := newPatternCache(128)
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("regexp", patterns.match, true)
			},
		})
	})
}

type Repository struct {
	db *sql.DB

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	now    func() time.Time
	logger *slog.Logger
}

var _ store.Store = (*Repository)(nil)

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Repository, error) {
	registerDriver()

	memory := path == ":memory:"
	dsn := "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if !memory {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Repository{
		db:      db,
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(slog.String("component", "store_sqlite")),
	}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) newID(t time.Time) (string, error) {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), r.entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate message id: %w", err)
	}
	return id.String(), nil
}

// --- Users ---

func (r *Repository) UpsertUser(ctx context.Context, user store.User) (store.User, error) {
	if user.LastSeen.IsZero() {
		user.LastSeen = r.now()
	}
	query := `
		INSERT INTO users (id, username, is_online, last_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = CASE WHEN excluded.username = '' THEN users.username ELSE excluded.username END,
			is_online = excluded.is_online,
			last_seen = excluded.last_seen
	`
	if _, err := r.db.ExecContext(ctx, query, user.ID, user.Username, user.IsOnline, user.LastSeen); err != nil {
		return store.User{}, fmt.Errorf("failed to upsert user '%s': %w", user.ID, err)
	}
	return r.GetUser(ctx, user.ID)
}

func (r *Repository) GetUser(ctx context.Context, userID string) (store.User, error) {
	query := "SELECT id, username, is_online, last_seen FROM users WHERE id = ?"
	var u store.User
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&u.ID, &u.Username, &u.IsOnline, &u.LastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, fmt.Errorf("user '%s': %w", userID, store.ErrNotFound)
		}
		return store.User{}, fmt.Errorf("error querying user: %w", err)
	}
	return u, nil
}

// --- Rooms ---

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *Repository) FindOrCreateRoom(ctx context.Context, roomID string, defaults store.RoomDefaults) (store.Room, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Room{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	room, err := loadRoom(ctx, tx, roomID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Room{}, err
	}

	if defaults.Name == "" {
		defaults.Name = roomID
	}
	if defaults.Type == "" {
		defaults.Type = store.RoomPublic
	}
	if defaults.MaxParticipants <= 0 {
		return store.Room{}, fmt.Errorf("room '%s': max participants must be positive", roomID)
	}
	now := r.now()
	query := "INSERT INTO rooms (id, name, type, created_by, max_participants, created_at) VALUES (?, ?, ?, ?, ?, ?)"
	if _, err := tx.ExecContext(ctx, query, roomID, defaults.Name, string(defaults.Type), defaults.CreatedBy, defaults.MaxParticipants, now); err != nil {
		return store.Room{}, fmt.Errorf("failed to insert room '%s': %w", roomID, err)
	}
	if defaults.CreatedBy != "" {
		query = "INSERT INTO room_participants (room_id, user_id, is_admin, joined_at) VALUES (?, ?, 1, ?)"
		if _, err := tx.ExecContext(ctx, query, roomID, defaults.CreatedBy, now); err != nil {
			return store.Room{}, fmt.Errorf("failed to add creator to room '%s': %w", roomID, err)
		}
	}

	room, err = loadRoom(ctx, tx, roomID)
	if err != nil {
		return store.Room{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.Room{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	r.logger.Info("Room created", slog.String("roomID", roomID), slog.String("createdBy", defaults.CreatedBy))
	return room, nil
}

func (r *Repository) GetRoom(ctx context.Context, roomID string) (store.Room, error) {
	return loadRoom(ctx, r.db, roomID)
}

func (r *Repository) ListRooms(ctx context.Context, limit int) ([]store.Room, error) {
	return r.queryRooms(ctx, "SELECT id FROM rooms ORDER BY created_at, id LIMIT ?", limit)
}

func (r *Repository) SearchRooms(ctx context.Context, pattern string, limit int) ([]store.Room, error) {
	if _, err := regexp.Compile(pattern); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidPattern, err)
	}
	return r.queryRooms(ctx, "SELECT id FROM rooms WHERE name REGEXP ? OR id REGEXP ? ORDER BY created_at, id LIMIT ?", pattern, pattern, limit)
}

func (r *Repository) queryRooms(ctx context.Context, query string, args ...any) ([]store.Room, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan room id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over rooms: %w", err)
	}

	rooms := make([]store.Room, 0, len(ids))
	for _, id := range ids {
		room, err := loadRoom(ctx, r.db, id)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (r *Repository) AddParticipant(ctx context.Context, roomID, userID string) (store.Room, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Room{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	room, err := loadRoom(ctx, tx, roomID)
	if err != nil {
		return store.Room{}, err
	}
	if room.HasParticipant(userID) {
		return room, nil
	}
	if len(room.Participants) >= room.Settings.MaxParticipants {
		return store.Room{}, fmt.Errorf("room '%s' has %d participants: %w", roomID, len(room.Participants), store.ErrMaxParticipants)
	}

	query := "INSERT INTO room_participants (room_id, user_id, is_admin, joined_at) VALUES (?, ?, 0, ?)"
	if _, err := tx.ExecContext(ctx, query, roomID, userID, r.now()); err != nil {
		return store.Room{}, fmt.Errorf("failed to add participant '%s' to room '%s': %w", userID, roomID, err)
	}
	room.Participants = append(room.Participants, userID)
	if err := tx.Commit(); err != nil {
		return store.Room{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return room, nil
}

func loadRoom(ctx context.Context, q queryer, roomID string) (store.Room, error) {
	query := "SELECT id, name, type, created_by, max_participants, created_at FROM rooms WHERE id = ?"
	var room store.Room
	var roomType string
	if err := q.QueryRowContext(ctx, query, roomID).Scan(&room.ID, &room.Name, &roomType, &room.CreatedBy, &room.Settings.MaxParticipants, &room.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Room{}, fmt.Errorf("room '%s': %w", roomID, store.ErrNotFound)
		}
		return store.Room{}, fmt.Errorf("error querying room: %w", err)
	}
	room.Type = store.RoomType(roomType)

	rows, err := q.QueryContext(ctx, "SELECT user_id, is_admin FROM room_participants WHERE room_id = ? ORDER BY joined_at, user_id", roomID)
	if err != nil {
		return store.Room{}, fmt.Errorf("failed to query participants for room '%s': %w", roomID, err)
	}
	defer rows.Close()

	room.Participants = []string{}
	room.Admins = []string{}
	for rows.Next() {
		var userID string
		var admin bool
		if err := rows.Scan(&userID, &admin); err != nil {
			return store.Room{}, fmt.Errorf("failed to scan participant: %w", err)
		}
		room.Participants = append(room.Participants, userID)
		if admin {
			room.Admins = append(room.Admins, userID)
		}
	}
	if err := rows.Err(); err != nil {
		return store.Room{}, fmt.Errorf("error iterating over participants for room '%s': %w", roomID, err)
	}
	return room, nil
}

// --- Messages ---

const messageColumns = "id, COALESCE(room_id, ''), COALESCE(recipient_id, ''), sender_id, sender_username, content, type, created_at"

func (r *Repository) AppendMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	if (msg.RoomID == "") == (msg.RecipientID == "") {
		return store.Message{}, errors.New("message needs exactly one of room or recipient")
	}
	msg.Timestamp = r.now()
	id, err := r.newID(msg.Timestamp)
	if err != nil {
		return store.Message{}, err
	}
	msg.ID = id

	query := "INSERT INTO messages (id, room_id, recipient_id, sender_id, sender_username, content, type, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)"
	if _, err := r.db.ExecContext(ctx, query, msg.ID, nullable(msg.RoomID), nullable(msg.RecipientID), msg.SenderID, msg.SenderUsername, msg.Content, string(msg.Type), msg.Timestamp); err != nil {
		return store.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	return msg, nil
}

func (r *Repository) RecentMessages(ctx context.Context, roomID string, limit int) ([]store.Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE room_id = ? ORDER BY id DESC LIMIT ?"
	return r.queryMessages(ctx, query, roomID, limit)
}

func (r *Repository) SearchMessages(ctx context.Context, pattern, roomID string, limit int) ([]store.Message, error) {
	if _, err := regexp.Compile(pattern); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidPattern, err)
	}
	var sb strings.Builder
	sb.WriteString("SELECT " + messageColumns + " FROM messages WHERE type != 'private' AND content REGEXP ?")
	args := []any{pattern}
	if roomID != "" {
		sb.WriteString(" AND room_id = ?")
		args = append(args, roomID)
	}
	sb.WriteString(" ORDER BY id DESC LIMIT ?")
	args = append(args, limit)
	return r.queryMessages(ctx, sb.String(), args...)
}

func (r *Repository) ConversationMessages(ctx context.Context, userA, userB string, limit int) ([]store.Message, error) {
	query := "SELECT " + messageColumns + ` FROM messages
		WHERE type = 'private'
		AND ((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))
		ORDER BY id DESC LIMIT ?`
	return r.queryMessages(ctx, query, userA, userB, userB, userA, limit)
}

func (r *Repository) queryMessages(ctx context.Context, query string, args ...any) ([]store.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []store.Message{}
	for rows.Next() {
		var m store.Message
		var msgType string
		if err := rows.Scan(&m.ID, &m.RoomID, &m.RecipientID, &m.SenderID, &m.SenderUsername, &m.Content, &msgType, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Type = store.MessageType(msgType)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over messages: %w", err)
	}
	return messages, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// patternCache keeps compiled REGEXP patterns; sqlite calls the function
// once per row.
type patternCache struct {
	mu    sync.Mutex
	size  int
	cache map[string]*regexp.Regexp
}

func newPatternCache(size int) *patternCache {
	return &patternCache{size: size, cache: make(map[string]*regexp.Regexp)}
}

func (p *patternCache) match(re, s string) (bool, error) {
	p.mu.Lock()
	compiled, ok := p.cache[re]
	p.mu.Unlock()
	if !ok {
		var err error
		compiled, err = regexp.Compile(re)
		if err != nil {
			return false, err
		}
		p.mu.Lock()
		if len(p.cache) >= p.size {
			clear(p.cache)
		}
		p.cache[re] = compiled
		p.mu.Unlock()
	}
	return compiled.MatchString(s), nil
}
