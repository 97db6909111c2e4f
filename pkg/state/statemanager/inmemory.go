package statemanager

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/a-essam23/go-chat/pkg/state"
	"github.com/google/uuid"
)

type sessionEntry struct {
	state.Session
	seq uint64
}

// InMemoryManager owns the live connection table, the presence directory and
// the room registry. Lock order is mu before connMu.
type InMemoryManager struct {
	conns  map[uuid.UUID]*state.Connection
	connMu sync.RWMutex

	// sessions and rooms always change together under mu.
	sessions map[uuid.UUID]*sessionEntry
	rooms    *roomRegistry
	nextSeq  uint64
	mu       sync.RWMutex

	now    func() time.Time
	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:    make(map[uuid.UUID]*state.Connection),
		sessions: make(map[uuid.UUID]*sessionEntry),
		rooms:    newRoomRegistry(),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

// --- Connection Lifecycle ---

func (m *InMemoryManager) RegisterConnection(conn state.Sender, ipAddr, userID string) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := conn.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, state.ErrConnectionExists
	}
	newConn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		UserID:    userID,
		Transport: conn,
		CreatedAt: m.now(),
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return newConn, nil
}

// DeregisterConnection drops the transport entry. Any session on the
// connection must be removed with Unregister first.
func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, false
	}
	delete(m.conns, connID)
	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
	return conn, true
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) FindOldestUserConnection(userID string) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	var oldest *state.Connection
	for _, conn := range m.conns {
		if conn.UserID != userID {
			continue
		}
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

func (m *InMemoryManager) GetUserConnectionCount(userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("cannot count connections for an anonymous user")
	}
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	count := 0
	for _, conn := range m.conns {
		if conn.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (m *InMemoryManager) AllConnections() []*state.Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// --- Presence Directory ---

func (m *InMemoryManager) Register(connID uuid.UUID, userID, username, roomID string) (state.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[connID]; ok {
		return state.Session{}, fmt.Errorf("%w: connection %s is in room '%s'", state.ErrAlreadyRegistered, connID, existing.RoomID)
	}

	m.nextSeq++
	entry := &sessionEntry{
		Session: state.Session{
			ConnectionID: connID,
			UserID:       userID,
			Username:     username,
			RoomID:       roomID,
			JoinedAt:     m.now(),
		},
		seq: m.nextSeq,
	}
	m.sessions[connID] = entry
	m.rooms.addMember(roomID, connID)

	m.logger.Debug("Session registered",
		slog.String("connID", connID.String()),
		slog.String("userID", userID),
		slog.String("roomID", roomID),
	)
	return entry.Session, nil
}

func (m *InMemoryManager) Unregister(connID uuid.UUID) (state.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sessions[connID]
	if !ok {
		return state.Session{}, state.ErrSessionNotFound
	}
	delete(m.sessions, connID)
	m.rooms.removeMember(entry.RoomID, connID)

	if !m.rooms.has(entry.RoomID) {
		m.logger.Debug("Removed empty room", slog.String("roomID", entry.RoomID))
	}
	m.logger.Debug("Session unregistered",
		slog.String("connID", connID.String()),
		slog.String("userID", entry.UserID),
		slog.String("roomID", entry.RoomID),
	)
	return entry.Session, nil
}

func (m *InMemoryManager) Lookup(connID uuid.UUID) (state.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.sessions[connID]
	if !ok {
		return state.Session{}, false
	}
	return entry.Session, true
}

func (m *InMemoryManager) SessionsInRoom(roomID string) []state.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.rooms.members(roomID)
	entries := make([]*sessionEntry, 0, len(ids))
	for _, id := range ids {
		if entry, ok := m.sessions[id]; ok {
			entries = append(entries, entry)
		}
	}
	return sortedSessions(entries)
}

func (m *InMemoryManager) FindUserSession(userID string) (state.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var first *sessionEntry
	for _, entry := range m.sessions {
		if entry.UserID != userID {
			continue
		}
		if first == nil || entry.seq < first.seq {
			first = entry
		}
	}
	if first == nil {
		return state.Session{}, false
	}
	return first.Session, true
}

func (m *InMemoryManager) UserOnline(userID string) bool {
	_, ok := m.FindUserSession(userID)
	return ok
}

// --- Room Registry ---

func (m *InMemoryManager) Members(roomID string) []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms.members(roomID)
}

func (m *InMemoryManager) RoomConnections(roomID string) []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	ids := m.rooms.members(roomID)
	conns := make([]*state.Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.conns[id]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (m *InMemoryManager) ActiveRooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.rooms.roomIDs()
	sort.Strings(ids)
	return ids
}

func (m *InMemoryManager) Stats() state.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	users := make(map[string]struct{})
	for _, entry := range m.sessions {
		users[entry.UserID] = struct{}{}
	}
	return state.Stats{
		Connections: len(m.conns),
		Sessions:    len(m.sessions),
		ActiveRooms: len(m.rooms.rooms),
		OnlineUsers: len(users),
	}
}

func sortedSessions(entries []*sessionEntry) []state.Session {
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	sessions := make([]state.Session, len(entries))
	for i, e := range entries {
		sessions[i] = e.Session
	}
	return sessions
}
