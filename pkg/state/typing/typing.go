// Package typing tracks which users are typing in each room.
//
// Entries expire lazily: an entry whose deadline has passed is treated as
// absent by every read and dropped the next time its room is touched. No
// background sweep runs.
package typing

import (
	"fmt"
	"sync"
	"time"
)

// DefaultTTL covers the client's 2s resend interval.
const DefaultTTL = 2 * time.Second

type entry struct {
	userID    string
	username  string
	expiresAt time.Time
}

type Tracker struct {
	mu    sync.Mutex
	rooms map[string][]*entry // insertion ordered
	ttl   time.Duration
	now   func() time.Time
}

type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(ttl time.Duration, opts ...Option) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	t := &Tracker{
		rooms: make(map[string][]*entry),
		ttl:   ttl,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetTyping inserts or refreshes userID in roomID. A live entry keeps its
// position; an expired one is re-appended. ttl <= 0 uses the tracker default.
func (t *Tracker) SetTyping(roomID, userID, username string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.ttl
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	entries := t.prune(roomID, now)
	for _, e := range entries {
		if e.userID == userID {
			e.username = username
			e.expiresAt = now.Add(ttl)
			return
		}
	}
	t.rooms[roomID] = append(entries, &entry{userID: userID, username: username, expiresAt: now.Add(ttl)})
}

// ClearTyping removes userID from roomID. It reports whether a live entry was
// removed.
func (t *Tracker) ClearTyping(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.prune(roomID, t.now())
	for i, e := range entries {
		if e.userID != userID {
			continue
		}
		entries = append(entries[:i:i], entries[i+1:]...)
		t.store(roomID, entries)
		return true
	}
	return false
}

// ActiveTypers returns the usernames of unexpired entries in insertion order.
func (t *Tracker) ActiveTypers(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.prune(roomID, t.now())
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.username
	}
	return names
}

// prune drops expired entries of roomID. Caller holds mu.
func (t *Tracker) prune(roomID string, now time.Time) []*entry {
	entries := t.rooms[roomID]
	live := entries[:0]
	for _, e := range entries {
		if !now.After(e.expiresAt) {
			live = append(live, e)
		}
	}
	for i := len(live); i < len(entries); i++ {
		entries[i] = nil
	}
	t.store(roomID, live)
	return live
}

func (t *Tracker) store(roomID string, entries []*entry) {
	if len(entries) == 0 {
		delete(t.rooms, roomID)
		return
	}
	t.rooms[roomID] = entries
}

// Text renders the typing indicator for names in insertion order.
func Text(names []string) string {
	switch n := len(names); n {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	default:
		return fmt.Sprintf("%s, %s and %d others are typing...", names[0], names[1], n-2)
	}
}
