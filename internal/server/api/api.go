// Package api serves the read-only REST view of rooms, history and presence.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/a-essam23/go-chat/internal/chat"
	"github.com/a-essam23/go-chat/internal/server/middleware"
	"github.com/a-essam23/go-chat/pkg/protocol"
	"github.com/a-essam23/go-chat/pkg/state"
	"github.com/a-essam23/go-chat/pkg/store"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Presence exposes the live view of a room.
type Presence interface {
	OnlineUsers(roomID string) []protocol.OnlineUser
	TypingText(roomID string) string
}

type StatsSource interface {
	Stats() state.Stats
	ActiveRooms() []string
}

type Handler struct {
	store    store.Store
	presence Presence
	stats    StatsSource
	logger   *slog.Logger
}

func NewHandler(st store.Store, presence Presence, stats StatsSource, logger *slog.Logger) *Handler {
	return &Handler{
		store:    st,
		presence: presence,
		stats:    stats,
		logger:   logger.With(slog.String("component", "rest_api")),
	}
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /api/stats", h.getStats)
	mux.HandleFunc("GET /api/rooms", h.listRooms)
	mux.HandleFunc("GET /api/rooms/{id}", h.getRoom)
	mux.HandleFunc("GET /api/rooms/{id}/messages", h.roomMessages)
	mux.HandleFunc("GET /api/rooms/{id}/online", h.roomOnline)
	mux.HandleFunc("GET /api/search/messages", h.searchMessages)
	mux.HandleFunc("GET /api/search/rooms", h.searchRooms)
	mux.HandleFunc("GET /api/conversations/{userId}", h.conversation)
}

type roomView struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Type            string    `json:"type"`
	Participants    []string  `json:"participants"`
	Admins          []string  `json:"admins"`
	CreatedBy       string    `json:"createdBy"`
	MaxParticipants int       `json:"maxParticipants"`
	CreatedAt       time.Time `json:"createdAt"`
}

func toRoomView(r store.Room) roomView {
	return roomView{
		ID:              r.ID,
		Name:            r.Name,
		Type:            string(r.Type),
		Participants:    r.Participants,
		Admins:          r.Admins,
		CreatedBy:       r.CreatedBy,
		MaxParticipants: r.Settings.MaxParticipants,
		CreatedAt:       r.CreatedAt,
	}
}

func toRoomViews(rooms []store.Room) []roomView {
	out := make([]roomView, len(rooms))
	for i, r := range rooms {
		out[i] = toRoomView(r)
	}
	return out
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, struct {
		state.Stats
		Rooms []string `json:"rooms"`
	}{h.stats.Stats(), h.stats.ActiveRooms()})
}

func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	rooms, err := h.store.ListRooms(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRoomViews(rooms))
}

func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.store.GetRoom(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRoomView(room))
}

// roomMessages returns history oldest first, as clients render it.
func (h *Handler) roomMessages(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	roomID := r.PathValue("id")
	if _, err := h.store.GetRoom(r.Context(), roomID); err != nil {
		h.writeError(w, err)
		return
	}
	msgs, err := h.store.RecentMessages(r.Context(), roomID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	slices.Reverse(msgs)
	h.writeJSON(w, http.StatusOK, chat.ToWireMessages(msgs))
}

func (h *Handler) roomOnline(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	h.writeJSON(w, http.StatusOK, struct {
		RoomID string                `json:"roomId"`
		Users  []protocol.OnlineUser `json:"users"`
		Typing string                `json:"typing"`
	}{roomID, h.presence.OnlineUsers(roomID), h.presence.TypingText(roomID)})
}

func (h *Handler) searchMessages(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		h.writeJSON(w, http.StatusBadRequest, errorBody{"missing query parameter 'q'"})
		return
	}
	msgs, err := h.store.SearchMessages(r.Context(), q, r.URL.Query().Get("room"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, chat.ToWireMessages(msgs))
}

func (h *Handler) searchRooms(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		h.writeJSON(w, http.StatusBadRequest, errorBody{"missing query parameter 'q'"})
		return
	}
	rooms, err := h.store.SearchRooms(r.Context(), q, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRoomViews(rooms))
}

// conversation returns private messages between two users, oldest first.
// An authenticated caller may only read its own conversations.
func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	userID := r.PathValue("userId")
	other := r.URL.Query().Get("with")
	if other == "" {
		h.writeJSON(w, http.StatusBadRequest, errorBody{"missing query parameter 'with'"})
		return
	}
	if meta, ok := middleware.ReqMetadataFrom(r.Context()); ok && meta.UserID != "" && meta.UserID != userID {
		h.writeJSON(w, http.StatusForbidden, errorBody{"forbidden"})
		return
	}

	msgs, err := h.store.ConversationMessages(r.Context(), userID, other, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	slices.Reverse(msgs)
	h.writeJSON(w, http.StatusOK, chat.ToWireMessages(msgs))
}

func (h *Handler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		h.writeJSON(w, http.StatusBadRequest, errorBody{"limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxLimit), true
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, errorBody{"not found"})
	case errors.Is(err, store.ErrInvalidPattern):
		h.writeJSON(w, http.StatusBadRequest, errorBody{err.Error()})
	default:
		h.logger.Error("Request failed", slog.Any("error", err))
		h.writeJSON(w, http.StatusInternalServerError, errorBody{"internal error"})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response", slog.Any("error", err))
	}
}
