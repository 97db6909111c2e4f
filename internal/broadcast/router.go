// Package broadcast fans encoded events out to live connections.
package broadcast

import (
	"log/slog"

	"github.com/a-essam23/go-chat/pkg/protocol"
	"github.com/a-essam23/go-chat/pkg/state"
	"github.com/google/uuid"
)

// Router delivers events through each connection's send queue, so delivery
// to one connection follows call order.
type Router struct {
	manager state.Manager
	logger  *slog.Logger
}

func NewRouter(manager state.Manager, logger *slog.Logger) *Router {
	return &Router{
		manager: manager,
		logger:  logger.With(slog.String("component", "broadcast_router")),
	}
}

// ToRoom sends event to every connection in roomID except exclude (if not
// nil) and returns the number of connections that accepted the frame.
func (r *Router) ToRoom(roomID string, event protocol.Event, exclude *uuid.UUID) int {
	msg, err := protocol.Encode(event)
	if err != nil {
		r.logger.Error("Failed to encode event", slog.String("event", event.EventName()), slog.Any("error", err))
		return 0
	}

	conns := r.manager.RoomConnections(roomID)
	delivered := 0
	for _, conn := range conns {
		if exclude != nil && conn.ID == *exclude {
			continue
		}
		if conn.Transport.Send(msg) {
			delivered++
		} else {
			r.logger.Debug("Dropped frame for connection", slog.Any("connID", conn.ID), slog.String("event", event.EventName()))
		}
	}
	r.logger.Debug("Broadcast to room",
		slog.String("roomID", roomID),
		slog.String("event", event.EventName()),
		slog.Int("recipients", len(conns)),
		slog.Int("delivered", delivered),
	)
	return delivered
}

// ToConnection is a no-op returning false when connID is not registered.
func (r *Router) ToConnection(connID uuid.UUID, event protocol.Event) bool {
	conn, ok := r.manager.GetConnection(connID)
	if !ok {
		return false
	}
	msg, err := protocol.Encode(event)
	if err != nil {
		r.logger.Error("Failed to encode event", slog.String("event", event.EventName()), slog.Any("error", err))
		return false
	}
	return conn.Transport.Send(msg)
}
