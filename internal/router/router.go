// Package router validates inbound frames and dispatches them to per-event
// handlers.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/a-essam23/go-chat/internal/chat"
	"github.com/a-essam23/go-chat/pkg/protocol"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// HandlerFunc handles the raw payload of one inbound event.
type HandlerFunc func(ctx context.Context, connID uuid.UUID, payload []byte) error

// Replier delivers error frames back to the originating connection.
type Replier interface {
	ToConnection(connID uuid.UUID, event protocol.Event) bool
}

type EventRouter struct {
	logger   *slog.Logger
	replies  Replier
	limiter  *connLimiter
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewEventRouter builds a router. rateLimit uses the "N/unit" syntax
// (e.g. "20/s"); an empty string disables limiting.
func NewEventRouter(logger *slog.Logger, replies Replier, rateLimit string) (*EventRouter, error) {
	limiter, err := newConnLimiter(rateLimit)
	if err != nil {
		return nil, err
	}
	return &EventRouter{
		logger:   logger.With(slog.String("component", "event_router")),
		replies:  replies,
		limiter:  limiter,
		handlers: make(map[string]HandlerFunc),
	}, nil
}

// Handle registers fn for event. Registering the same event twice panics.
func (r *EventRouter) Handle(event string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[event]; exists {
		panic(fmt.Sprintf("handler already registered: %s", event))
	}
	r.handlers[event] = fn
}

func (r *EventRouter) handler(event string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[event]
	return fn, ok
}

// HandleMessage processes one frame from connID. Failures are reported to
// that connection only.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	if err := r.dispatch(ctx, connID, msg); err != nil {
		r.reply(connID, err)
	}
}

func (r *EventRouter) dispatch(ctx context.Context, connID uuid.UUID, msg []byte) error {
	if !gjson.ValidBytes(msg) {
		return fmt.Errorf("%w: frame is not valid JSON", chat.ErrMalformedPayload)
	}
	event := gjson.GetBytes(msg, "event")
	if event.Type != gjson.String || event.Str == "" {
		return fmt.Errorf("%w: missing event name", chat.ErrMalformedPayload)
	}

	if !r.limiter.allow(connID) {
		return chat.ErrRateLimited
	}

	fn, ok := r.handler(event.Str)
	if !ok {
		return fmt.Errorf("%w: '%s'", chat.ErrUnknownEvent, event.Str)
	}

	payload := gjson.GetBytes(msg, "payload")
	raw := []byte("{}")
	if payload.Exists() && payload.Type != gjson.Null {
		if !payload.IsObject() {
			return fmt.Errorf("%w: payload must be an object", chat.ErrMalformedPayload)
		}
		raw = []byte(payload.Raw)
	}

	r.logger.Debug("Dispatching event", slog.String("event", event.Str), slog.Any("connID", connID))
	return fn(ctx, connID, raw)
}

func (r *EventRouter) reply(connID uuid.UUID, err error) {
	ev := chat.ErrorEvent(err)
	if ev.Code == "internal" || ev.Code == "store-failure" {
		r.logger.Warn("Event failed", slog.Any("connID", connID), slog.Any("error", err))
	} else {
		r.logger.Debug("Event rejected", slog.Any("connID", connID), slog.String("code", ev.Code), slog.Any("error", err))
	}
	r.replies.ToConnection(connID, ev)
}

// Forget drops per-connection router state once connID is closed.
func (r *EventRouter) Forget(connID uuid.UUID) {
	r.limiter.forget(connID)
}
