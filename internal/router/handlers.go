package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/a-essam23/go-chat/internal/chat"
	"github.com/a-essam23/go-chat/pkg/protocol"
	"github.com/google/uuid"
)

// RegisterChatHandlers binds every inbound chat event to the controller.
func RegisterChatHandlers(r *EventRouter, c *chat.Controller) {
	r.Handle(protocol.EventJoin, func(ctx context.Context, connID uuid.UUID, payload []byte) error {
		req, err := decodePayload[protocol.JoinRequest](payload)
		if err != nil {
			return err
		}
		return c.Join(ctx, connID, req)
	})
	r.Handle(protocol.EventSendMessage, func(ctx context.Context, connID uuid.UUID, payload []byte) error {
		req, err := decodePayload[protocol.SendMessageRequest](payload)
		if err != nil {
			return err
		}
		return c.SendMessage(ctx, connID, req)
	})
	r.Handle(protocol.EventPrivateMessage, func(ctx context.Context, connID uuid.UUID, payload []byte) error {
		req, err := decodePayload[protocol.PrivateMessageRequest](payload)
		if err != nil {
			return err
		}
		return c.PrivateMessage(ctx, connID, req)
	})
	r.Handle(protocol.EventTypingStart, func(ctx context.Context, connID uuid.UUID, _ []byte) error {
		return c.TypingStart(ctx, connID)
	})
	r.Handle(protocol.EventTypingStop, func(ctx context.Context, connID uuid.UUID, _ []byte) error {
		return c.TypingStop(ctx, connID)
	})
	r.Handle(protocol.EventLeave, func(ctx context.Context, connID uuid.UUID, _ []byte) error {
		return c.Leave(ctx, connID)
	})
}

func decodePayload[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("%w: %v", chat.ErrMalformedPayload, err)
	}
	return v, nil
}
