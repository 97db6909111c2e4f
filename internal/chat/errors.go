package chat

import (
	"errors"

	"github.com/a-essam23/go-chat/pkg/protocol"
	"github.com/a-essam23/go-chat/pkg/state"
	"github.com/a-essam23/go-chat/pkg/store"
)

var (
	ErrInvalidIdentity   = errors.New("userId, username and roomId are required")
	ErrAlreadyRegistered = state.ErrAlreadyRegistered
	ErrNotAuthenticated  = errors.New("join a room first")
	ErrEmptyContent      = errors.New("message content is empty")
	ErrContentTooLong    = errors.New("message content is too long")
	ErrRecipientOffline  = errors.New("recipient is offline")
	ErrMaxParticipants   = store.ErrMaxParticipants
	ErrStoreFailure      = errors.New("storage failure")
	ErrConnectionClosed  = errors.New("connection is closed")

	// Boundary errors, produced while decoding inbound frames.
	ErrUnknownEvent     = errors.New("unknown event")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidIdentity, "invalid-identity"},
	{ErrAlreadyRegistered, "already-registered"},
	{ErrNotAuthenticated, "not-authenticated"},
	{ErrEmptyContent, "empty-content"},
	{ErrContentTooLong, "content-too-long"},
	{ErrRecipientOffline, "recipient-offline"},
	{ErrMaxParticipants, "max-participants"},
	{ErrStoreFailure, "store-failure"},
	{ErrConnectionClosed, "connection-closed"},
	{ErrUnknownEvent, "unknown-event"},
	{ErrMalformedPayload, "malformed-payload"},
	{ErrRateLimited, "rate-limited"},
}

// ErrorCode returns the wire code for err, "internal" when err is not part
// of the taxonomy.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal"
}

// ErrorEvent builds the error frame reported to the originating connection.
// Store causes are not exposed.
func ErrorEvent(err error) protocol.Error {
	code := ErrorCode(err)
	switch code {
	case "store-failure":
		return protocol.Error{Message: ErrStoreFailure.Error(), Code: code}
	case "internal":
		return protocol.Error{Message: "internal error", Code: code}
	}
	return protocol.Error{Message: err.Error(), Code: code}
}
