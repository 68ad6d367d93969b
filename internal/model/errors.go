package model

import "errors"

// Domain errors shared by the store, the pipeline and both transports.
var (
	ErrNotFound       = errors.New("not found")
	ErrNotParticipant = errors.New("user is not a participant in this chat")
	ErrForbidden      = errors.New("forbidden")

	ErrRoleViolation       = errors.New("chat must be opened by a client with a craftsman")
	ErrSelfChat            = errors.New("cannot open a chat with yourself")
	ErrInvalidParticipants = errors.New("chat requires exactly two distinct participants")

	ErrEmptyContent       = errors.New("content cannot be empty")
	ErrPayloadTooLarge    = errors.New("content exceeds maximum length")
	ErrInvalidMessageType = errors.New("message type must be text or image")
	ErrInvalidEncoding    = errors.New("content must be valid UTF-8")
	ErrChatArchived       = errors.New("chat is archived")
	ErrInvalidRequest     = errors.New("invalid request")

	ErrDuplicateInFlight = errors.New("a message with this client id is still being processed")

	// ErrTransport marks connection-level failures: handshake, malformed frames.
	ErrTransport = errors.New("transport error")
)

// ErrorCode maps an error to the stable code sent to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrRoleViolation):
		return "role_violation"
	case errors.Is(err, ErrSelfChat), errors.Is(err, ErrInvalidParticipants):
		return "self_chat"
	case errors.Is(err, ErrEmptyContent):
		return "empty_content"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrInvalidMessageType), errors.Is(err, ErrInvalidEncoding), errors.Is(err, ErrInvalidRequest):
		return "invalid_payload"
	case errors.Is(err, ErrChatArchived):
		return "chat_archived"
	case errors.Is(err, ErrDuplicateInFlight):
		return "duplicate_in_flight"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	default:
		return "internal_error"
	}
}

// IsClientError reports whether err is a validation or authorization failure
// that is safe to echo back to the caller.
func IsClientError(err error) bool {
	return ErrorCode(err) != "internal_error"
}
