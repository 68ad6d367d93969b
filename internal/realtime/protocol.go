package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/tradeskill/marketplace-chat/internal/model"
)

// Inbound event names.
const (
	EventStartChat   = "start-chat"
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventSendMessage = "send-message"
	EventMarkRead    = "mark-read"
	EventTypingStart = "typing-start"
	EventTypingStop  = "typing-stop"
)

// frame is the raw inbound envelope.
type frame struct {
	Event string          `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Inbound is one decoded client request. The concrete types below are the
// only implementations.
type Inbound interface {
	inbound()
}

// StartChat opens (or finds) a chat and optionally sends the first message.
type StartChat struct {
	model.CreateChatRequest
}

// JoinRoom subscribes the connection to a chat.
type JoinRoom struct {
	ChatID string `json:"chat_id" validate:"required,uuid"`
}

// LeaveRoom unsubscribes the connection from a chat.
type LeaveRoom struct {
	ChatID string `json:"chat_id" validate:"required,uuid"`
}

// SendMessage sends into an existing chat.
type SendMessage struct {
	ChatID          string            `json:"chat_id" validate:"required,uuid"`
	Type            model.MessageType `json:"type,omitempty" validate:"omitempty,oneof=text image"`
	Content         string            `json:"content"`
	ClientMessageID string            `json:"client_message_id,omitempty" validate:"omitempty,max=64"`
}

// MarkRead acknowledges everything the peer sent in a chat.
type MarkRead struct {
	ChatID string `json:"chat_id" validate:"required,uuid"`
}

// Typing is a typing-start or typing-stop signal.
type Typing struct {
	ChatID string `json:"chat_id" validate:"required,uuid"`
	Start  bool   `json:"-"`
}

func (StartChat) inbound()   {}
func (JoinRoom) inbound()    {}
func (LeaveRoom) inbound()   {}
func (SendMessage) inbound() {}
func (MarkRead) inbound()    {}
func (Typing) inbound()      {}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode parses one text frame. It returns the request ref even when the
// payload is invalid so the error can be correlated by the client. Every
// error wraps model.ErrTransport or model.ErrInvalidRequest.
func Decode(raw []byte) (string, Inbound, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", nil, fmt.Errorf("decode frame: %w", model.ErrTransport)
	}

	var in Inbound
	switch f.Event {
	case EventStartChat:
		in = &StartChat{}
	case EventJoinRoom:
		in = &JoinRoom{}
	case EventLeaveRoom:
		in = &LeaveRoom{}
	case EventSendMessage:
		in = &SendMessage{}
	case EventMarkRead:
		in = &MarkRead{}
	case EventTypingStart, EventTypingStop:
		in = &Typing{Start: f.Event == EventTypingStart}
	default:
		return f.Ref, nil, fmt.Errorf("%w: unknown event %q", model.ErrInvalidRequest, f.Event)
	}

	if len(f.Data) == 0 {
		return f.Ref, nil, fmt.Errorf("%w: %s requires data", model.ErrInvalidRequest, f.Event)
	}
	if err := json.Unmarshal(f.Data, in); err != nil {
		return f.Ref, nil, fmt.Errorf("%w: %s: %v", model.ErrInvalidRequest, f.Event, err)
	}
	if err := validate.Struct(in); err != nil {
		return f.Ref, nil, fmt.Errorf("%w: %s: %v", model.ErrInvalidRequest, f.Event, err)
	}
	return f.Ref, deref(in), nil
}

func deref(in Inbound) Inbound {
	switch v := in.(type) {
	case *StartChat:
		return *v
	case *JoinRoom:
		return *v
	case *LeaveRoom:
		return *v
	case *SendMessage:
		return *v
	case *MarkRead:
		return *v
	case *Typing:
		return *v
	}
	return in
}
