package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MessageType is the kind of message content.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
)

// MaxContentLength bounds message content, in runes.
const MaxContentLength = 5000

// PreviewLength bounds the denormalized chat preview, in runes.
const PreviewLength = 100

// Message is one persisted unit of chat content.
type Message struct {
	ID       string      `json:"id"`
	ChatID   string      `json:"chat_id"`
	SenderID string      `json:"sender_id"`
	Type     MessageType `json:"type"`
	Content  string      `json:"content"`

	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`

	IsRead bool       `json:"is_read"`
	ReadAt *time.Time `json:"read_at,omitempty"`

	// Reserved for message editing.
	IsEdited bool       `json:"is_edited,omitempty"`
	EditedAt *time.Time `json:"edited_at,omitempty"`

	IsDeleted bool       `json:"is_deleted,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	ClientMessageID string `json:"client_message_id,omitempty"`
}

// NewMessage carries everything the store needs to append a message.
type NewMessage struct {
	ID              string
	ChatID          string
	SenderID        string
	Type            MessageType
	Content         string
	ClientMessageID string
}

// Normalize trims content and defaults the type to text.
func (m *NewMessage) Normalize() {
	if m.Type == "" {
		m.Type = MessageTypeText
	}
	m.Content = strings.TrimSpace(m.Content)
}

// Validate checks type, emptiness and length of the content.
func (m *NewMessage) Validate() error {
	switch m.Type {
	case MessageTypeText, MessageTypeImage:
	default:
		return ErrInvalidMessageType
	}
	if strings.TrimSpace(m.Content) == "" {
		return ErrEmptyContent
	}
	if !utf8.ValidString(m.Content) {
		return ErrInvalidEncoding
	}
	if utf8.RuneCountInString(m.Content) > MaxContentLength {
		return ErrPayloadTooLarge
	}
	return nil
}

// Preview returns the chat list preview for a message.
func Preview(t MessageType, content string) string {
	if t == MessageTypeImage {
		return "[image]"
	}
	if utf8.RuneCountInString(content) <= PreviewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:PreviewLength]) + "…"
}

// MessageQuery selects one page of a chat's messages.
type MessageQuery struct {
	ChatID      string
	RequesterID string
	Page        int
	Limit       int
	// Oversight skips the participant check for admin reads.
	Oversight bool
}

// MessageView is a message with its sender identity resolved.
type MessageView struct {
	Message
	Sender Identity `json:"sender"`
}

// SendMessageRequest is the fallback-path send body.
type SendMessageRequest struct {
	Type            MessageType `json:"type,omitempty" validate:"omitempty,oneof=text image"`
	Content         string      `json:"content"`
	ClientMessageID string      `json:"client_message_id,omitempty" validate:"omitempty,max=64"`
}

// SendMessageResponse is returned after a send on either path.
type SendMessageResponse struct {
	Message         *MessageView `json:"message"`
	Duplicate       bool         `json:"duplicate,omitempty"`
	RecipientOnline bool         `json:"recipient_online"`
}

// ListMessagesResponse is one page of messages, oldest first.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	HasMore  bool      `json:"has_more"`
}

// MarkReadResponse reports how many messages changed state.
type MarkReadResponse struct {
	Transitioned int `json:"transitioned"`
}
