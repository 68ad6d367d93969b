package model

import (
	"time"
)

// EventName is the name of an event pushed to live connections.
type EventName string

const (
	EventNewMessage     EventName = "new-message"
	EventChatUpdated    EventName = "chat-updated"
	EventMessageRead    EventName = "message-read"
	EventMessageDeleted EventName = "message-deleted"
	EventUserTyping     EventName = "user-typing"
	EventAck            EventName = "ack"
	EventError          EventName = "error"
	EventConnected      EventName = "connected"
)

// MessageReadEvent tells the sender that the reader caught up.
type MessageReadEvent struct {
	ChatID       string    `json:"chat_id"`
	ReaderID     string    `json:"reader_id"`
	Transitioned int       `json:"transitioned"`
	ReadAt       time.Time `json:"read_at"`
}

// MessageDeletedEvent tells both participants to drop a message.
type MessageDeletedEvent struct {
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// TypingEvent is a transient typing indicator.
type TypingEvent struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// AckEvent answers a live request on the originating connection only.
type AckEvent struct {
	Ref     string       `json:"ref,omitempty"`
	OK      bool         `json:"ok"`
	Message *MessageView `json:"message,omitempty"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorEvent  `json:"error,omitempty"`
}

// ErrorEvent is the structured failure sent to a live connection.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// ConnectedEvent is sent once after the socket is registered.
type ConnectedEvent struct {
	ConnectionID string   `json:"connection_id"`
	UserID       string   `json:"user_id"`
	Chats        []string `json:"chats"`
}

// NotificationKind names the records written to the notification stream.
type NotificationKind string

const (
	NotificationMessageCreated NotificationKind = "message.created"
	NotificationMessageRead    NotificationKind = "message.read"
	NotificationMessageDeleted NotificationKind = "message.deleted"
)

// Notification is the record handed to the external notification service.
type Notification struct {
	ID          string           `json:"id"`
	Kind        NotificationKind `json:"kind"`
	ChatID      string           `json:"chat_id"`
	ActorID     string           `json:"actor_id"`
	RecipientID string           `json:"recipient_id"`
	// RecipientOnline lets the consumer skip push for users that saw it live.
	RecipientOnline bool      `json:"recipient_online"`
	MessageID       string    `json:"message_id,omitempty"`
	Preview         string    `json:"preview,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
