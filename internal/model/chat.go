// Package model defines data structures for the marketplace chat service.
package model

import (
	"time"
)

// Role is the marketplace role attached to an authenticated identity.
type Role string

const (
	RoleClient    Role = "client"
	RoleCraftsman Role = "craftsman"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleCraftsman, RoleAdmin:
		return true
	}
	return false
}

// Identity is an authenticated user as seen by this service.
type Identity struct {
	UserID      string `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
}

// Chat is a two-party conversation between one client and one craftsman.
type Chat struct {
	ID          string  `json:"id"`
	ClientID    string  `json:"client_id"`
	CraftsmanID string  `json:"craftsman_id"`
	JobID       *string `json:"job_id,omitempty"`

	LastMessagePreview  string     `json:"last_message_preview,omitempty"`
	LastMessageAt       *time.Time `json:"last_message_at,omitempty"`
	LastMessageSenderID string     `json:"last_message_sender_id,omitempty"`

	UnreadCounts map[string]int `json:"unread_counts"`
	IsActive     bool           `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participants returns both participant ids, client first.
func (c *Chat) Participants() []string {
	return []string{c.ClientID, c.CraftsmanID}
}

// HasParticipant tells whether userID is one of the two participants.
func (c *Chat) HasParticipant(userID string) bool {
	return userID != "" && (userID == c.ClientID || userID == c.CraftsmanID)
}

// Other returns the participant that is not userID.
func (c *Chat) Other(userID string) string {
	if userID == c.ClientID {
		return c.CraftsmanID
	}
	return c.ClientID
}

// Clone returns a deep copy so callers never share the unread map.
func (c *Chat) Clone() *Chat {
	cp := *c
	cp.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		cp.UnreadCounts[k] = v
	}
	if c.JobID != nil {
		job := *c.JobID
		cp.JobID = &job
	}
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		cp.LastMessageAt = &at
	}
	return &cp
}

// Validate checks the two-party invariant.
func (c *Chat) Validate() error {
	if c.ClientID == "" || c.CraftsmanID == "" {
		return ErrInvalidParticipants
	}
	if c.ClientID == c.CraftsmanID {
		return ErrSelfChat
	}
	return nil
}

// ChatSummary is the list-level view pushed with chat-updated events.
type ChatSummary struct {
	ID                  string     `json:"id"`
	Participants        []string   `json:"participants"`
	JobID               *string    `json:"job_id,omitempty"`
	LastMessagePreview  string     `json:"last_message_preview,omitempty"`
	LastMessageAt       *time.Time `json:"last_message_at,omitempty"`
	LastMessageSenderID string     `json:"last_message_sender_id,omitempty"`
	UnreadCount         int        `json:"unread_count"`
	IsActive            bool       `json:"is_active"`
}

// SummaryFor builds the summary as seen by userID.
func (c *Chat) SummaryFor(userID string) ChatSummary {
	return ChatSummary{
		ID:                  c.ID,
		Participants:        c.Participants(),
		JobID:               c.JobID,
		LastMessagePreview:  c.LastMessagePreview,
		LastMessageAt:       c.LastMessageAt,
		LastMessageSenderID: c.LastMessageSenderID,
		UnreadCount:         c.UnreadCounts[userID],
		IsActive:            c.IsActive,
	}
}

// CreateChatRequest is the first-contact request body.
type CreateChatRequest struct {
	CraftsmanID     string      `json:"craftsman_id" validate:"required"`
	JobID           *string     `json:"job_id,omitempty" validate:"omitempty,min=1,max=64"`
	Type            MessageType `json:"type,omitempty" validate:"omitempty,oneof=text image"`
	Content         string      `json:"content,omitempty"`
	ClientMessageID string      `json:"client_message_id,omitempty" validate:"omitempty,max=64"`
}

// CreateChatResponse is returned from first contact.
type CreateChatResponse struct {
	Chat    *Chat        `json:"chat"`
	Created bool         `json:"created"`
	Message *MessageView `json:"message,omitempty"`
}

// ListChatsResponse is the paginated chat list.
type ListChatsResponse struct {
	Chats   []ChatSummary `json:"chats"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	HasMore bool          `json:"has_more"`
}
