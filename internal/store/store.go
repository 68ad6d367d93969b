// Package store persists chats and messages and enforces their invariants.
package store

import (
	"context"
	"fmt"

	"github.com/tradeskill/marketplace-chat/internal/model"
)

const (
	// DefaultPageSize is used when a caller asks for limit <= 0.
	DefaultPageSize = 50
	// MaxPageSize caps any single page.
	MaxPageSize = 100
)

// Store is the persistence contract shared by every backend.
//
// Every mutation of a Chat document goes through a single atomic operation of
// the backend; callers never read a chat, change it and write it back.
type Store interface {
	// CreateOrGetChat returns the existing chat for the unordered pair or
	// creates one. created is false when the chat already existed.
	CreateOrGetChat(ctx context.Context, client, craftsman model.Identity, jobID *string) (chat *model.Chat, created bool, err error)
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)
	ListChats(ctx context.Context, userID string, page, limit int) ([]model.Chat, int, error)
	ListAllChats(ctx context.Context, page, limit int) ([]model.Chat, int, error)
	// ChatIDsForUser returns up to limit chat ids, most recently active first.
	ChatIDsForUser(ctx context.Context, userID string, limit int) ([]string, error)
	ArchiveChat(ctx context.Context, chatID, requesterID string) (*model.Chat, error)

	// AppendMessage persists a message and, in the same atomic step, updates the
	// chat preview and increments the other participant's unread counter.
	AppendMessage(ctx context.Context, msg model.NewMessage) (*model.Message, *model.Chat, error)
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
	// ListMessages returns the newest window of non-deleted messages, oldest first.
	ListMessages(ctx context.Context, q model.MessageQuery) (messages []model.Message, hasMore bool, err error)
	// MarkRead flags every unread message not sent by readerID and resets the
	// reader's counter. It returns how many messages changed.
	MarkRead(ctx context.Context, chatID, readerID string) (int, *model.Chat, error)
	SoftDeleteMessage(ctx context.Context, messageID, requesterID string) (*model.Message, error)

	Ping(ctx context.Context) error
	Close() error
}

// CheckNewChat validates a first-contact request. It is applied only when no
// chat exists yet for the pair.
func CheckNewChat(client, craftsman model.Identity) error {
	if client.UserID == "" || craftsman.UserID == "" {
		return model.ErrInvalidParticipants
	}
	if client.UserID == craftsman.UserID {
		return model.ErrSelfChat
	}
	if client.Role != model.RoleClient || craftsman.Role != model.RoleCraftsman {
		return fmt.Errorf("%w: got %s and %s", model.ErrRoleViolation, client.Role, craftsman.Role)
	}
	return nil
}

// PairKey is the canonical key of an unordered participant pair.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// Clamp normalizes page and limit.
func Clamp(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

// Window returns the [start, end) bounds of page over n items.
func Window(n, page, limit int) (int, int) {
	start := (page - 1) * limit
	if start > n {
		start = n
	}
	end := start + limit
	if end > n {
		end = n
	}
	return start, end
}

// NewestWindow picks page of the newest messages from an ascending slice and
// returns it still ascending.
func NewestWindow(asc []model.Message, page, limit int) ([]model.Message, bool) {
	n := len(asc)
	end := n - (page-1)*limit
	if end <= 0 {
		return []model.Message{}, false
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]model.Message, end-start)
	copy(out, asc[start:end])
	return out, start > 0
}
