package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradeskill/marketplace-chat/internal/model"
)

// Memory keeps chats and messages in process memory. It is used for tests and
// single-process development runs.
type Memory struct {
	mu sync.RWMutex

	chats    map[string]*model.Chat
	pairs    map[string]string // pair key -> chat id
	messages map[string]*model.Message
	byChat   map[string][]*model.Message // chat id -> messages in write order
	seq      uint64

	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		chats:    make(map[string]*model.Chat),
		pairs:    make(map[string]string),
		messages: make(map[string]*model.Message),
		byChat:   make(map[string][]*model.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*Memory)(nil)

// CreateOrGetChat implements Store.
func (s *Memory) CreateOrGetChat(ctx context.Context, client, craftsman model.Identity, jobID *string) (*model.Chat, bool, error) {
	if client.UserID == craftsman.UserID {
		return nil, false, model.ErrSelfChat
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := PairKey(client.UserID, craftsman.UserID)
	if id, ok := s.pairs[key]; ok {
		return s.chats[id].Clone(), false, nil
	}
	if err := CheckNewChat(client, craftsman); err != nil {
		return nil, false, err
	}

	now := s.now()
	chat := &model.Chat{
		ID:          uuid.Must(uuid.NewV7()).String(),
		ClientID:    client.UserID,
		CraftsmanID: craftsman.UserID,
		JobID:       jobID,
		UnreadCounts: map[string]int{
			client.UserID:    0,
			craftsman.UserID: 0,
		},
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.chats[chat.ID] = chat
	s.pairs[key] = chat.ID

	return chat.Clone(), true, nil
}

// GetChat implements Store.
func (s *Memory) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", chatID, model.ErrNotFound)
	}
	return chat.Clone(), nil
}

// ListChats implements Store.
func (s *Memory) ListChats(ctx context.Context, userID string, page, limit int) ([]model.Chat, int, error) {
	page, limit = Clamp(page, limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.pageChats(func(c *model.Chat) bool { return c.HasParticipant(userID) }, page, limit), s.count(userID), nil
}

// ListAllChats implements Store.
func (s *Memory) ListAllChats(ctx context.Context, page, limit int) ([]model.Chat, int, error) {
	page, limit = Clamp(page, limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.pageChats(func(*model.Chat) bool { return true }, page, limit), len(s.chats), nil
}

// ChatIDsForUser implements Store.
func (s *Memory) ChatIDsForUser(ctx context.Context, userID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chats := s.pageChats(func(c *model.Chat) bool { return c.HasParticipant(userID) }, 1, limit)
	ids := make([]string, len(chats))
	for i := range chats {
		ids[i] = chats[i].ID
	}
	return ids, nil
}

func (s *Memory) count(userID string) int {
	n := 0
	for _, c := range s.chats {
		if c.HasParticipant(userID) {
			n++
		}
	}
	return n
}

// pageChats must be called with at least a read lock held. limit is trusted
// as given so ChatIDsForUser can use a lookback larger than MaxPageSize.
func (s *Memory) pageChats(keep func(*model.Chat) bool, page, limit int) []model.Chat {
	var matched []*model.Chat
	for _, c := range s.chats {
		if keep(c) {
			matched = append(matched, c)
		}
	}
	SortByActivity(matched)

	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	start, end := Window(len(matched), page, limit)
	out := make([]model.Chat, 0, end-start)
	for _, c := range matched[start:end] {
		out = append(out, *c.Clone())
	}
	return out
}

// ArchiveChat implements Store.
func (s *Memory) ArchiveChat(ctx context.Context, chatID, requesterID string) (*model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", chatID, model.ErrNotFound)
	}
	if !chat.HasParticipant(requesterID) {
		return nil, model.ErrNotParticipant
	}
	chat.IsActive = false
	chat.UpdatedAt = s.now()
	return chat.Clone(), nil
}

// AppendMessage implements Store.
func (s *Memory) AppendMessage(ctx context.Context, in model.NewMessage) (*model.Message, *model.Chat, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[in.ChatID]
	if !ok {
		return nil, nil, fmt.Errorf("chat %s: %w", in.ChatID, model.ErrNotFound)
	}
	if !chat.HasParticipant(in.SenderID) {
		return nil, nil, model.ErrNotParticipant
	}
	if !chat.IsActive {
		return nil, nil, model.ErrChatArchived
	}

	id := in.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	now := s.now()
	s.seq++
	msg := &model.Message{
		ID:              id,
		ChatID:          in.ChatID,
		SenderID:        in.SenderID,
		Type:            in.Type,
		Content:         in.Content,
		Timestamp:       now,
		Sequence:        s.seq,
		ClientMessageID: in.ClientMessageID,
	}
	s.messages[msg.ID] = msg
	s.byChat[chat.ID] = append(s.byChat[chat.ID], msg)

	chat.LastMessagePreview = model.Preview(msg.Type, msg.Content)
	chat.LastMessageAt = &now
	chat.LastMessageSenderID = msg.SenderID
	chat.UnreadCounts[chat.Other(msg.SenderID)]++
	chat.UpdatedAt = now

	cp := *msg
	return &cp, chat.Clone(), nil
}

// GetMessage implements Store.
func (s *Memory) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[messageID]
	if !ok || msg.IsDeleted {
		return nil, fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}
	cp := *msg
	return &cp, nil
}

// ListMessages implements Store.
func (s *Memory) ListMessages(ctx context.Context, q model.MessageQuery) ([]model.Message, bool, error) {
	page, limit := Clamp(q.Page, q.Limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	chat, ok := s.chats[q.ChatID]
	if !ok {
		return nil, false, fmt.Errorf("chat %s: %w", q.ChatID, model.ErrNotFound)
	}
	if !q.Oversight && !chat.HasParticipant(q.RequesterID) {
		return nil, false, model.ErrNotParticipant
	}

	visible := make([]model.Message, 0, len(s.byChat[chat.ID]))
	for _, m := range s.byChat[chat.ID] {
		if !m.IsDeleted {
			visible = append(visible, *m)
		}
	}
	msgs, more := NewestWindow(visible, page, limit)
	return msgs, more, nil
}

// MarkRead implements Store.
func (s *Memory) MarkRead(ctx context.Context, chatID, readerID string) (int, *model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return 0, nil, fmt.Errorf("chat %s: %w", chatID, model.ErrNotFound)
	}
	if !chat.HasParticipant(readerID) {
		return 0, nil, model.ErrNotParticipant
	}

	now := s.now()
	changed := 0
	for _, m := range s.byChat[chatID] {
		if m.SenderID != readerID && !m.IsRead {
			m.IsRead = true
			at := now
			m.ReadAt = &at
			changed++
		}
	}
	chat.UnreadCounts[readerID] = 0
	if changed > 0 {
		chat.UpdatedAt = now
	}
	return changed, chat.Clone(), nil
}

// SoftDeleteMessage implements Store.
func (s *Memory) SoftDeleteMessage(ctx context.Context, messageID, requesterID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok || msg.IsDeleted {
		return nil, fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}
	if msg.SenderID != requesterID {
		return nil, model.ErrForbidden
	}
	now := s.now()
	msg.IsDeleted = true
	msg.DeletedAt = &now

	cp := *msg
	return &cp, nil
}

// Ping implements Store.
func (s *Memory) Ping(ctx context.Context) error { return nil }

// Close implements Store.
func (s *Memory) Close() error { return nil }

// SortByActivity orders chats by last activity, newest first.
func SortByActivity(chats []*model.Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		ai, aj := activity(chats[i]), activity(chats[j])
		if ai.Equal(aj) {
			return chats[i].ID > chats[j].ID
		}
		return ai.After(aj)
	})
}

func activity(c *model.Chat) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}
