package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tradeskill/marketplace-chat/internal/broadcast"
	"github.com/tradeskill/marketplace-chat/internal/directory"
	"github.com/tradeskill/marketplace-chat/internal/model"
	"github.com/tradeskill/marketplace-chat/internal/store"
	"github.com/tradeskill/marketplace-chat/pkg/logger"
	"github.com/tradeskill/marketplace-chat/pkg/metrics"
)

// ChatService handles chat lifecycle and queries.
type ChatService struct {
	store     store.Store
	router    Broadcaster
	presence  Presence
	directory directory.Directory
	jobs      JobVerifier
	messages  *MessageService
	logger    *logger.Logger
}

// NewChatService creates a new chat service. jobs may be nil.
func NewChatService(
	st store.Store,
	router Broadcaster,
	presence Presence,
	dir directory.Directory,
	jobs JobVerifier,
	messages *MessageService,
	log *logger.Logger,
) *ChatService {
	return &ChatService{
		store:     st,
		router:    router,
		presence:  presence,
		directory: dir,
		jobs:      jobs,
		messages:  messages,
		logger:    log,
	}
}

// StartChat is first contact: it opens (or finds) the chat between the caller
// and the other party and optionally sends the opening message.
func (s *ChatService) StartChat(ctx context.Context, caller model.Identity, req model.CreateChatRequest, path Path) (*model.CreateChatResponse, error) {
	other, err := s.directory.Lookup(ctx, req.CraftsmanID)
	if err != nil {
		return nil, err
	}

	if req.JobID != nil && s.jobs != nil {
		if err := s.jobs.VerifyJob(ctx, *req.JobID, caller.UserID, other.UserID); err != nil {
			return nil, fmt.Errorf("verify job %s: %w", *req.JobID, err)
		}
	}

	chat, created, err := s.store.CreateOrGetChat(ctx, caller, other, req.JobID)
	if err != nil {
		return nil, err
	}

	if created {
		metrics.ChatsCreatedTotal.Inc()
		s.logger.Info("chat created",
			zap.String("chat_id", chat.ID),
			zap.String("client_id", chat.ClientID),
			zap.String("craftsman_id", chat.CraftsmanID),
		)
		// Live connections opened before the chat existed missed it in their
		// auto-subscribe lookback.
		for _, p := range chat.Participants() {
			for _, handle := range s.presence.ConnectionsOf(p) {
				s.router.Subscribe(handle, broadcast.ChatGroup(chat.ID))
			}
			s.router.Publish(broadcast.UserGroup(p), model.EventChatUpdated, chat.SummaryFor(p))
		}
	}

	resp := &model.CreateChatResponse{Chat: chat, Created: created}
	if req.Content == "" {
		return resp, nil
	}

	sent, err := s.messages.Send(ctx, SendInput{
		ChatID:          chat.ID,
		Sender:          caller,
		Type:            req.Type,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
		Path:            path,
	})
	if err != nil {
		return nil, err
	}
	resp.Message = sent.Message
	if updated, err := s.store.GetChat(ctx, chat.ID); err == nil {
		resp.Chat = updated
	}
	return resp, nil
}

// ListChats returns the caller's chats, most recently active first.
func (s *ChatService) ListChats(ctx context.Context, caller model.Identity, page, limit int) (*model.ListChatsResponse, error) {
	page, limit = store.Clamp(page, limit)
	chats, total, err := s.store.ListChats(ctx, caller.UserID, page, limit)
	if err != nil {
		return nil, err
	}
	return listResponse(chats, total, page, limit, caller.UserID), nil
}

// GetChat returns a chat the caller participates in. Admins see every chat.
func (s *ChatService) GetChat(ctx context.Context, caller model.Identity, chatID string) (*model.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(caller.UserID) && caller.Role != model.RoleAdmin {
		return nil, model.ErrNotParticipant
	}
	return chat, nil
}

// ListMessages returns one page of the caller's chat, oldest first.
func (s *ChatService) ListMessages(ctx context.Context, caller model.Identity, chatID string, page, limit int) (*model.ListMessagesResponse, error) {
	return s.listMessages(ctx, model.MessageQuery{ChatID: chatID, RequesterID: caller.UserID, Page: page, Limit: limit})
}

// ListAllChats is the admin oversight listing.
func (s *ChatService) ListAllChats(ctx context.Context, caller model.Identity, page, limit int) (*model.ListChatsResponse, error) {
	if caller.Role != model.RoleAdmin {
		return nil, model.ErrForbidden
	}
	page, limit = store.Clamp(page, limit)
	chats, total, err := s.store.ListAllChats(ctx, page, limit)
	if err != nil {
		return nil, err
	}
	return listResponse(chats, total, page, limit, ""), nil
}

// ListChatMessages is the admin oversight read of any chat.
func (s *ChatService) ListChatMessages(ctx context.Context, caller model.Identity, chatID string, page, limit int) (*model.ListMessagesResponse, error) {
	if caller.Role != model.RoleAdmin {
		return nil, model.ErrForbidden
	}
	s.logger.Info("oversight read", zap.String("admin_id", caller.UserID), zap.String("chat_id", chatID))
	return s.listMessages(ctx, model.MessageQuery{ChatID: chatID, RequesterID: caller.UserID, Page: page, Limit: limit, Oversight: true})
}

func (s *ChatService) listMessages(ctx context.Context, q model.MessageQuery) (*model.ListMessagesResponse, error) {
	q.Page, q.Limit = store.Clamp(q.Page, q.Limit)
	msgs, more, err := s.store.ListMessages(ctx, q)
	if err != nil {
		return nil, err
	}
	return &model.ListMessagesResponse{Messages: msgs, Page: q.Page, HasMore: more}, nil
}

// Archive deactivates a chat. Further sends fail with ErrChatArchived.
func (s *ChatService) Archive(ctx context.Context, caller model.Identity, chatID string) (*model.Chat, error) {
	chat, err := s.store.ArchiveChat(ctx, chatID, caller.UserID)
	if err != nil {
		return nil, err
	}
	for _, p := range chat.Participants() {
		s.router.Publish(broadcast.UserGroup(p), model.EventChatUpdated, chat.SummaryFor(p))
	}
	return chat, nil
}

// JoinRoom subscribes one live connection to a chat the caller is in.
func (s *ChatService) JoinRoom(ctx context.Context, caller model.Identity, handle, chatID string) error {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.HasParticipant(caller.UserID) {
		return model.ErrNotParticipant
	}
	if !s.router.Subscribe(handle, broadcast.ChatGroup(chatID)) {
		return fmt.Errorf("connection %s: %w", handle, model.ErrTransport)
	}
	return nil
}

// LeaveRoom unsubscribes one live connection from a chat.
func (s *ChatService) LeaveRoom(handle, chatID string) {
	s.router.Unsubscribe(handle, broadcast.ChatGroup(chatID))
}

// AutoSubscribe joins a fresh connection to the user's group and the chats
// with the most recent activity. It returns the chat ids joined.
func (s *ChatService) AutoSubscribe(ctx context.Context, userID, handle string, lookback int) ([]string, error) {
	s.router.Subscribe(handle, broadcast.UserGroup(userID))

	ids, err := s.store.ChatIDsForUser(ctx, userID, lookback)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.router.Subscribe(handle, broadcast.ChatGroup(id))
	}
	return ids, nil
}

func listResponse(chats []model.Chat, total, page, limit int, viewer string) *model.ListChatsResponse {
	summaries := make([]model.ChatSummary, len(chats))
	for i := range chats {
		summaries[i] = chats[i].SummaryFor(viewer)
	}
	return &model.ListChatsResponse{
		Chats:   summaries,
		Total:   total,
		Page:    page,
		HasMore: page*limit < total,
	}
}
