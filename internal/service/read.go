package service

import (
	"context"
	"time"

	"github.com/tradeskill/marketplace-chat/internal/broadcast"
	"github.com/tradeskill/marketplace-chat/internal/model"
	"github.com/tradeskill/marketplace-chat/internal/store"
	"github.com/tradeskill/marketplace-chat/pkg/logger"
)

// ReadService tracks read state and relays typing indicators.
type ReadService struct {
	store    store.Store
	router   Broadcaster
	messages *MessageService
	logger   *logger.Logger
}

// NewReadService creates a new read service. Notifications go through the
// message service's notifier.
func NewReadService(st store.Store, router Broadcaster, messages *MessageService, log *logger.Logger) *ReadService {
	return &ReadService{store: st, router: router, messages: messages, logger: log}
}

// MarkRead marks everything the other participant sent as read. Events are
// published only when at least one message changed state.
func (s *ReadService) MarkRead(ctx context.Context, reader model.Identity, chatID string) (*model.MarkReadResponse, error) {
	n, chat, err := s.store.MarkRead(ctx, chatID, reader.UserID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return &model.MarkReadResponse{}, nil
	}

	s.router.Publish(broadcast.ChatGroup(chatID), model.EventMessageRead, model.MessageReadEvent{
		ChatID:       chatID,
		ReaderID:     reader.UserID,
		Transitioned: n,
		ReadAt:       time.Now().UTC(),
	})
	s.router.Publish(broadcast.UserGroup(reader.UserID), model.EventChatUpdated, chat.SummaryFor(reader.UserID))

	s.messages.notify(ctx, model.Notification{
		Kind:        model.NotificationMessageRead,
		ChatID:      chatID,
		ActorID:     reader.UserID,
		RecipientID: chat.Other(reader.UserID),
	})
	return &model.MarkReadResponse{Transitioned: n}, nil
}

// Typing relays a typing indicator from one connection to its chat. Nothing
// is stored. The connection must already be subscribed to the chat, which
// proves membership without a store read.
func (s *ReadService) Typing(ctx context.Context, user model.Identity, handle, chatID string, typing bool) error {
	if !s.router.IsSubscribed(handle, broadcast.ChatGroup(chatID)) {
		return model.ErrNotParticipant
	}
	s.router.Publish(broadcast.ChatGroup(chatID), model.EventUserTyping, model.TypingEvent{
		ChatID: chatID,
		UserID: user.UserID,
		Typing: typing,
	})
	return nil
}
