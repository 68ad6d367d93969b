package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/tradeskill/marketplace-chat/internal/broadcast"
	"github.com/tradeskill/marketplace-chat/internal/dedupe"
	"github.com/tradeskill/marketplace-chat/internal/directory"
	"github.com/tradeskill/marketplace-chat/internal/model"
	"github.com/tradeskill/marketplace-chat/internal/store"
	"github.com/tradeskill/marketplace-chat/pkg/logger"
	"github.com/tradeskill/marketplace-chat/pkg/metrics"
	"github.com/tradeskill/marketplace-chat/pkg/tracing"
)

// notifyTimeout bounds the notification publish so a slow stream never holds
// up a send.
const notifyTimeout = 2 * time.Second

// SendInput is one send request from either entry point.
type SendInput struct {
	ChatID          string
	Sender          model.Identity
	Type            model.MessageType
	Content         string
	ClientMessageID string
	Path            Path
}

// MessageService is the send pipeline. The live gateway and the HTTP API both
// call Send, so the delivery guarantees do not depend on the transport used.
type MessageService struct {
	store     store.Store
	router    Broadcaster
	presence  Presence
	dedupe    dedupe.Store
	directory directory.Directory
	notifier  Notifier
	logger    *logger.Logger
}

// NewMessageService creates a new message service. dedupe and directory may
// be nil.
func NewMessageService(
	st store.Store,
	router Broadcaster,
	presence Presence,
	dd dedupe.Store,
	dir directory.Directory,
	notifier Notifier,
	log *logger.Logger,
) *MessageService {
	if notifier == nil {
		notifier = NopNotifier
	}
	return &MessageService{
		store:     st,
		router:    router,
		presence:  presence,
		dedupe:    dd,
		directory: dir,
		notifier:  notifier,
		logger:    log,
	}
}

// Send validates, persists and fans out one message.
func (s *MessageService) Send(ctx context.Context, in SendInput) (resp *model.SendMessageResponse, err error) {
	start := time.Now()
	ctx, span := tracing.Tracer().Start(ctx, "MessageService.Send")
	span.SetAttributes(
		attribute.String("chat.id", in.ChatID),
		attribute.String("sender.id", in.Sender.UserID),
		attribute.String("send.path", string(in.Path)),
	)
	defer func() {
		outcome := "ok"
		switch {
		case err != nil:
			outcome = model.ErrorCode(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case resp != nil && resp.Duplicate:
			outcome = "duplicate"
		}
		metrics.RecordSend(string(in.Path), outcome, time.Since(start).Seconds())
		span.End()
	}()

	nm := model.NewMessage{
		ID:              uuid.Must(uuid.NewV7()).String(),
		ChatID:          in.ChatID,
		SenderID:        in.Sender.UserID,
		Type:            in.Type,
		Content:         in.Content,
		ClientMessageID: in.ClientMessageID,
	}
	nm.Normalize()
	if err := nm.Validate(); err != nil {
		return nil, err
	}

	var dedupeKey string
	if in.ClientMessageID != "" && s.dedupe != nil {
		key := dedupe.Key(in.ChatID, in.Sender.UserID, in.ClientMessageID)
		existingID, claimed, err := s.dedupe.Claim(ctx, key, nm.ID)
		switch {
		case err != nil:
			// Fail open: the send proceeds without deduplication.
			s.logger.Warn("dedupe claim failed", zap.String("chat_id", in.ChatID), zap.Error(err))
		case !claimed:
			return s.duplicate(ctx, in, existingID)
		default:
			dedupeKey = key
		}
	}

	msg, chat, err := s.store.AppendMessage(ctx, nm)
	if err != nil {
		if dedupeKey != "" {
			if rerr := s.dedupe.Release(context.WithoutCancel(ctx), dedupeKey, nm.ID); rerr != nil {
				s.logger.Warn("dedupe release failed", zap.String("key", dedupeKey), zap.Error(rerr))
			}
		}
		if !model.IsClientError(err) {
			s.logger.Error("append message",
				zap.String("chat_id", in.ChatID),
				zap.String("sender_id", in.Sender.UserID),
				zap.Error(err),
			)
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("message.id", msg.ID))

	view := &model.MessageView{Message: *msg, Sender: s.resolve(ctx, in.Sender)}
	s.router.Publish(broadcast.ChatGroup(chat.ID), model.EventNewMessage, view)
	for _, p := range chat.Participants() {
		s.router.Publish(broadcast.UserGroup(p), model.EventChatUpdated, chat.SummaryFor(p))
	}

	recipient := chat.Other(msg.SenderID)
	online := s.presence.IsOnline(recipient)
	s.notify(ctx, model.Notification{
		Kind:            model.NotificationMessageCreated,
		ChatID:          chat.ID,
		ActorID:         msg.SenderID,
		RecipientID:     recipient,
		RecipientOnline: online,
		MessageID:       msg.ID,
		Preview:         chat.LastMessagePreview,
	})

	s.logger.Debug("message sent",
		zap.String("chat_id", chat.ID),
		zap.String("message_id", msg.ID),
		zap.String("path", string(in.Path)),
		zap.Bool("recipient_online", online),
	)

	return &model.SendMessageResponse{Message: view, RecipientOnline: online}, nil
}

// duplicate answers a retried send with the message the first attempt made.
// Nothing is published again.
func (s *MessageService) duplicate(ctx context.Context, in SendInput, messageID string) (*model.SendMessageResponse, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.ErrDuplicateInFlight
	}
	if err != nil {
		return nil, err
	}
	if msg.ChatID != in.ChatID || msg.SenderID != in.Sender.UserID {
		return nil, fmt.Errorf("dedupe key bound to message %s of another chat: %w", messageID, model.ErrDuplicateInFlight)
	}

	chat, err := s.store.GetChat(ctx, msg.ChatID)
	if err != nil {
		return nil, err
	}
	return &model.SendMessageResponse{
		Message:         &model.MessageView{Message: *msg, Sender: s.resolve(ctx, in.Sender)},
		Duplicate:       true,
		RecipientOnline: s.presence.IsOnline(chat.Other(msg.SenderID)),
	}, nil
}

// Delete soft-deletes a message on behalf of its sender.
func (s *MessageService) Delete(ctx context.Context, requester model.Identity, messageID string) (*model.Message, error) {
	msg, err := s.store.SoftDeleteMessage(ctx, messageID, requester.UserID)
	if err != nil {
		return nil, err
	}

	s.router.Publish(broadcast.ChatGroup(msg.ChatID), model.EventMessageDeleted, model.MessageDeletedEvent{
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
		DeletedAt: *msg.DeletedAt,
	})

	if chat, err := s.store.GetChat(ctx, msg.ChatID); err == nil {
		recipient := chat.Other(requester.UserID)
		s.notify(ctx, model.Notification{
			Kind:            model.NotificationMessageDeleted,
			ChatID:          chat.ID,
			ActorID:         requester.UserID,
			RecipientID:     recipient,
			RecipientOnline: s.presence.IsOnline(recipient),
			MessageID:       msg.ID,
		})
	}
	return msg, nil
}

// resolve fills the sender's display name from the directory when possible.
func (s *MessageService) resolve(ctx context.Context, id model.Identity) model.Identity {
	if s.directory == nil || id.DisplayName != "" {
		return id
	}
	found, err := s.directory.Lookup(ctx, id.UserID)
	if err != nil {
		return id
	}
	if found.Role == "" {
		found.Role = id.Role
	}
	return found
}

func (s *MessageService) notify(ctx context.Context, n model.Notification) {
	n.ID = uuid.Must(uuid.NewV7()).String()
	n.CreatedAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := s.notifier.Publish(ctx, n); err != nil {
		s.logger.Warn("publish notification",
			zap.String("kind", string(n.Kind)),
			zap.String("chat_id", n.ChatID),
			zap.Error(err),
		)
	}
}
