package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tradeskill/marketplace-chat/internal/media"
	"github.com/tradeskill/marketplace-chat/internal/middleware"
	"github.com/tradeskill/marketplace-chat/internal/model"
	"github.com/tradeskill/marketplace-chat/internal/service"
	"github.com/tradeskill/marketplace-chat/pkg/logger"
)

// imageField is the multipart field carrying an uploaded image.
const imageField = "image"

// MessageHandler handles message endpoints.
type MessageHandler struct {
	chats         *service.ChatService
	messages      *service.MessageService
	reads         *service.ReadService
	uploader      media.Uploader
	maxImageBytes int64
	logger        *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	chats *service.ChatService,
	messages *service.MessageService,
	reads *service.ReadService,
	uploader media.Uploader,
	maxImageBytes int64,
	log *logger.Logger,
) *MessageHandler {
	if maxImageBytes <= 0 {
		maxImageBytes = media.DefaultMaxBytes
	}
	return &MessageHandler{
		chats:         chats,
		messages:      messages,
		reads:         reads,
		uploader:      uploader,
		maxImageBytes: maxImageBytes,
		logger:        log,
	}
}

// List handles GET /api/v1/chats/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := middleware.GetIdentity(ctx)
	chatID := chi.URLParam(r, "id")
	page, limit := pageParams(r)

	if err := middleware.ValidateID("chat", chatID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	resp, err := h.chats.ListMessages(ctx, caller, chatID, page, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Send handles POST /api/v1/chats/{id}/messages, the fallback send path.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := middleware.GetIdentity(ctx)
	chatID := chi.URLParam(r, "id")

	if err := middleware.ValidateID("chat", chatID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	resp, err := h.messages.Send(ctx, service.SendInput{
		ChatID:          chatID,
		Sender:          caller,
		Type:            req.Type,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
		Path:            service.PathFallback,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// UploadImage handles POST /api/v1/chats/{id}/images. The image is stored
// first and its URL is then sent as an image message.
func (h *MessageHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := middleware.GetIdentity(ctx)
	chatID := chi.URLParam(r, "id")

	if err := middleware.ValidateID("chat", chatID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	chat, err := h.chats.GetChat(ctx, caller, chatID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if !chat.HasParticipant(caller.UserID) {
		writeServiceError(w, r, h.logger, model.ErrNotParticipant)
		return
	}

	// Leave room for the multipart framing around the file.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxImageBytes+maxBodyBytes)
	file, _, err := r.FormFile(imageField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeServiceError(w, r, h.logger, model.ErrPayloadTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_payload", "multipart field \"image\" is required")
		return
	}
	defer file.Close()

	data, mimeType, err := media.ReadImage(file, h.maxImageBytes)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	url, err := h.uploader.Upload(ctx, media.Image{ChatID: chatID, SenderID: caller.UserID, MimeType: mimeType, Data: data})
	if err != nil {
		h.logger.Error("image upload failed", zap.String("chat_id", chatID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "upload_failed", "image upload failed")
		return
	}

	resp, err := h.messages.Send(ctx, service.SendInput{
		ChatID:          chatID,
		Sender:          caller,
		Type:            model.MessageTypeImage,
		Content:         url,
		ClientMessageID: r.FormValue("client_message_id"),
		Path:            service.PathFallback,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// MarkRead handles POST /api/v1/chats/{id}/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := middleware.GetIdentity(ctx)
	chatID := chi.URLParam(r, "id")

	if err := middleware.ValidateID("chat", chatID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	resp, err := h.reads.MarkRead(ctx, caller, chatID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Delete handles DELETE /api/v1/messages/{id}
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := middleware.GetIdentity(ctx)
	messageID := chi.URLParam(r, "id")

	if err := middleware.ValidateID("message", messageID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	if _, err := h.messages.Delete(ctx, caller, messageID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
