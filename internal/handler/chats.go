// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradeskill/marketplace-chat/internal/middleware"
	"github.com/tradeskill/marketplace-chat/internal/model"
	"github.com/tradeskill/marketplace-chat/internal/service"
	"github.com/tradeskill/marketplace-chat/pkg/logger"
)

// ChatHandler handles chat endpoints.
type ChatHandler struct {
	chats  *service.ChatService
	logger *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(chats *service.ChatService, log *logger.Logger) *ChatHandler {
	return &ChatHandler{chats: chats, logger: log}
}

// Create handles POST /api/v1/chats. It is first contact: the chat is created
// if needed and the optional opening message is sent.
func (h *ChatHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := middleware.GetIdentity(ctx)

	var req model.CreateChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	resp, err := h.chats.StartChat(ctx, caller, req, service.PathFallback)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// List handles GET /api/v1/chats
func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := middleware.GetIdentity(ctx)
	page, limit := pageParams(r)

	resp, err := h.chats.ListChats(ctx, caller, page, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/chats/{id}
func (h *ChatHandler) Get(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, chat)
}

// Archive handles POST /api/v1/chats/{id}/archive
func (h *ChatHandler) Archive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := middleware.GetIdentity(ctx)
	chatID := chi.URLParam(r, "id")

	if err := middleware.ValidateID("chat", chatID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	chat, err := h.chats.Archive(ctx, caller, chatID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// AdminList handles GET /api/v1/admin/chats
func (h *ChatHandler) AdminList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := middleware.GetIdentity(ctx)
	page, limit := pageParams(r)

	resp, err := h.chats.ListAllChats(ctx, caller, page, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// AdminMessages handles GET /api/v1/admin/chats/{id}/messages
func (h *ChatHandler) AdminMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, _ := middleware.GetIdentity(ctx)
	chatID := chi.URLParam(r, "id")
	page, limit := pageParams(r)

	if err := middleware.ValidateID("chat", chatID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	resp, err := h.chats.ListChatMessages(ctx, caller, chatID, page, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
