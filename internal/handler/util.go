package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/tradeskill/marketplace-chat/internal/middleware"
	"github.com/tradeskill/marketplace-chat/internal/model"
	"github.com/tradeskill/marketplace-chat/pkg/logger"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotParticipant), errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrRoleViolation), errors.Is(err, model.ErrSelfChat),
		errors.Is(err, model.ErrInvalidParticipants), errors.Is(err, model.ErrChatArchived):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, model.ErrDuplicateInFlight):
		return http.StatusConflict
	case errors.Is(err, model.ErrEmptyContent), errors.Is(err, model.ErrInvalidMessageType),
		errors.Is(err, model.ErrInvalidEncoding), errors.Is(err, model.ErrInvalidRequest),
		errors.Is(err, model.ErrTransport):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err as a structured failure. Internal errors are
// logged and replaced with a generic body.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.WithContext(middleware.GetCorrelationID(r.Context()), middleware.GetUserID(r.Context()), string(middleware.GetRole(r.Context()))).
			Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, status, "internal_error", "internal server error")
		return
	}
	writeError(w, status, model.ErrorCode(err), err.Error())
}

// decodeJSON reads a bounded JSON body into v and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.ErrPayloadTooLarge
		}
		return fmt.Errorf("%w: invalid request body", model.ErrInvalidRequest)
	}
	return middleware.Validate(v)
}

// pageParams reads page and limit query parameters. Bad values fall back to
// the defaults and are clamped by the store.
func pageParams(r *http.Request) (page, limit int) {
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil {
		page = p
	}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		limit = l
	}
	return page, limit
}
