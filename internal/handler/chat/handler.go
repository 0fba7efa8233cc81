package chat

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/study-buddy/backend/internal/middleware"
	chatService "github.com/zhouzirui/study-buddy/backend/internal/service/chat"
	"github.com/zhouzirui/study-buddy/backend/pkg/utils"
)

// Handler exposes the study assistant over HTTP.
type Handler struct {
	chatSvc *chatService.Service
	logger  *zap.Logger
}

// New builds a chat handler.
func New(chatSvc *chatService.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		chatSvc: chatSvc,
		logger:  logger.Named("handler"),
	}
}

// RegisterRoutes mounts the chat routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/state", h.handleState)
	r.Post("/reset", h.handleReset)
}

// handleChat runs one message through the assistant. An empty message is valid.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Message string `json:"message"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.chatSvc.Handle(r.Context(), middleware.UserIDFromContext(r.Context()), payload.Message)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := h.chatSvc.State(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, state)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.Reset(r.Context(), middleware.UserIDFromContext(r.Context())); err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatService.ErrUserRequired):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chatService.ErrStoreUnavailable):
		h.logger.Error("state store unavailable", zap.Error(err))
		utils.RespondError(w, http.StatusServiceUnavailable, chatService.ErrStoreUnavailable.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
