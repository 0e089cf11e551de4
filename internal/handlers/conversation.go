package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"deepchat-backend/internal/chat"
	"deepchat-backend/internal/middleware"
	"deepchat-backend/internal/models"
	"deepchat-backend/internal/services"
)

type conversationStore interface {
	Create(ctx context.Context, title string, ownerID uuid.UUID, model string) (*models.Conversation, error)
	GetByID(ctx context.Context, id int64, ownerID uuid.UUID) (*models.Conversation, error)
	ListByUser(ctx context.Context, ownerID uuid.UUID) ([]*models.Conversation, error)
	Update(ctx context.Context, id int64, ownerID uuid.UUID, title, model *string) error
	Delete(ctx context.Context, id int64, ownerID uuid.UUID) error
	Touch(ctx context.Context, id int64) error
}

type turnStore interface {
	ListByConversation(ctx context.Context, conversationID int64) ([]models.Turn, error)
	CountByConversation(ctx context.Context, conversationID int64) (int, error)
}

type ConversationHandler struct {
	convRepo conversationStore
	turnRepo turnStore
	registry *chat.Registry
}

func NewConversationHandler(convRepo conversationStore, turnRepo turnStore, registry *chat.Registry) *ConversationHandler {
	return &ConversationHandler{
		convRepo: convRepo,
		turnRepo: turnRepo,
		registry: registry,
	}
}

func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	fieldErrors := make(map[string]string)
	if strings.TrimSpace(req.Title) == "" {
		fieldErrors["title"] = "Title is required"
	}
	if req.Model == "" {
		req.Model = services.DefaultModel
	} else if !services.ValidModel(req.Model) {
		fieldErrors["model"] = "Unknown model variant"
	}
	if len(fieldErrors) > 0 {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", fieldErrors, r))
		return
	}

	userID := middleware.GetUserID(r.Context())
	conv, err := h.convRepo.Create(r.Context(), strings.TrimSpace(req.Title), userID, req.Model)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	convs, err := h.convRepo.ListByUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}

	writeJSON(w, http.StatusOK, convs)
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseConversationID(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Conversation ID must be numeric", r))
		return
	}

	userID := middleware.GetUserID(r.Context())
	conv, err := h.convRepo.GetByID(r.Context(), id, userID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Conversation not found", r))
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseConversationID(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Conversation ID must be numeric", r))
		return
	}

	var req models.UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}
	if req.Title == nil && req.Model == nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Nothing to update", r))
		return
	}
	if req.Model != nil && !services.ValidModel(*req.Model) {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Unknown model variant", r))
		return
	}

	userID := middleware.GetUserID(r.Context())

	// Ownership check first so an update on someone else's conversation is
	// indistinguishable from a missing one.
	if _, err := h.convRepo.GetByID(r.Context(), id, userID); err != nil {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Conversation not found", r))
		return
	}

	if err := h.convRepo.Update(r.Context(), id, userID, req.Title, req.Model); err != nil {
		handleServiceError(w, r, err)
		return
	}

	conv, err := h.convRepo.GetByID(r.Context(), id, userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseConversationID(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Conversation ID must be numeric", r))
		return
	}

	userID := middleware.GetUserID(r.Context())
	if err := h.convRepo.Delete(r.Context(), id, userID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	if h.registry != nil {
		h.registry.Forget(id)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Conversation deleted",
	})
}

func (h *ConversationHandler) ListTurns(w http.ResponseWriter, r *http.Request) {
	id, ok := parseConversationID(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Conversation ID must be numeric", r))
		return
	}

	userID := middleware.GetUserID(r.Context())
	if _, err := h.convRepo.GetByID(r.Context(), id, userID); err != nil {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Conversation not found", r))
		return
	}

	turns, err := h.turnRepo.ListByConversation(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, turns)
}
