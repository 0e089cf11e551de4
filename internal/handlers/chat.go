package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"deepchat-backend/internal/chat"
	"deepchat-backend/internal/middleware"
	"deepchat-backend/internal/models"
	"deepchat-backend/internal/services"
	"deepchat-backend/internal/stream"
)

// ChatHandler drives the streaming turn endpoint: it validates the request,
// hands the submission to the conversation's controller, and relays decoded
// events to the browser as server-sent events while mirroring them to the
// user's other tabs over Redis pub/sub.
type ChatHandler struct {
	convRepo conversationStore
	turnRepo turnStore
	registry *chat.Registry
	redis    *redis.Client
}

func NewChatHandler(convRepo conversationStore, turnRepo turnStore, registry *chat.Registry, redisClient *redis.Client) *ChatHandler {
	return &ChatHandler{
		convRepo: convRepo,
		turnRepo: turnRepo,
		registry: registry,
		redis:    redisClient,
	}
}

func (h *ChatHandler) StreamTurn(w http.ResponseWriter, r *http.Request) {
	id, ok := parseConversationID(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Conversation ID must be numeric", r))
		return
	}

	var req models.SubmitTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Message is required", r))
		return
	}

	userID := middleware.GetUserID(r.Context())
	conv, err := h.convRepo.GetByID(r.Context(), id, userID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Conversation not found", r))
		return
	}

	model := req.Model
	if model == "" {
		model = conv.Model
	}
	if !services.ValidModel(model) {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Unknown model variant", r))
		return
	}

	ctrl := h.registry.Controller(id)
	if ctrl.State() != chat.StateIdle {
		writeJSON(w, http.StatusConflict, errorResp("BUSY", "A response is already being generated for this conversation", r))
		return
	}

	history, err := h.turnRepo.ListByConversation(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	ctrl.LoadHistory(history)

	// A brand-new conversation takes its title from the first message.
	if len(history) == 0 {
		title := deriveTitle(message)
		if err := h.convRepo.Update(r.Context(), id, userID, &title, nil); err != nil {
			log.Printf("chat: failed to retitle conversation %d: %v", id, err)
		}
	}

	flusher, canFlush := w.(http.Flusher)
	headersSent := false
	sendFrame := func(frame models.StreamFrame) {
		if !headersSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			headersSent = true
		}
		data, _ := json.Marshal(frame)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if canFlush {
			flusher.Flush()
		}
	}

	onEvent := func(ev stream.Event) {
		frame := models.StreamFrame{Type: string(ev.Type), Text: ev.Text, Message: ev.Message}
		sendFrame(frame)
		h.publishUpdate(r.Context(), userID, models.WSMessage{
			Type: "turn_delta",
			Payload: models.TurnUpdate{
				ConversationID: id,
				SegmentType:    string(ev.Type),
				Text:           ev.Text,
			},
		})
	}

	result, err := ctrl.Submit(r.Context(), message, model, onEvent)
	if err != nil {
		// Rejected before any byte was streamed.
		handleServiceError(w, r, err)
		return
	}

	if result.AssistantTurn != nil {
		sendFrame(models.StreamFrame{
			Type:   "saved",
			TurnID: result.AssistantTurn.ID,
		})
	}
	if headersSent {
		fmt.Fprint(w, "data: [DONE]\n\n")
		if canFlush {
			flusher.Flush()
		}
	}

	// New turns bump the conversation's recency for sidebar ordering. The
	// request context may already be cancelled by a disconnect.
	if err := h.convRepo.Touch(context.Background(), id); err != nil {
		log.Printf("chat: failed to touch conversation %d: %v", id, err)
	}

	wsType := "turn_complete"
	if result.Status == stream.StatusFailed {
		wsType = "turn_failed"
	}
	if !result.Cancelled {
		h.publishUpdate(context.Background(), userID, models.WSMessage{
			Type: wsType,
			Payload: models.TurnUpdate{
				ConversationID: id,
				TurnID:         assistantTurnID(result),
				Status:         string(result.Status),
			},
		})
	}
}

func assistantTurnID(res *chat.Result) int64 {
	if res.AssistantTurn != nil {
		return res.AssistantTurn.ID
	}
	return 0
}

// publishUpdate mirrors a stream event to the user's WebSocket channel.
func (h *ChatHandler) publishUpdate(ctx context.Context, userID uuid.UUID, msg models.WSMessage) {
	if h.redis == nil {
		return
	}
	data, _ := json.Marshal(msg)
	h.redis.Publish(ctx, fmt.Sprintf("stream_events:%s", userID.String()), string(data))
}

// deriveTitle trims the first message down to a sidebar-sized label, cutting
// at a word boundary when one falls inside the limit.
func deriveTitle(message string) string {
	const maxTitle = 50
	runes := []rune(message)
	if len(runes) <= maxTitle {
		return message
	}

	cut := string(runes[:maxTitle])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}
