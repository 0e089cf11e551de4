package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"deepchat-backend/internal/chat"
	"deepchat-backend/internal/models"
)

type stubGateway struct {
	body string
}

func (g *stubGateway) StreamCompletion(_ context.Context, _ []models.Turn, _, _ string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(g.body)), nil
}

type recordingAppender struct {
	mu     sync.Mutex
	nextID int64
	saved  []models.Turn
}

func (a *recordingAppender) Append(_ context.Context, conversationID int64, role models.Role, segments []models.Segment) (*models.Turn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	t := models.Turn{
		ID:             a.nextID,
		ConversationID: conversationID,
		Role:           role,
		Segments:       segments,
		CreatedAt:      time.Now(),
	}
	a.saved = append(a.saved, t)
	return &t, nil
}

func newTestRegistry(gateway chat.InferenceGateway) *chat.Registry {
	if gateway == nil {
		gateway = &stubGateway{}
	}
	return chat.NewRegistry(gateway, &recordingAppender{}, nil, "You are a helpful assistant.", 5*time.Second)
}

func chatFixture(t *testing.T, gateway chat.InferenceGateway) (*ChatHandler, *fakeConvStore, *fakeTurnStore, *recordingAppender, uuid.UUID) {
	t.Helper()
	convs := newFakeConvStore()
	turns := newFakeTurnStore()
	appender := &recordingAppender{}
	registry := chat.NewRegistry(gateway, appender, nil, "You are a helpful assistant.", 5*time.Second)
	userID := uuid.New()
	convs.Create(context.Background(), "New conversation", userID, "deepseek-chat")
	return NewChatHandler(convs, turns, registry, nil), convs, turns, appender, userID
}

const completionBody = "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
	"data: [DONE]\n\n"

func TestStreamTurn(t *testing.T) {
	h, convs, _, appender, userID := chatFixture(t, &stubGateway{body: completionBody})

	req := authedRequest(t, http.MethodPost, "/conversations/1/stream", "1", userID,
		models.SubmitTurnRequest{Message: "Say hello"})
	rec := httptest.NewRecorder()
	h.StreamTurn(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected SSE content type, got %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{`"type":"text-delta"`, `"text":"Hello"`, `"type":"finish"`, "data: [DONE]"} {
		if !strings.Contains(body, want) {
			t.Errorf("response body missing %q:\n%s", want, body)
		}
	}

	if len(appender.saved) != 2 {
		t.Fatalf("expected user and assistant turns persisted, got %d", len(appender.saved))
	}
	if appender.saved[0].Role != models.RoleUser || appender.saved[0].Text() != "Say hello" {
		t.Errorf("unexpected user turn: %+v", appender.saved[0])
	}
	if appender.saved[1].Role != models.RoleAssistant || appender.saved[1].Text() != "Hello there" {
		t.Errorf("unexpected assistant turn: %+v", appender.saved[1])
	}

	// First message retitles the fresh conversation.
	if convs.updatedTitle != "Say hello" {
		t.Errorf("expected conversation retitled from first message, got %q", convs.updatedTitle)
	}

	// A completed turn bumps the conversation's recency.
	if len(convs.touched) != 1 || convs.touched[0] != 1 {
		t.Errorf("expected conversation touched once, got %v", convs.touched)
	}
}

func TestStreamTurnNonNumericID(t *testing.T) {
	h, _, _, appender, userID := chatFixture(t, &stubGateway{body: completionBody})

	req := authedRequest(t, http.MethodPost, "/conversations/abc/stream", "abc", userID,
		models.SubmitTurnRequest{Message: "hi"})
	rec := httptest.NewRecorder()
	h.StreamTurn(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %q", code)
	}
	if len(appender.saved) != 0 {
		t.Error("malformed ID must not reach persistence")
	}
}

func TestStreamTurnEmptyMessage(t *testing.T) {
	h, _, _, appender, userID := chatFixture(t, &stubGateway{body: completionBody})

	req := authedRequest(t, http.MethodPost, "/conversations/1/stream", "1", userID,
		models.SubmitTurnRequest{Message: "   "})
	rec := httptest.NewRecorder()
	h.StreamTurn(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(appender.saved) != 0 {
		t.Error("blank message must not reach persistence")
	}
}

func TestStreamTurnUnknownModel(t *testing.T) {
	h, _, _, _, userID := chatFixture(t, &stubGateway{body: completionBody})

	req := authedRequest(t, http.MethodPost, "/conversations/1/stream", "1", userID,
		models.SubmitTurnRequest{Message: "hi", Model: "gpt-5"})
	rec := httptest.NewRecorder()
	h.StreamTurn(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %q", code)
	}
}

// gate blocks the stream body until released so a second request can observe
// the busy state.
type gatedGateway struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedGateway) StreamCompletion(_ context.Context, _ []models.Turn, _, _ string) (io.ReadCloser, error) {
	close(g.started)
	return io.NopCloser(&gatedReader{release: g.release}), nil
}

type gatedReader struct {
	release chan struct{}
	done    bool
}

func (r *gatedReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	<-r.release
	r.done = true
	return copy(p, completionBody), nil
}

func TestStreamTurnBusyConversation(t *testing.T) {
	gw := &gatedGateway{started: make(chan struct{}), release: make(chan struct{})}
	h, _, _, _, userID := chatFixture(t, gw)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		req := authedRequest(t, http.MethodPost, "/conversations/1/stream", "1", userID,
			models.SubmitTurnRequest{Message: "first"})
		h.StreamTurn(httptest.NewRecorder(), req)
	}()

	<-gw.started

	req := authedRequest(t, http.MethodPost, "/conversations/1/stream", "1", userID,
		models.SubmitTurnRequest{Message: "second"})
	rec := httptest.NewRecorder()
	h.StreamTurn(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a generation is in flight, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "BUSY" {
		t.Errorf("expected BUSY, got %q", code)
	}

	close(gw.release)
	wg.Wait()
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"short message kept verbatim", "Plan my trip", "Plan my trip"},
		{
			"long message cut at word boundary",
			"Explain the difference between goroutines and operating system threads in detail",
			"Explain the difference between goroutines and…",
		},
		{
			"single long word cut hard",
			strings.Repeat("a", 60),
			strings.Repeat("a", 50) + "…",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveTitle(tt.message); got != tt.want {
				t.Errorf("deriveTitle(%q) = %q, want %q", tt.message, got, tt.want)
			}
		})
	}
}
