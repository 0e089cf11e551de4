package services

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-resty/resty/v2"

	"deepchat-backend/internal/models"
)

// Model variants exposed to the client. deepseek-reasoner additionally emits
// reasoning deltas before the visible answer.
const (
	ModelChat     = "deepseek-chat"
	ModelReasoner = "deepseek-reasoner"
	DefaultModel  = ModelChat
)

// ValidModel reports whether the variant is one the gateway accepts.
func ValidModel(model string) bool {
	return model == ModelChat || model == ModelReasoner
}

// DeepSeekService is the inference gateway: a stateless client for the
// DeepSeek chat completions endpoint. Every call carries the full ordered
// turn history; the endpoint holds no conversation state of its own.
type DeepSeekService struct {
	client *resty.Client
	apiKey string
}

func NewDeepSeekService(apiKey, baseURL string, timeout time.Duration) *DeepSeekService {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &DeepSeekService{client: client, apiKey: apiKey}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// StreamCompletion opens a streaming completion for the given history and
// returns the raw SSE body for the stream consumer to decode. The caller owns
// the reader and must close it. Reasoning segments are never echoed back to
// the model; only visible text participates in the prompt.
func (s *DeepSeekService) StreamCompletion(ctx context.Context, history []models.Turn, model, systemPrompt string) (io.ReadCloser, error) {
	if !ValidModel(model) {
		model = DefaultModel
	}

	messages := make([]wireMessage, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, wireMessage{Role: "system", Content: systemPrompt})
	}
	for i := range history {
		t := &history[i]
		text := t.Text()
		if text == "" {
			continue
		}
		messages = append(messages, wireMessage{Role: string(t.Role), Content: text})
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetAuthToken(s.apiKey).
		SetDoNotParseResponse(true).
		SetBody(completionRequest{Model: model, Messages: messages, Stream: true}).
		Post("/chat/completions")
	if err != nil {
		return nil, &UpstreamError{Message: fmt.Sprintf("inference request failed: %v", err)}
	}

	if resp.StatusCode() != 200 {
		body, _ := io.ReadAll(io.LimitReader(resp.RawBody(), 4096))
		resp.RawBody().Close()
		return nil, &UpstreamError{
			Message: fmt.Sprintf("inference endpoint returned %d: %s", resp.StatusCode(), string(body)),
		}
	}

	return resp.RawBody(), nil
}
