package models

// SubmitTurnRequest is the payload posted to the streaming chat endpoint.
type SubmitTurnRequest struct {
	Message string `json:"message"`
	Model   string `json:"model"`
}

// StreamFrame is one server-sent event relayed to the browser while an
// assistant turn is being generated.
type StreamFrame struct {
	Type    string `json:"type"` // "text-delta" | "reasoning-delta" | "finish" | "error"
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
	TurnID  int64  `json:"turn_id,omitempty"`
}

// WebSocket message types

type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// TurnUpdate mirrors stream progress to the user's other open tabs.
type TurnUpdate struct {
	ConversationID int64  `json:"conversation_id"`
	TurnID         int64  `json:"turn_id"`
	SegmentType    string `json:"segment_type,omitempty"`
	Text           string `json:"text,omitempty"`
	Status         string `json:"status,omitempty"`
}
