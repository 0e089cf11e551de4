package models

import "time"

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SegmentType tags a span of turn content. Text is visible prose; reasoning
// is the model's intermediate deliberation, rendered collapsed.
type SegmentType string

const (
	SegmentText      SegmentType = "text"
	SegmentReasoning SegmentType = "reasoning"
)

// Segment is a typed span of content within a turn.
type Segment struct {
	Type SegmentType `json:"type"`
	Text string      `json:"text"`
}

// Turn is one message in a conversation. Turns created locally during an
// active stream carry negative provisional IDs until the durable append
// assigns a real one, so merging persisted history never collides.
type Turn struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           Role      `json:"role"`
	Segments       []Segment `json:"segments"`
	CreatedAt      time.Time `json:"created_at"`
}

// Text returns the concatenated visible content of the turn.
func (t *Turn) Text() string {
	return t.segmentText(SegmentText)
}

// Reasoning returns the concatenated deliberation content of the turn.
func (t *Turn) Reasoning() string {
	return t.segmentText(SegmentReasoning)
}

func (t *Turn) segmentText(st SegmentType) string {
	var out string
	for _, s := range t.Segments {
		if s.Type == st {
			out += s.Text
		}
	}
	return out
}
