package stream

import "strings"

// Status of one in-flight generation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// Session is the ephemeral state of one assistant response: the target turn,
// the accumulated buffers, and where the generation stands. It is never
// persisted and dies with the request.
type Session struct {
	TurnID    int64
	text      strings.Builder
	reasoning strings.Builder
	status    Status
}

func NewSession(turnID int64) *Session {
	return &Session{TurnID: turnID, status: StatusPending}
}

// Apply folds one event into the session buffers and advances the status.
func (s *Session) Apply(ev Event) {
	switch ev.Type {
	case EventTextDelta:
		s.text.WriteString(ev.Text)
		s.status = StatusStreaming
	case EventReasoningDelta:
		s.reasoning.WriteString(ev.Text)
		s.status = StatusStreaming
	case EventFinish:
		s.status = StatusComplete
	case EventError:
		s.status = StatusFailed
	}
}

func (s *Session) Status() Status    { return s.status }
func (s *Session) Text() string      { return s.text.String() }
func (s *Session) Reasoning() string { return s.reasoning.String() }

// Fail marks the session failed outside of event application, for transport
// errors that never produce a decodable frame.
func (s *Session) Fail() { s.status = StatusFailed }
