// Package stream decodes the inference gateway's server-sent event frames
// into discrete delta operations and tracks the ephemeral state of one
// in-flight generation.
package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"strings"
)

type EventType string

const (
	EventTextDelta      EventType = "text-delta"
	EventReasoningDelta EventType = "reasoning-delta"
	EventFinish         EventType = "finish"
	EventError          EventType = "error"
)

// Event is one decoded delta operation. Finish events carry the aggregate
// text accumulated over the stream so the caller can persist it without
// re-walking the transcript.
type Event struct {
	Type    EventType
	Text    string
	Message string
}

// chunk mirrors the OpenAI-compatible wire format DeepSeek emits.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Consumer reads framed events off one generation stream. It is one-shot:
// once a terminal event is returned, Next reports exhaustion forever.
type Consumer struct {
	scanner  *bufio.Scanner
	pending  []Event
	text     strings.Builder
	finished bool
}

func NewConsumer(r io.Reader) *Consumer {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Consumer{scanner: sc}
}

// Next returns the next event in arrival order. The second return value is
// false once the stream is exhausted. Malformed or unrecognized frames are
// logged and skipped; they never terminate the stream.
func (c *Consumer) Next() (Event, bool) {
	if len(c.pending) > 0 {
		ev := c.pending[0]
		c.pending = c.pending[1:]
		return ev, true
	}
	if c.finished {
		return Event{}, false
	}

	for c.scanner.Scan() {
		line := strings.TrimSpace(c.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			log.Printf("stream: dropping unrecognized frame %q", truncate(line, 80))
			continue
		}
		data = strings.TrimSpace(data)

		if data == "[DONE]" {
			return c.terminal(Event{Type: EventFinish, Text: c.text.String()})
		}

		var ch chunk
		if err := json.Unmarshal([]byte(data), &ch); err != nil {
			log.Printf("stream: dropping malformed frame: %v", err)
			continue
		}

		if ch.Error != nil {
			return c.terminal(Event{Type: EventError, Message: ch.Error.Message})
		}
		if len(ch.Choices) == 0 {
			continue
		}

		choice := ch.Choices[0]
		var events []Event
		if choice.Delta.ReasoningContent != "" {
			events = append(events, Event{Type: EventReasoningDelta, Text: choice.Delta.ReasoningContent})
		}
		if choice.Delta.Content != "" {
			c.text.WriteString(choice.Delta.Content)
			events = append(events, Event{Type: EventTextDelta, Text: choice.Delta.Content})
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			c.finished = true
			events = append(events, Event{Type: EventFinish, Text: c.text.String()})
		}
		if len(events) == 0 {
			continue
		}

		c.pending = events[1:]
		return events[0], true
	}

	if err := c.scanner.Err(); err != nil {
		return c.terminal(Event{Type: EventError, Message: err.Error()})
	}

	// Stream closed without a terminal frame: generation was cut short.
	return c.terminal(Event{Type: EventError, Message: "stream ended unexpectedly"})
}

func (c *Consumer) terminal(ev Event) (Event, bool) {
	if c.finished {
		return Event{}, false
	}
	c.finished = true
	return ev, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
