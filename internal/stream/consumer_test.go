package stream

import (
	"strings"
	"testing"
)

func sse(frames ...string) *Consumer {
	return NewConsumer(strings.NewReader(strings.Join(frames, "\n\n") + "\n\n"))
}

func drain(c *Consumer) []Event {
	var out []Event
	for {
		ev, ok := c.Next()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestConsumer_TextDeltas(t *testing.T) {
	c := sse(
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)

	events := drain(c)
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventTextDelta || events[0].Text != "Hel" {
		t.Errorf("Unexpected first event: %+v", events[0])
	}
	if events[1].Type != EventTextDelta || events[1].Text != "lo" {
		t.Errorf("Unexpected second event: %+v", events[1])
	}
	if events[2].Type != EventFinish {
		t.Errorf("Expected finish, got %+v", events[2])
	}
	if events[2].Text != "Hello" {
		t.Errorf("Finish should carry aggregate text, got %q", events[2].Text)
	}
}

func TestConsumer_ReasoningInterleavedWithText(t *testing.T) {
	c := sse(
		`data: {"choices":[{"delta":{"reasoning_content":"step 1"}}]}`,
		`data: {"choices":[{"delta":{"content":"The"}}]}`,
		`data: {"choices":[{"delta":{"reasoning_content":" step 2"}}]}`,
		`data: {"choices":[{"delta":{"content":" answer"}}]}`,
		`data: [DONE]`,
	)

	events := drain(c)
	want := []EventType{EventReasoningDelta, EventTextDelta, EventReasoningDelta, EventTextDelta, EventFinish}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(events))
	}
	for i, et := range want {
		if events[i].Type != et {
			t.Errorf("Event %d: expected %s, got %s", i, et, events[i].Type)
		}
	}
}

func TestConsumer_BothDeltasInOneFrame(t *testing.T) {
	c := sse(
		`data: {"choices":[{"delta":{"content":"x","reasoning_content":"r"}}]}`,
		`data: [DONE]`,
	)

	events := drain(c)
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].Type != EventReasoningDelta || events[1].Type != EventTextDelta {
		t.Errorf("Frame-internal order broken: %+v", events[:2])
	}
}

func TestConsumer_UnknownFrameNotFatal(t *testing.T) {
	c := sse(
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		`event: ping`,
		`data: not-json-at-all`,
		`data: {"choices":[{"delta":{"content":"b"}}]}`,
		`data: [DONE]`,
	)

	events := drain(c)
	if len(events) != 3 {
		t.Fatalf("Expected malformed frames dropped, got %d events: %+v", len(events), events)
	}
	if events[0].Text != "a" || events[1].Text != "b" {
		t.Errorf("Deltas around malformed frame lost: %+v", events)
	}
}

func TestConsumer_ErrorFrameTerminates(t *testing.T) {
	c := sse(
		`data: {"error":{"message":"rate limited"}}`,
		`data: {"choices":[{"delta":{"content":"never seen"}}]}`,
	)

	events := drain(c)
	if len(events) != 1 {
		t.Fatalf("Expected terminal error only, got %d events", len(events))
	}
	if events[0].Type != EventError || events[0].Message != "rate limited" {
		t.Errorf("Unexpected error event: %+v", events[0])
	}
}

func TestConsumer_TruncatedStreamIsError(t *testing.T) {
	c := NewConsumer(strings.NewReader(`data: {"choices":[{"delta":{"content":"par"}}]}` + "\n\n"))

	events := drain(c)
	if len(events) != 2 {
		t.Fatalf("Expected delta plus error, got %d", len(events))
	}
	if events[1].Type != EventError {
		t.Errorf("Stream ending without terminal frame should error, got %+v", events[1])
	}
}

func TestConsumer_NotRestartable(t *testing.T) {
	c := sse(`data: [DONE]`)
	drain(c)

	if _, ok := c.Next(); ok {
		t.Error("Consumer yielded events after exhaustion")
	}
}

func TestSession_Lifecycle(t *testing.T) {
	s := NewSession(-2)
	if s.Status() != StatusPending {
		t.Errorf("Expected pending, got %s", s.Status())
	}

	s.Apply(Event{Type: EventReasoningDelta, Text: "hmm"})
	if s.Status() != StatusStreaming {
		t.Errorf("Expected streaming after first delta, got %s", s.Status())
	}

	s.Apply(Event{Type: EventTextDelta, Text: "Hi"})
	s.Apply(Event{Type: EventFinish})
	if s.Status() != StatusComplete {
		t.Errorf("Expected complete, got %s", s.Status())
	}
	if s.Text() != "Hi" || s.Reasoning() != "hmm" {
		t.Errorf("Buffers wrong: text=%q reasoning=%q", s.Text(), s.Reasoning())
	}
}

func TestSession_FailOnError(t *testing.T) {
	s := NewSession(-2)
	s.Apply(Event{Type: EventError, Message: "boom"})
	if s.Status() != StatusFailed {
		t.Errorf("Expected failed, got %s", s.Status())
	}
}
