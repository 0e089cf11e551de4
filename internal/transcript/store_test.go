package transcript

import (
	"sync"
	"testing"
	"time"

	"deepchat-backend/internal/models"
)

func TestAppendUserTurn_TrimsAndStores(t *testing.T) {
	s := NewStore(1)

	turn, err := s.AppendUserTurn("  Hello  ")
	if err != nil {
		t.Fatalf("AppendUserTurn failed: %v", err)
	}
	if turn.Role != models.RoleUser {
		t.Errorf("Expected role user, got %s", turn.Role)
	}
	if turn.Text() != "Hello" {
		t.Errorf("Expected trimmed text 'Hello', got %q", turn.Text())
	}
	if turn.ID >= 0 {
		t.Errorf("Expected provisional negative ID, got %d", turn.ID)
	}
}

func TestAppendUserTurn_EmptyRejected(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"whitespace only", "   \n\t "},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewStore(1)
			_, err := s.AppendUserTurn(tc.text)
			if err == nil {
				t.Fatal("Expected error for empty text")
			}
			if _, ok := err.(*InvalidInputError); !ok {
				t.Errorf("Expected *InvalidInputError, got %T", err)
			}
			if s.Len() != 0 {
				t.Errorf("Expected no turns appended, got %d", s.Len())
			}
		})
	}
}

func TestBeginAssistantTurn_SecondOpenRejected(t *testing.T) {
	s := NewStore(1)

	id, err := s.BeginAssistantTurn()
	if err != nil {
		t.Fatalf("First BeginAssistantTurn failed: %v", err)
	}

	if _, err := s.BeginAssistantTurn(); err == nil {
		t.Fatal("Expected error for second open assistant turn")
	} else if _, ok := err.(*ConcurrentTurnError); !ok {
		t.Errorf("Expected *ConcurrentTurnError, got %T", err)
	}

	// After completing, a new turn may open.
	s.CompleteTurn(id)
	if _, err := s.BeginAssistantTurn(); err != nil {
		t.Errorf("Expected begin after complete to succeed, got %v", err)
	}
}

func TestAppendDelta_OrderedConcatenation(t *testing.T) {
	s := NewStore(1)
	id, _ := s.BeginAssistantTurn()

	fragments := []string{"The ", "answer ", "is ", "42", "."}
	for _, f := range fragments {
		s.AppendDelta(id, models.SegmentText, f)
	}

	turn, ok := s.Get(id)
	if !ok {
		t.Fatal("Open turn not found")
	}
	if turn.Text() != "The answer is 42." {
		t.Errorf("Expected ordered concatenation, got %q", turn.Text())
	}
}

func TestAppendDelta_InterleavedSegmentTypes(t *testing.T) {
	s := NewStore(1)
	id, _ := s.BeginAssistantTurn()

	s.AppendDelta(id, models.SegmentReasoning, "thinking ")
	s.AppendDelta(id, models.SegmentText, "Hello")
	s.AppendDelta(id, models.SegmentReasoning, "harder")
	s.AppendDelta(id, models.SegmentText, " world")

	turn, _ := s.Get(id)
	if turn.Reasoning() != "thinking harder" {
		t.Errorf("Reasoning order broken: %q", turn.Reasoning())
	}
	if turn.Text() != "Hello world" {
		t.Errorf("Text order broken: %q", turn.Text())
	}
}

func TestAppendDelta_ClosedOrUnknownIsNoOp(t *testing.T) {
	s := NewStore(1)
	id, _ := s.BeginAssistantTurn()
	s.AppendDelta(id, models.SegmentText, "partial")
	s.CompleteTurn(id)

	// Late delta after completion.
	s.AppendDelta(id, models.SegmentText, " ignored")
	turn, _ := s.Get(id)
	if turn.Text() != "partial" {
		t.Errorf("Delta applied to closed turn: %q", turn.Text())
	}

	// Delta for an identifier that never existed.
	s.AppendDelta(9999, models.SegmentText, "orphan")
	if s.Len() != 1 {
		t.Errorf("Orphan delta mutated the transcript, len=%d", s.Len())
	}
}

func TestLoad_IdempotentReload(t *testing.T) {
	s := NewStore(7)
	persisted := []models.Turn{
		{ID: 1, ConversationID: 7, Role: models.RoleUser, Segments: []models.Segment{{Type: models.SegmentText, Text: "Hi"}}, CreatedAt: time.Now()},
		{ID: 2, ConversationID: 7, Role: models.RoleAssistant, Segments: []models.Segment{{Type: models.SegmentText, Text: "Hello!"}}, CreatedAt: time.Now()},
	}

	s.Load(persisted)
	s.Load(persisted)

	if s.Len() != 2 {
		t.Fatalf("Expected 2 turns after double load, got %d", s.Len())
	}

	ordered := s.Ordered()
	if ordered[0].ID != 1 || ordered[1].ID != 2 {
		t.Errorf("Order broken after reload: %d, %d", ordered[0].ID, ordered[1].ID)
	}
}

func TestLoad_KeepsLocalTurnsAfterPrefix(t *testing.T) {
	s := NewStore(7)
	local, _ := s.AppendUserTurn("new message")

	s.Load([]models.Turn{
		{ID: 1, ConversationID: 7, Role: models.RoleUser, Segments: []models.Segment{{Type: models.SegmentText, Text: "old"}}},
	})

	ordered := s.Ordered()
	if len(ordered) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(ordered))
	}
	if ordered[0].ID != 1 {
		t.Errorf("Persisted turn should form the prefix, got ID %d first", ordered[0].ID)
	}
	if ordered[1].ID != local.ID {
		t.Errorf("Local turn lost on load, got ID %d", ordered[1].ID)
	}
}

func TestLoad_ToleratesNonAlternatingRoles(t *testing.T) {
	s := NewStore(7)
	s.Load([]models.Turn{
		{ID: 1, Role: models.RoleUser},
		{ID: 2, Role: models.RoleUser},
		{ID: 3, Role: models.RoleAssistant},
		{ID: 4, Role: models.RoleAssistant},
	})

	ordered := s.Ordered()
	if len(ordered) != 4 {
		t.Fatalf("Expected all 4 turns kept, got %d", len(ordered))
	}
	for i, turn := range ordered {
		if turn.ID != int64(i+1) {
			t.Errorf("Insertion order broken at %d: %d", i, turn.ID)
		}
	}
}

func TestFailTurn_KeepsPartialAndAppendsNotice(t *testing.T) {
	s := NewStore(1)
	id, _ := s.BeginAssistantTurn()
	s.AppendDelta(id, models.SegmentText, "partial answer")

	s.FailTurn(id, "\n\n_Generation failed. Please try again._")

	turn, _ := s.Get(id)
	want := "partial answer\n\n_Generation failed. Please try again._"
	if turn.Text() != want {
		t.Errorf("Expected partial content plus notice, got %q", turn.Text())
	}
	if s.OpenTurnID() != 0 {
		t.Error("Turn should be closed after failure")
	}
}

func TestRemoveTurn_DiscardsCancelledTurn(t *testing.T) {
	s := NewStore(1)
	s.AppendUserTurn("question")
	id, _ := s.BeginAssistantTurn()
	s.AppendDelta(id, models.SegmentText, "part")

	s.RemoveTurn(id)

	if s.Len() != 1 {
		t.Fatalf("Expected only the user turn, got %d turns", s.Len())
	}
	if s.OpenTurnID() != 0 {
		t.Error("Open marker should clear when the open turn is removed")
	}
	// A new assistant turn may open afterwards.
	if _, err := s.BeginAssistantTurn(); err != nil {
		t.Errorf("Begin after remove failed: %v", err)
	}
}

func TestOrdered_SnapshotIsolation(t *testing.T) {
	s := NewStore(1)
	id, _ := s.BeginAssistantTurn()
	s.AppendDelta(id, models.SegmentText, "before")

	snap := s.Ordered()
	s.AppendDelta(id, models.SegmentText, " after")

	if snap[0].Text() != "before" {
		t.Errorf("Snapshot mutated by later delta: %q", snap[0].Text())
	}
}

func TestLoad_SafeUnderConcurrentAccess(t *testing.T) {
	s := NewStore(1)
	persisted := []models.Turn{
		{ID: 1, ConversationID: 1, Role: models.RoleUser,
			Segments: []models.Segment{{Type: models.SegmentText, Text: "hi"}}},
		{ID: 2, ConversationID: 1, Role: models.RoleAssistant,
			Segments: []models.Segment{{Type: models.SegmentText, Text: "hello"}}},
	}

	id, _ := s.BeginAssistantTurn()

	// A competing request may reload history while the active one is still
	// appending deltas; both must be safe to run concurrently.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Load(persisted)
				s.Ordered()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			s.AppendDelta(id, models.SegmentText, "x")
		}
	}()
	wg.Wait()

	s.CompleteTurn(id)

	turn, ok := s.Get(id)
	if !ok {
		t.Fatal("open turn lost during concurrent reloads")
	}
	if len(turn.Text()) != 50 {
		t.Errorf("Expected 50 delta bytes, got %d", len(turn.Text()))
	}
	if s.Len() != 3 {
		t.Errorf("Expected 3 turns, got %d", s.Len())
	}
}
