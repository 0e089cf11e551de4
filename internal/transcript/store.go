// Package transcript maintains the single ordered view of a conversation's
// turns, merging persisted history with turns produced during the active
// session. A mutex guards every operation: deltas arrive from the goroutine
// serving the active request, but history reloads can come from a competing
// request that has not yet lost the single-in-flight race. The only domain
// invariant enforced here is that at most one assistant turn is open at a
// time.
package transcript

import (
	"strings"
	"sync"
	"time"

	"deepchat-backend/internal/models"
)

type Store struct {
	conversationID int64

	mu          sync.Mutex
	turns       []*models.Turn
	index       map[int64]*models.Turn
	openTurnID  int64 // 0 = no assistant turn open
	nextLocalID int64 // provisional IDs count down from -1
}

func NewStore(conversationID int64) *Store {
	return &Store{
		conversationID: conversationID,
		index:          make(map[int64]*models.Turn),
		nextLocalID:    -1,
	}
}

// Load merges persisted history into the transcript. Turns already present
// are kept as-is (dedupe by identifier), so reloading the same history is
// idempotent. Persisted turns form the historical prefix; local provisional
// turns keep their relative order after it.
func (s *Store) Load(persisted []models.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make([]*models.Turn, 0, len(persisted)+len(s.turns))
	inPrefix := make(map[int64]bool, len(persisted))

	for i := range persisted {
		p := persisted[i]
		if inPrefix[p.ID] {
			continue
		}
		inPrefix[p.ID] = true
		if existing, ok := s.index[p.ID]; ok {
			merged = append(merged, existing)
			continue
		}
		t := p
		merged = append(merged, &t)
	}

	for _, t := range s.turns {
		if !inPrefix[t.ID] {
			merged = append(merged, t)
		}
	}

	s.turns = merged
	s.index = make(map[int64]*models.Turn, len(merged))
	for _, t := range merged {
		s.index[t.ID] = t
	}
}

// AppendUserTurn appends a new user turn with the trimmed text.
func (s *Store) AppendUserTurn(text string) (*models.Turn, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, &InvalidInputError{Message: "message must not be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &models.Turn{
		ID:             s.allocLocalID(),
		ConversationID: s.conversationID,
		Role:           models.RoleUser,
		Segments:       []models.Segment{{Type: models.SegmentText, Text: trimmed}},
		CreatedAt:      time.Now(),
	}
	s.append(t)
	return t, nil
}

// BeginAssistantTurn appends an empty assistant turn and marks it open.
// A second open turn is rejected; the caller must complete or fail the
// current one first.
func (s *Store) BeginAssistantTurn() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openTurnID != 0 {
		return 0, &ConcurrentTurnError{Message: "an assistant turn is already open"}
	}

	t := &models.Turn{
		ID:             s.allocLocalID(),
		ConversationID: s.conversationID,
		Role:           models.RoleAssistant,
		CreatedAt:      time.Now(),
	}
	s.append(t)
	s.openTurnID = t.ID
	return t.ID, nil
}

// AppendDelta appends a fragment to the typed segment of the open turn.
// Deltas targeting a closed or unknown turn are dropped silently; they are
// late events from an abandoned stream, not errors.
func (s *Store) AppendDelta(turnID int64, segType models.SegmentType, fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendDelta(turnID, segType, fragment)
}

func (s *Store) appendDelta(turnID int64, segType models.SegmentType, fragment string) {
	if turnID == 0 || turnID != s.openTurnID {
		return
	}
	t, ok := s.index[turnID]
	if !ok {
		return
	}

	for i := len(t.Segments) - 1; i >= 0; i-- {
		if t.Segments[i].Type == segType {
			t.Segments[i].Text += fragment
			return
		}
	}
	t.Segments = append(t.Segments, models.Segment{Type: segType, Text: fragment})
}

// CompleteTurn closes the open turn. Subsequent deltas become no-ops.
func (s *Store) CompleteTurn(turnID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turnID == s.openTurnID {
		s.openTurnID = 0
	}
}

// FailTurn closes the open turn, keeping whatever partial content arrived and
// appending a visible notice that generation failed.
func (s *Store) FailTurn(turnID int64, notice string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turnID != s.openTurnID {
		return
	}
	s.appendDelta(turnID, models.SegmentText, notice)
	s.openTurnID = 0
}

// RemoveTurn drops a turn from the transcript entirely, used when a cancelled
// assistant turn is discarded rather than persisted.
func (s *Store) RemoveTurn(turnID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[turnID]; !ok {
		return
	}
	delete(s.index, turnID)
	if turnID == s.openTurnID {
		s.openTurnID = 0
	}
	for i, t := range s.turns {
		if t.ID == turnID {
			s.turns = append(s.turns[:i], s.turns[i+1:]...)
			break
		}
	}
}

// Promote swaps a provisional turn for its persisted form in place, keeping
// its position in the transcript. After promotion a history reload dedupes
// against the durable identifier.
func (s *Store) Promote(provisionalID int64, persisted models.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[provisionalID]
	if !ok || provisionalID == s.openTurnID {
		return
	}
	delete(s.index, provisionalID)
	t.ID = persisted.ID
	t.CreatedAt = persisted.CreatedAt
	s.index[t.ID] = t
}

// Get returns the turn with the given identifier, if present.
func (s *Store) Get(turnID int64) (*models.Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.index[turnID]
	return t, ok
}

// OpenTurnID reports the currently open assistant turn, 0 if none.
func (s *Store) OpenTurnID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openTurnID
}

// Ordered returns a render-ready snapshot of the transcript. The snapshot is
// recomputed on every call and safe to hold across further mutation.
func (s *Store) Ordered() []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = *t
		out[i].Segments = append([]models.Segment(nil), t.Segments...)
	}
	return out
}

// Len reports the number of turns currently in the transcript.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

func (s *Store) append(t *models.Turn) {
	s.turns = append(s.turns, t)
	s.index[t.ID] = t
}

func (s *Store) allocLocalID() int64 {
	id := s.nextLocalID
	s.nextLocalID--
	return id
}
