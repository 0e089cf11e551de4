// Package chat orchestrates one full request/response cycle against the
// inference gateway: it owns the submission state machine and enforces the
// single-in-flight rule per conversation.
package chat

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"deepchat-backend/internal/models"
	"deepchat-backend/internal/stream"
	"deepchat-backend/internal/transcript"
)

// State of the submission cycle. Every terminal path returns to idle; no
// error may leave a controller stuck in submitting or streaming.
type State int32

const (
	StateIdle State = iota
	StateSubmitting
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateSubmitting:
		return "submitting"
	case StateStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

// failureNotice is appended to whatever partial content accumulated when a
// generation stream dies.
const failureNotice = "\n\n_Generation was interrupted. Please try again._"

// InferenceGateway opens a completion stream for the full ordered history.
type InferenceGateway interface {
	StreamCompletion(ctx context.Context, history []models.Turn, model, systemPrompt string) (io.ReadCloser, error)
}

// TurnAppender is the durable side of the persistence gateway.
type TurnAppender interface {
	Append(ctx context.Context, conversationID int64, role models.Role, segments []models.Segment) (*models.Turn, error)
}

// RetryEnqueuer queues a turn whose durable append failed so a worker can
// retry it. May be nil when no queue is configured.
type RetryEnqueuer interface {
	EnqueueTurn(ctx context.Context, conversationID int64, role models.Role, segments []models.Segment) error
}

// Result reports the outcome of one submission.
type Result struct {
	UserTurn      *models.Turn
	AssistantTurn *models.Turn
	Status        stream.Status
	Cancelled     bool
}

// Controller drives submissions for a single conversation. The transcript
// store is only ever mutated from here, on the goroutine serving the active
// request; the atomic state is the cross-request guard.
type Controller struct {
	conversationID int64
	store          *transcript.Store
	inference      InferenceGateway
	turns          TurnAppender
	retry          RetryEnqueuer
	systemPrompt   string
	timeout        time.Duration
	state          atomic.Int32
}

func NewController(conversationID int64, inference InferenceGateway, turns TurnAppender, retry RetryEnqueuer, systemPrompt string, timeout time.Duration) *Controller {
	return &Controller{
		conversationID: conversationID,
		store:          transcript.NewStore(conversationID),
		inference:      inference,
		turns:          turns,
		retry:          retry,
		systemPrompt:   systemPrompt,
		timeout:        timeout,
	}
}

// State reports the current submission state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// LoadHistory merges persisted turns into the transcript before a submission.
// Only valid while idle; a concurrent submission owns the store.
func (c *Controller) LoadHistory(persisted []models.Turn) {
	c.store.Load(persisted)
}

// Transcript returns the ordered render-ready view of the conversation.
func (c *Controller) Transcript() []models.Turn {
	return c.store.Ordered()
}

// Submit runs one full cycle: append the user turn, open an assistant turn,
// stream deltas from the gateway into it, then persist both turns. onEvent is
// invoked for every decoded event in arrival order so the caller can relay
// frames while the stream is live.
//
// Upstream failures are absorbed: the assistant turn is finalized with the
// partial content plus a failure notice, the user turn is still persisted,
// and the returned Result carries a failed status instead of an error.
func (c *Controller) Submit(ctx context.Context, text, model string, onEvent func(stream.Event)) (*Result, error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateSubmitting)) {
		return nil, &transcript.ConcurrentTurnError{Message: "a submission is already in flight for this conversation"}
	}
	defer c.state.Store(int32(StateIdle))

	userTurn, err := c.store.AppendUserTurn(text)
	if err != nil {
		return nil, err
	}

	assistantID, err := c.store.BeginAssistantTurn()
	if err != nil {
		// Should be unreachable behind the state guard; drop the user turn so
		// the transcript is unchanged.
		c.store.RemoveTurn(userTurn.ID)
		return nil, err
	}

	session := stream.NewSession(assistantID)

	// A fixed ceiling bounds how long one generation may run.
	streamCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.inference.StreamCompletion(streamCtx, c.store.Ordered(), model, c.systemPrompt)
	if err != nil {
		ev := stream.Event{Type: stream.EventError, Message: err.Error()}
		session.Apply(ev)
		c.store.FailTurn(assistantID, failureNotice)
		if onEvent != nil {
			onEvent(ev)
		}
		return c.finalize(ctx, session, userTurn, assistantID), nil
	}
	defer body.Close()

	consumer := stream.NewConsumer(body)
	for {
		ev, ok := consumer.Next()
		if !ok {
			break
		}

		if session.Status() == stream.StatusPending {
			c.state.Store(int32(StateStreaming))
		}
		session.Apply(ev)

		switch ev.Type {
		case stream.EventTextDelta:
			c.store.AppendDelta(assistantID, models.SegmentText, ev.Text)
		case stream.EventReasoningDelta:
			c.store.AppendDelta(assistantID, models.SegmentReasoning, ev.Text)
		case stream.EventFinish:
			c.store.CompleteTurn(assistantID)
		case stream.EventError:
			if ctx.Err() == nil {
				c.store.FailTurn(assistantID, failureNotice)
			}
		}

		if onEvent != nil && ctx.Err() == nil {
			onEvent(ev)
		}
	}

	return c.finalize(ctx, session, userTurn, assistantID), nil
}

// finalize persists the turns of a terminal submission. The two appends are
// independent: a failure of one is enqueued for retry and never blocks or
// rolls back the other. An explicitly cancelled assistant turn is discarded.
func (c *Controller) finalize(ctx context.Context, session *stream.Session, userTurn *models.Turn, assistantID int64) *Result {
	cancelled := errors.Is(ctx.Err(), context.Canceled)

	res := &Result{
		UserTurn:  userTurn,
		Status:    session.Status(),
		Cancelled: cancelled,
	}

	// The request context may already be dead; persistence must still happen.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if persisted := c.persistTurn(persistCtx, userTurn); persisted != nil {
		res.UserTurn = persisted
	}

	if cancelled {
		c.store.RemoveTurn(assistantID)
		return res
	}

	if assistantTurn, ok := c.store.Get(assistantID); ok {
		res.AssistantTurn = assistantTurn
		if persisted := c.persistTurn(persistCtx, assistantTurn); persisted != nil {
			res.AssistantTurn = persisted
		}
	}

	return res
}

func (c *Controller) persistTurn(ctx context.Context, t *models.Turn) *models.Turn {
	persisted, err := c.turns.Append(ctx, c.conversationID, t.Role, t.Segments)
	if err == nil {
		c.store.Promote(t.ID, *persisted)
		return persisted
	}

	log.Printf("chat: failed to persist %s turn for conversation %d: %v", t.Role, c.conversationID, err)
	if c.retry != nil {
		if qerr := c.retry.EnqueueTurn(ctx, c.conversationID, t.Role, t.Segments); qerr != nil {
			log.Printf("chat: failed to enqueue %s turn for retry: %v", t.Role, qerr)
		}
	}
	return nil
}

// Registry hands out one controller per conversation so the busy-state check
// spans requests. The guard is in-process only; two server instances, like
// two browser tabs, are not coordinated.
type Registry struct {
	mu           sync.Mutex
	controllers  map[int64]*Controller
	inference    InferenceGateway
	turns        TurnAppender
	retry        RetryEnqueuer
	systemPrompt string
	timeout      time.Duration
}

func NewRegistry(inference InferenceGateway, turns TurnAppender, retry RetryEnqueuer, systemPrompt string, timeout time.Duration) *Registry {
	return &Registry{
		controllers:  make(map[int64]*Controller),
		inference:    inference,
		turns:        turns,
		retry:        retry,
		systemPrompt: systemPrompt,
		timeout:      timeout,
	}
}

func (r *Registry) Controller(conversationID int64) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.controllers[conversationID]; ok {
		return c
	}
	c := NewController(conversationID, r.inference, r.turns, r.retry, r.systemPrompt, r.timeout)
	r.controllers[conversationID] = c
	return c
}

// Forget drops the cached controller, used after a conversation is deleted.
func (r *Registry) Forget(conversationID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.controllers, conversationID)
}
