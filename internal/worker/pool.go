// Package worker retries turn persistence in the background. When a durable
// append fails during a live stream the turn is pushed onto a Redis list
// instead of being lost; the pool drains that list until the write sticks or
// the attempt budget runs out.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"deepchat-backend/internal/models"
	"deepchat-backend/internal/repository"
)

const (
	persistQueue = "queue:turn-persist"
	maxAttempts  = 5
)

// persistTask is one failed append waiting for a retry.
type persistTask struct {
	ConversationID int64            `json:"conversation_id"`
	Role           models.Role      `json:"role"`
	Segments       []models.Segment `json:"segments"`
	Attempt        int              `json:"attempt"`
}

type Pool struct {
	redis       *redis.Client
	turnRepo    *repository.TurnRepo
	workerCount int
	stopChan    chan struct{}
}

func NewPool(redisClient *redis.Client, turnRepo *repository.TurnRepo, workerCount int) *Pool {
	return &Pool{
		redis:       redisClient,
		turnRepo:    turnRepo,
		workerCount: workerCount,
		stopChan:    make(chan struct{}),
	}
}

// EnqueueTurn queues a turn whose synchronous append failed.
func (p *Pool) EnqueueTurn(ctx context.Context, conversationID int64, role models.Role, segments []models.Segment) error {
	task := persistTask{
		ConversationID: conversationID,
		Role:           role,
		Segments:       segments,
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode persist task: %w", err)
	}
	return p.redis.LPush(ctx, persistQueue, string(data)).Err()
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		go p.worker(i)
	}
	log.Printf("Started %d persistence retry workers", p.workerCount)
}

func (p *Pool) Stop() {
	close(p.stopChan)
}

func (p *Pool) worker(id int) {
	for {
		select {
		case <-p.stopChan:
			log.Printf("Worker %d shutting down", id)
			return
		default:
		}

		ctx := context.Background()

		// BLPOP with 30s timeout
		result, err := p.redis.BLPop(ctx, 30*time.Second, persistQueue).Result()
		if err != nil {
			continue // Timeout or error, retry
		}
		if len(result) < 2 {
			continue
		}

		var task persistTask
		if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
			log.Printf("Worker %d: failed to parse persist task: %v", id, err)
			continue
		}

		turn, err := p.turnRepo.Append(ctx, task.ConversationID, task.Role, task.Segments)
		if err == nil {
			log.Printf("Worker %d: recovered %s turn %d for conversation %d", id, task.Role, turn.ID, task.ConversationID)
			continue
		}

		p.requeue(&task, err)
	}
}

// requeue pushes the task back with exponential backoff until the attempt
// budget is exhausted, at which point the turn is dropped with a log line.
func (p *Pool) requeue(task *persistTask, err error) {
	task.Attempt++
	if task.Attempt >= maxAttempts {
		log.Printf("Dropping %s turn for conversation %d after %d attempts: %v",
			task.Role, task.ConversationID, task.Attempt, err)
		return
	}

	log.Printf("Persist retry %d/%d for conversation %d failed: %v",
		task.Attempt, maxAttempts, task.ConversationID, err)

	data, _ := json.Marshal(task)
	backoff := time.Duration(1<<uint(task.Attempt)) * time.Second
	time.AfterFunc(backoff, func() {
		p.redis.LPush(context.Background(), persistQueue, string(data))
	})
}
