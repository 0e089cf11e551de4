package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"deepchat-backend/internal/models"
)

// ErrNotOwned is returned when a delete targets a conversation that does not
// exist or belongs to another user.
var ErrNotOwned = errors.New("conversation not found or not owned by caller")

type TurnRepo struct {
	pool *pgxpool.Pool
}

func NewTurnRepo(pool *pgxpool.Pool) *TurnRepo {
	return &TurnRepo{pool: pool}
}

// Append durably stores one turn. The database assigns the identifier; turn
// order within a conversation is the insertion order of ids.
func (r *TurnRepo) Append(ctx context.Context, conversationID int64, role models.Role, segments []models.Segment) (*models.Turn, error) {
	segBytes, err := json.Marshal(segments)
	if err != nil {
		return nil, err
	}

	t := &models.Turn{
		ConversationID: conversationID,
		Role:           role,
		Segments:       segments,
	}

	query := `INSERT INTO turns (conversation_id, role, segments)
		VALUES ($1, $2, $3) RETURNING id, created_at`

	err = r.pool.QueryRow(ctx, query, conversationID, string(role), segBytes).
		Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *TurnRepo) ListByConversation(ctx context.Context, conversationID int64) ([]models.Turn, error) {
	query := `SELECT id, conversation_id, role, segments, created_at
		FROM turns WHERE conversation_id = $1 ORDER BY id ASC`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := []models.Turn{}
	for rows.Next() {
		var t models.Turn
		var segBytes []byte
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &segBytes, &t.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(segBytes, &t.Segments); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (r *TurnRepo) CountByConversation(ctx context.Context, conversationID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM turns WHERE conversation_id = $1", conversationID,
	).Scan(&n)
	return n, err
}
