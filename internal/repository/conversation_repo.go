package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"deepchat-backend/internal/models"
)

type ConversationRepo struct {
	pool *pgxpool.Pool
}

func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

func (r *ConversationRepo) Create(ctx context.Context, title string, ownerID uuid.UUID, model string) (*models.Conversation, error) {
	c := &models.Conversation{UserID: ownerID, Title: title, Model: model}

	query := `INSERT INTO conversations (user_id, title, model)
		VALUES ($1, $2, $3) RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query, ownerID, title, model).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetByID fetches a conversation scoped to its owner. A conversation owned by
// someone else is indistinguishable from a missing one.
func (r *ConversationRepo) GetByID(ctx context.Context, id int64, ownerID uuid.UUID) (*models.Conversation, error) {
	c := &models.Conversation{}
	query := `SELECT id, user_id, title, model, created_at, updated_at
		FROM conversations WHERE id = $1 AND user_id = $2`

	err := r.pool.QueryRow(ctx, query, id, ownerID).
		Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *ConversationRepo) ListByUser(ctx context.Context, ownerID uuid.UUID) ([]*models.Conversation, error) {
	query := `SELECT id, user_id, title, model, created_at, updated_at
		FROM conversations WHERE user_id = $1 ORDER BY id DESC`

	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*models.Conversation
	for rows.Next() {
		c := &models.Conversation{}
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (r *ConversationRepo) Update(ctx context.Context, id int64, ownerID uuid.UUID, title, model *string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations SET
			title = COALESCE($3, title),
			model = COALESCE($4, model),
			updated_at = NOW()
		WHERE id = $1 AND user_id = $2`,
		id, ownerID, title, model,
	)
	return err
}

// Delete removes the conversation and all of its turns. The turns table has
// ON DELETE CASCADE, but the explicit delete keeps the behavior independent
// of the schema being loaded with constraints intact.
func (r *ConversationRepo) Delete(ctx context.Context, id int64, ownerID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM turns WHERE conversation_id = $1
			AND conversation_id IN (SELECT id FROM conversations WHERE id = $1 AND user_id = $2)`,
		id, ownerID,
	); err != nil {
		return err
	}

	ct, err := tx.Exec(ctx, "DELETE FROM conversations WHERE id = $1 AND user_id = $2", id, ownerID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotOwned
	}

	return tx.Commit(ctx)
}

func (r *ConversationRepo) Touch(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, "UPDATE conversations SET updated_at = NOW() WHERE id = $1", id)
	return err
}
