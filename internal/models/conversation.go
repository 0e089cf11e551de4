package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is one chat thread owned by a single user. Conversations use
// numeric IDs because the browser passes them back as strings and every
// boundary must be able to reject non-numeric input cheaply.
type Conversation struct {
	ID        int64     `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CreateConversationRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

type UpdateConversationRequest struct {
	Title *string `json:"title"`
	Model *string `json:"model"`
}
