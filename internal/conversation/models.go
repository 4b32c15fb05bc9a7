// Package conversation stores query history. Conversations are
// append-only: turns are added atomically and never edited.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Turn is one message in a conversation.
type Turn struct {
	ID          string    `json:"id" db:"id"`
	Role        string    `json:"role" db:"role"` // user, assistant
	Content     string    `json:"content" db:"content"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
	ServersUsed []string  `json:"servers_used,omitempty"`
	ToolsCalled []string  `json:"tools_called,omitempty"`
}

// NewTurn creates a turn with a fresh id and timestamp.
func NewTurn(role, content string) Turn {
	return Turn{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Conversation groups the turns of one user thread.
type Conversation struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
