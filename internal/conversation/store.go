package conversation

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Store persists conversations.
//
// AppendTurns is atomic: either every turn in the call is appended and
// the conversation timestamp advances, or the conversation is unchanged.
type Store interface {
	Create(ctx context.Context, userID string) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	ListByUser(ctx context.Context, userID string) ([]*Conversation, error)
	AppendTurns(ctx context.Context, id string, turns []Turn) error
	Delete(ctx context.Context, id string) error

	// Reset removes all conversations. Admin surface only.
	Reset(ctx context.Context) error

	Close() error
}
