package transcript

import (
	"context"
	"time"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the user-visible conversation history. Turns are
// appended as transcriptions finalize or agent replies arrive; they are
// never mutated in place.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is an append-only conversation log. History outlives the
// technical session lifecycle.
type Store interface {
	Append(ctx context.Context, turn Turn) error
	Recent(ctx context.Context, limit int) ([]Turn, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
