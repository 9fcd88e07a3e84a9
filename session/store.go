package session

import (
	"context"
	"time"
)

// Snapshot is the opaque serialized state of one suspended conversation.
type Snapshot struct {
	ConversationID string
	RequesterID    string
	Data           []byte
	UpdatedAt      time.Time
}

// Store keeps at most one snapshot per conversation.
type Store interface {
	Put(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, conversationID string) (Snapshot, bool, error)
	Delete(ctx context.Context, conversationID string) error
	List(ctx context.Context, requesterID string) ([]Snapshot, error)
}
