package guard

import (
	"context"
	"errors"
	"time"
)

type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalConfirmed ApprovalStatus = "confirmed"
	ApprovalCancelled ApprovalStatus = "cancelled"
	ApprovalExpired   ApprovalStatus = "expired"
)

var (
	ErrApprovalNotFound   = errors.New("approval request not found")
	ErrApprovalPermission = errors.New("only the requesting user may resolve this approval")
	ErrApprovalExpired    = errors.New("approval request expired")
)

// ApprovalMetadata describes the operation waiting for confirmation.
type ApprovalMetadata struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	ToolCallID     string         `json:"tool_call_id,omitempty"`
	ToolName       string         `json:"tool_name"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	TargetIDs      []string       `json:"target_ids,omitempty"`
	ResourceCount  int            `json:"resource_count,omitempty"`
	Description    string         `json:"description,omitempty"`
	// ActionHash binds the request to the exact tool name and arguments.
	ActionHash string         `json:"action_hash,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

type ApprovalRequest struct {
	ID          string           `json:"id"`
	RequesterID string           `json:"requester_id"`
	Metadata    ApprovalMetadata `json:"metadata"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	Status      ApprovalStatus   `json:"status"`
}

// Continuation runs the approved operation. Its result is handed back to
// whoever called Confirm.
type Continuation func(ctx context.Context, req ApprovalRequest) (any, error)

// ConfirmResult is the structured outcome of a confirmation. Continuation
// failures are reported here rather than as an error from Confirm.
type ConfirmResult struct {
	Success bool            `json:"success"`
	Request ApprovalRequest `json:"request"`
	Result  any             `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	// Err is the continuation's error as returned, for errors.Is/As.
	Err error `json:"-"`
}

// ApprovalRecord is the durable history row of one approval request.
type ApprovalRecord struct {
	ID             string
	ConversationID string
	RequesterID    string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	ResolvedAt     *time.Time

	Status ApprovalStatus
	Actor  string
	Error  string

	ToolName   string
	ActionHash string

	ActionSummaryRedacted string
}

// ApprovalHistory mirrors approval lifecycle transitions for later review.
// The manager never reads from it to make decisions.
type ApprovalHistory interface {
	Create(ctx context.Context, rec ApprovalRecord) error
	Get(ctx context.Context, id string) (ApprovalRecord, bool, error)
	Resolve(ctx context.Context, id string, status ApprovalStatus, actor string, errMsg string) error
	ListByRequester(ctx context.Context, requesterID string, limit int) ([]ApprovalRecord, error)
}
