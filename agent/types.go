package agent

import "context"

type RunRequest struct {
	ConversationID string
	RequesterID    string
	Prompt         string
	// Targets maps known target ids to their platform (linux, windows).
	Targets map[string]string
}

type TurnStatus string

const (
	TurnCompleted          TurnStatus = "completed"
	TurnAwaitingApproval   TurnStatus = "awaiting_approval"
	TurnAwaitingOperations TurnStatus = "awaiting_operations"
)

// TurnResult is what one Run, Resume or confirmation hands back.
type TurnResult struct {
	ConversationID string     `json:"conversation_id"`
	Status         TurnStatus `json:"status"`
	Text           string     `json:"text,omitempty"`
	// Card is a renderable object the model embedded in its final answer.
	Card       map[string]any    `json:"card,omitempty"`
	Approvals  []PendingApproval `json:"approvals,omitempty"`
	Operations []string          `json:"operations,omitempty"`
	Workflows  []string          `json:"workflows,omitempty"`
	Iteration  int               `json:"iteration"`
}

func (r TurnResult) Suspended() bool {
	return r.Status == TurnAwaitingApproval || r.Status == TurnAwaitingOperations
}

// ToolOutcome is the result of a pending tool call delivered from outside
// the turn that issued it.
type ToolOutcome struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Notifier receives turns that were resumed in the background, after an
// operation completed or an approval expired.
type Notifier interface {
	Deliver(ctx context.Context, conversationID string, res TurnResult)
}

type NotifierFunc func(ctx context.Context, conversationID string, res TurnResult)

func (f NotifierFunc) Deliver(ctx context.Context, conversationID string, res TurnResult) {
	f(ctx, conversationID, res)
}
