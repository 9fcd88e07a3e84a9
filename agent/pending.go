package agent

import "time"

// PendingApproval is the safe summary of an approval a turn is waiting on.
// It carries no raw tool arguments.
type PendingApproval struct {
	ApprovalID  string    `json:"approval_id"`
	ToolCallID  string    `json:"tool_call_id"`
	ToolName    string    `json:"tool_name"`
	Description string    `json:"description"`
	TargetIDs   []string  `json:"target_ids,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}
