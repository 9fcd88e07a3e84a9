package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quailyquaily/smartops/guard"
	"github.com/quailyquaily/smartops/llm"
)

// WithApprovals routes calls that require approval through m. Without it
// such calls fail with an error result.
func WithApprovals(m *guard.ApprovalManager) Option {
	return func(e *Engine) {
		e.approvals = m
	}
}

func (e *Engine) requestApproval(ctx context.Context, st *ConversationState, c llm.ToolCall) (string, error) {
	if e.approvals == nil {
		return "", fmt.Errorf("%s requires approval but no approval manager is configured", c.Name)
	}
	hash, err := guard.ToolCallHash(c.Name, c.Arguments)
	if err != nil {
		return "", err
	}
	targets := TargetsOf(c.Arguments)
	return e.approvals.Create(ctx, guard.ApprovalSpec{
		RequesterID: st.RequesterID,
		Metadata: guard.ApprovalMetadata{
			ConversationID: st.ConversationID,
			ToolCallID:     c.ID,
			ToolName:       c.Name,
			Arguments:      guard.SanitizeParams(c.Arguments),
			TargetIDs:      targets,
			ResourceCount:  len(targets),
			Description:    describeCall(c.Name, targets),
			ActionHash:     hash,
		},
		Continuation: e.approvalContinuation(st.ConversationID, c.ID),
	})
}

// approvalContinuation executes an approved call from the stored state and
// continues the turn. Its result is the TurnResult of that continuation.
func (e *Engine) approvalContinuation(conversationID, callID string) guard.Continuation {
	return func(ctx context.Context, req guard.ApprovalRequest) (any, error) {
		return e.resumeStored(ctx, conversationID, func(st *ConversationState) error {
			if st.PendingApprovals[callID] != req.ID {
				return fmt.Errorf("%w: %s is not waiting on approval %s", ErrNoPendingCall, callID, req.ID)
			}
			call, ok := st.call(callID)
			if !ok {
				return fmt.Errorf("%w: %s", ErrNoPendingCall, callID)
			}
			delete(st.PendingApprovals, callID)
			call.Arguments = st.Inputs[callID]

			hash, err := guard.ToolCallHash(call.Name, call.Arguments)
			if err != nil {
				return err
			}
			if want := strings.TrimSpace(req.Metadata.ActionHash); want != "" && want != hash {
				e.log.Warn("approval_action_mismatch", "conversation_id", conversationID, "approval_id", req.ID, "tool", call.Name)
				st.Results[callID] = toolResult{
					Content: denialContent(call.Name, "the approved action does not match the requested call"),
					IsError: true,
				}
				return nil
			}
			return e.execute(ctx, st, call, e.classifier.Classify(call.Name, call.Arguments))
		})
	}
}

// Confirm approves a pending call on behalf of its requester, runs it and
// continues the conversation.
func (e *Engine) Confirm(ctx context.Context, approvalID, requesterID string) (TurnResult, error) {
	if e.approvals == nil {
		return TurnResult{}, fmt.Errorf("approvals are not configured")
	}
	res, err := e.approvals.Confirm(ctx, approvalID, requesterID)
	if err != nil {
		return TurnResult{}, err
	}
	if !res.Success {
		if res.Err != nil {
			return TurnResult{}, res.Err
		}
		return TurnResult{}, fmt.Errorf("approval %s failed: %s", approvalID, res.Error)
	}
	out, _ := res.Result.(TurnResult)
	return out, nil
}

// Cancel denies a pending call. The model is told the call was not run.
func (e *Engine) Cancel(ctx context.Context, approvalID, requesterID string) (TurnResult, error) {
	if e.approvals == nil {
		return TurnResult{}, fmt.Errorf("approvals are not configured")
	}
	req, ok := e.approvals.Get(approvalID)
	if !ok {
		return TurnResult{}, fmt.Errorf("%w: %s", guard.ErrApprovalNotFound, approvalID)
	}
	if err := e.approvals.Cancel(ctx, approvalID, requesterID); err != nil {
		return TurnResult{}, err
	}
	return e.resumeStored(ctx, req.Metadata.ConversationID, outcomeApplier(ToolOutcome{
		ToolCallID: req.Metadata.ToolCallID,
		Content:    denialContent(req.Metadata.ToolName, "the user cancelled this operation"),
		IsError:    true,
	}))
}

// HandleApprovalExpired treats an expired approval as a denial and resumes
// the conversation in the background. Wire it to guard.OnExpired.
func (e *Engine) HandleApprovalExpired(req guard.ApprovalRequest) {
	convID := req.Metadata.ConversationID
	if convID == "" {
		return
	}
	e.resumeInBackground(convID, ToolOutcome{
		ToolCallID: req.Metadata.ToolCallID,
		Content:    denialContent(req.Metadata.ToolName, "the approval request expired before it was confirmed"),
		IsError:    true,
	})
}

// ListPending summarizes the approvals waiting on requesterID.
func (e *Engine) ListPending(requesterID string) []PendingApproval {
	if e.approvals == nil {
		return nil
	}
	reqs := e.approvals.ListPending(requesterID)
	out := make([]PendingApproval, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, pendingFromRequest(r))
	}
	return out
}

func pendingFromRequest(req guard.ApprovalRequest) PendingApproval {
	return PendingApproval{
		ApprovalID:  req.ID,
		ToolCallID:  req.Metadata.ToolCallID,
		ToolName:    req.Metadata.ToolName,
		Description: req.Metadata.Description,
		TargetIDs:   append([]string(nil), req.Metadata.TargetIDs...),
		ExpiresAt:   req.ExpiresAt,
	}
}

func describeCall(toolName string, targets []string) string {
	switch len(targets) {
	case 0:
		return fmt.Sprintf("Run %s", toolName)
	case 1:
		return fmt.Sprintf("Run %s on %s", toolName, targets[0])
	default:
		return fmt.Sprintf("Run %s on %d instances", toolName, len(targets))
	}
}

func denialContent(toolName, reason string) string {
	b, _ := json.Marshal(map[string]any{
		"error":    "operation not executed",
		"tool":     toolName,
		"reason":   reason,
		"executed": false,
	})
	return string(b)
}
