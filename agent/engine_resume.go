package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/quailyquaily/smartops/internal/strutil"
	"github.com/quailyquaily/smartops/mcp"
	"github.com/quailyquaily/smartops/tracker"
)

const maxOutputChars = 4000

// Resume continues a suspended conversation from a snapshot, delivering the
// outcome of one pending tool call. The loop re-enters at the snapshot's
// iteration.
func (e *Engine) Resume(ctx context.Context, snapshot []byte, outcome ToolOutcome) (TurnResult, error) {
	st, err := UnmarshalState(snapshot)
	if err != nil {
		return TurnResult{}, err
	}
	if err := e.lock(ctx, st.ConversationID); err != nil {
		return TurnResult{}, err
	}
	defer e.unlock(st.ConversationID)

	if aid, ok := st.PendingApprovals[outcome.ToolCallID]; ok && e.approvals != nil {
		// The outcome supersedes the approval.
		if err := e.approvals.Cancel(ctx, aid, st.RequesterID); err != nil {
			e.log.Warn("approval_cancel_error",
				"conversation_id", st.ConversationID,
				"approval_id", aid,
				"error", err.Error(),
			)
		}
	}
	return e.continueWith(ctx, st, outcomeApplier(outcome))
}

// resumeStored loads the stored state of a conversation, applies a change
// and continues the turn.
func (e *Engine) resumeStored(ctx context.Context, conversationID string, apply func(*ConversationState) error) (TurnResult, error) {
	if err := e.lock(ctx, conversationID); err != nil {
		return TurnResult{}, err
	}
	defer e.unlock(conversationID)

	st, ok, err := e.load(ctx, conversationID)
	if err != nil {
		return TurnResult{}, err
	}
	if !ok {
		return TurnResult{}, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	return e.continueWith(ctx, st, apply)
}

func (e *Engine) continueWith(ctx context.Context, st *ConversationState, apply func(*ConversationState) error) (TurnResult, error) {
	st.ensureMaps()
	if err := apply(st); err != nil {
		if errors.Is(err, mcp.ErrAuthentication) {
			e.log.Error("turn_aborted", "conversation_id", st.ConversationID, "error", err.Error())
			e.keep(ctx, st, err)
		}
		return TurnResult{}, err
	}
	if st.Suspended() {
		if err := e.save(ctx, st); err != nil {
			return TurnResult{}, err
		}
		return e.suspendedResult(st), nil
	}
	st.flushResults()
	e.log.Info("turn_resumed", "conversation_id", st.ConversationID, "iteration", st.Iteration)
	return e.runLoop(ctx, st)
}

func outcomeApplier(outcome ToolOutcome) func(*ConversationState) error {
	return func(st *ConversationState) error {
		id := strings.TrimSpace(outcome.ToolCallID)
		_, approval := st.PendingApprovals[id]
		_, awaiting := st.AwaitingOps[id]
		if !approval && !awaiting {
			return fmt.Errorf("%w: %s in %s", ErrNoPendingCall, id, st.ConversationID)
		}
		delete(st.PendingApprovals, id)
		delete(st.AwaitingOps, id)
		if len(st.AwaitingOps) == 0 {
			st.HandledByTracker = false
		}
		st.Results[id] = toolResult{Content: outcome.Content, IsError: outcome.IsError}
		return nil
	}
}

func (e *Engine) resumeInBackground(conversationID string, outcome ToolOutcome) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx := e.bgCtx
		res, err := e.resumeStored(ctx, conversationID, outcomeApplier(outcome))
		if err != nil {
			e.log.Warn("background_resume_error", "conversation_id", conversationID, "tool_call_id", outcome.ToolCallID, "error", err.Error())
			if errors.Is(err, ErrNoPendingCall) || errors.Is(err, context.Canceled) {
				return
			}
			res = TurnResult{ConversationID: conversationID, Status: TurnCompleted, Text: "The conversation could not continue: " + err.Error()}
		}
		if e.notifier != nil {
			e.notifier.Deliver(ctx, conversationID, res)
		}
	}()
}

// OnOperationComplete resumes the conversation waiting on a single tracked
// operation. Operations that belong to a workflow resume on
// OnWorkflowComplete instead.
func (e *Engine) OnOperationComplete(_ context.Context, op tracker.Operation, _ *tracker.Workflow) {
	if op.WorkflowID != "" {
		return
	}
	ref, ok := e.takeTracked(op.ID)
	if !ok {
		return
	}
	b, _ := json.Marshal(operationSummary(op))
	e.resumeInBackground(ref.ConversationID, ToolOutcome{
		ToolCallID: ref.ToolCallID,
		Content:    string(b),
		IsError:    op.Status != tracker.StatusSuccess,
	})
}

func (e *Engine) OnWorkflowComplete(_ context.Context, wf tracker.Workflow) {
	ref, ok := e.takeTracked(wf.ID)
	if !ok {
		return
	}
	ops := make([]map[string]any, 0, len(wf.OperationIDs))
	for _, id := range wf.OperationIDs {
		if e.tracker == nil {
			break
		}
		if op, ok := e.tracker.Status(id); ok {
			ops = append(ops, operationSummary(op))
		}
	}
	b, _ := json.Marshal(map[string]any{
		"workflow_id":    wf.ID,
		"operation_type": wf.OperationType,
		"expected":       wf.Expected,
		"succeeded":      wf.Succeeded,
		"failed":         wf.Failed,
		"success_rate":   wf.SuccessRate(),
		"operations":     ops,
	})
	e.resumeInBackground(ref.ConversationID, ToolOutcome{
		ToolCallID: ref.ToolCallID,
		Content:    string(b),
		IsError:    wf.Succeeded == 0,
	})
}

func operationSummary(op tracker.Operation) map[string]any {
	m := map[string]any{
		"operation_id": op.ID,
		"target_id":    op.TargetID,
		"status":       string(op.Status),
	}
	if op.RemoteStatus != "" {
		m["remote_status"] = op.RemoteStatus
	}
	if op.Output != "" {
		m["output"] = truncate(op.Output, maxOutputChars)
	}
	if op.ErrorMessage != "" {
		m["error"] = truncate(op.ErrorMessage, maxOutputChars)
	}
	if op.OutputURL != "" {
		m["output_url"] = op.OutputURL
	}
	return m
}

func truncate(s string, n int) string {
	return strutil.Ellipsize(s, n, "...(truncated)")
}
