package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quailyquaily/smartops/llm"
)

const stateVersion = 1

// ConversationState is everything needed to continue a conversation in a
// later turn or another process. It is persisted only through MarshalState.
type ConversationState struct {
	Version int `json:"v"`

	ConversationID string `json:"conversation_id"`
	RequesterID    string `json:"requester_id"`
	Model          string `json:"model,omitempty"`

	Prompt    string        `json:"prompt"`
	Messages  []llm.Message `json:"messages"`
	Iteration int           `json:"iteration"`
	ToolNames []string      `json:"tool_names,omitempty"`
	// Targets maps target id to platform.
	Targets map[string]string `json:"targets,omitempty"`

	// The tool calls of the current model turn, in model order.
	TurnCalls []llm.ToolCall `json:"turn_calls,omitempty"`
	// Inputs keeps the original arguments per tool call id.
	Inputs map[string]map[string]any `json:"inputs,omitempty"`
	// Results holds tool result content per call id until every call of the
	// turn is resolved.
	Results map[string]toolResult `json:"results,omitempty"`
	// PendingApprovals maps call id to approval request id.
	PendingApprovals map[string]string `json:"pending_approvals,omitempty"`
	// AwaitingOps maps call id to the operations tracked for it.
	AwaitingOps map[string]trackedCall `json:"awaiting_ops,omitempty"`
	// HandledByTracker is set while the tracker owns completion of this turn.
	HandledByTracker bool `json:"handled_by_tracker,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

type toolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

type trackedCall struct {
	OperationIDs []string `json:"operation_ids"`
	WorkflowID   string   `json:"workflow_id,omitempty"`
}

func newConversationState(req RunRequest, model string) *ConversationState {
	st := &ConversationState{
		Version:        stateVersion,
		ConversationID: req.ConversationID,
		RequesterID:    req.RequesterID,
		Model:          model,
	}
	st.resetTurn()
	return st
}

// Suspended reports whether any call of the current turn is still waiting
// for an approval or a tracked operation.
func (s *ConversationState) Suspended() bool {
	return len(s.PendingApprovals) > 0 || len(s.AwaitingOps) > 0
}

// PendingCallIDs lists the unresolved call ids in model order.
func (s *ConversationState) PendingCallIDs() []string {
	var out []string
	for _, c := range s.TurnCalls {
		if _, ok := s.PendingApprovals[c.ID]; ok {
			out = append(out, c.ID)
			continue
		}
		if _, ok := s.AwaitingOps[c.ID]; ok {
			out = append(out, c.ID)
		}
	}
	return out
}

func (s *ConversationState) call(id string) (llm.ToolCall, bool) {
	for _, c := range s.TurnCalls {
		if c.ID == id {
			return c, true
		}
	}
	return llm.ToolCall{}, false
}

func (s *ConversationState) resetTurn() {
	s.TurnCalls = nil
	s.Inputs = map[string]map[string]any{}
	s.Results = map[string]toolResult{}
	s.PendingApprovals = map[string]string{}
	s.AwaitingOps = map[string]trackedCall{}
	s.HandledByTracker = false
}

// flushResults appends one tool message per call of the turn, in call
// order, once all of them are resolved.
func (s *ConversationState) flushResults() bool {
	if s.Suspended() {
		return false
	}
	for _, c := range s.TurnCalls {
		r, ok := s.Results[c.ID]
		if !ok {
			r = toolResult{Content: `{"error":"tool call produced no result"}`, IsError: true}
		}
		s.Messages = append(s.Messages, llm.ToolResultMessage(c.ID, r.Content))
	}
	s.resetTurn()
	return true
}

func (s *ConversationState) ensureMaps() {
	if s.Inputs == nil {
		s.Inputs = map[string]map[string]any{}
	}
	if s.Results == nil {
		s.Results = map[string]toolResult{}
	}
	if s.PendingApprovals == nil {
		s.PendingApprovals = map[string]string{}
	}
	if s.AwaitingOps == nil {
		s.AwaitingOps = map[string]trackedCall{}
	}
}

func MarshalState(st *ConversationState) ([]byte, error) {
	if st == nil {
		return nil, fmt.Errorf("nil conversation state")
	}
	cp := *st
	cp.Version = stateVersion
	return json.Marshal(&cp)
}

func UnmarshalState(b []byte) (*ConversationState, error) {
	var st ConversationState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decode conversation state: %w", err)
	}
	if st.Version != stateVersion {
		return nil, fmt.Errorf("unsupported conversation state version: %d", st.Version)
	}
	if st.ConversationID == "" {
		return nil, fmt.Errorf("conversation state has no conversation id")
	}
	st.ensureMaps()
	return &st, nil
}
