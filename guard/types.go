package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type ActionType string

const (
	ActionToolCall ActionType = "ToolCall"
)

// Action is the hashed identity of an operation put up for approval.
type Action struct {
	Type ActionType

	ToolName   string
	ToolParams map[string]any
}

type AuditEventType string

const (
	AuditApprovalCreated   AuditEventType = "approval_created"
	AuditApprovalConfirmed AuditEventType = "approval_confirmed"
	AuditApprovalCancelled AuditEventType = "approval_cancelled"
	AuditApprovalExpired   AuditEventType = "approval_expired"
	AuditApprovalDenied    AuditEventType = "approval_permission_denied"
	AuditContinuationError AuditEventType = "approval_continuation_error"
)

type AuditEvent struct {
	EventID        string         `json:"event_id"`
	Type           AuditEventType `json:"type"`
	Timestamp      time.Time      `json:"ts"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ToolName       string         `json:"tool_name,omitempty"`

	ActionSummaryRedacted string `json:"action_summary_redacted,omitempty"`
	ActionHash            string `json:"action_hash,omitempty"`

	ApprovalRequestID string `json:"approval_request_id"`
	ApprovalStatus    string `json:"approval_status"`
	RequesterID       string `json:"requester_id,omitempty"`
	Actor             string `json:"actor,omitempty"`
	Error             string `json:"error,omitempty"`
}

func newEventID(approvalID string, typ AuditEventType, ts time.Time) string {
	seed := fmt.Sprintf("%s|%s|%s", approvalID, typ, ts.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(seed))
	return "evt_" + hex.EncodeToString(sum[:8])
}

func canonicalJSON(v any) ([]byte, error) {
	cv, err := canonicalizeValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cv)
}

// canonicalizeValue turns maps into sorted key/value lists so the encoding
// is independent of map iteration order.
func canonicalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			out = append(out, k)
			vv, err := canonicalizeValue(x[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vv)
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(x))
		for _, vv := range x {
			cv, err := canonicalizeValue(vv)
			if err != nil {
				return nil, err
			}
			out = append(out, cv)
		}
		return out, nil
	case string, float64, bool, nil, json.Number:
		return x, nil
	default:
		// Round-trip through JSON so ints, typed slices and structs hash the
		// same as their decoded form.
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("cannot canonicalize value of type %T", v)
		}
		var y any
		if err := json.Unmarshal(b, &y); err != nil {
			return nil, fmt.Errorf("cannot canonicalize value of type %T", v)
		}
		return canonicalizeValue(y)
	}
}

func ActionHash(a Action) (string, error) {
	payload := map[string]any{
		"type": string(a.Type),
	}
	if strings.TrimSpace(a.ToolName) != "" {
		payload["tool_name"] = a.ToolName
	}
	if a.ToolParams != nil {
		payload["tool_params"] = a.ToolParams
	}

	b, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ToolCallHash is ActionHash for a tool call.
func ToolCallHash(toolName string, params map[string]any) (string, error) {
	return ActionHash(Action{Type: ActionToolCall, ToolName: toolName, ToolParams: params})
}
