package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// PollResult is one status observation of a remote invocation.
type PollResult struct {
	Status    string
	Output    string
	Error     string
	OutputURL string
}

type StatusPoller interface {
	Poll(ctx context.Context, op Operation) (PollResult, error)
}

type PollerFunc func(ctx context.Context, op Operation) (PollResult, error)

func (f PollerFunc) Poll(ctx context.Context, op Operation) (PollResult, error) {
	return f(ctx, op)
}

// Invoker is the subset of the tool client the default poller needs.
type Invoker interface {
	Call(ctx context.Context, toolName string, args map[string]any) (any, error)
}

const DefaultStatusTool = "aws___get-command-invocation"

// InvocationPoller asks the tool server for the status of a command
// invocation on one target.
type InvocationPoller struct {
	Invoker Invoker
	Tool    string
}

func (p *InvocationPoller) Poll(ctx context.Context, op Operation) (PollResult, error) {
	if p == nil || p.Invoker == nil {
		return PollResult{}, fmt.Errorf("status poller has no invoker")
	}
	tool := strings.TrimSpace(p.Tool)
	if tool == "" {
		tool = DefaultStatusTool
	}
	remoteID := op.RemoteID
	if remoteID == "" {
		remoteID = op.ID
	}
	raw, err := p.Invoker.Call(ctx, tool, map[string]any{
		"CommandId":  remoteID,
		"InstanceId": op.TargetID,
	})
	if err != nil {
		return PollResult{}, err
	}
	return ParseInvocationStatus(raw)
}

// ParseInvocationStatus extracts status, output and error text from a
// command-invocation payload. The payload may be the invocation itself or
// wrapped in a "result" or "CommandInvocation" object, or a JSON string.
func ParseInvocationStatus(raw any) (PollResult, error) {
	m, err := asMap(raw)
	if err != nil {
		return PollResult{}, err
	}
	for _, key := range []string{"result", "CommandInvocation"} {
		if inner, ok := m[key]; ok {
			if im, err := asMap(inner); err == nil {
				m = im
			}
		}
	}

	res := PollResult{
		Status: stringField(m, "Status", "status"),
		Output: stringField(m, "StandardOutputContent", "output"),
		Error:  stringField(m, "StandardErrorContent", "error"),
	}
	if res.Status == "" {
		return PollResult{}, fmt.Errorf("invocation status missing from response")
	}
	if res.Error == "" && NormalizeStatus(res.Status) != StatusSuccess {
		res.Error = stringField(m, "StatusDetails")
	}
	if bucket := stringField(m, "OutputS3BucketName"); bucket != "" {
		prefix := strings.Trim(stringField(m, "OutputS3KeyPrefix"), "/")
		res.OutputURL = "s3://" + bucket
		if prefix != "" {
			res.OutputURL += "/" + prefix
		}
	}
	return res, nil
}

func asMap(v any) (map[string]any, error) {
	switch x := v.(type) {
	case map[string]any:
		return x, nil
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(x), &m); err != nil {
			return nil, fmt.Errorf("invocation status is not a JSON object: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unexpected invocation status payload %T", v)
	}
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
