package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quailyquaily/smartops/llm"
	"github.com/quailyquaily/smartops/mcp"
)

func buildLLMTools(schemas []mcp.ToolSchema) ([]llm.Tool, []string) {
	if len(schemas) == 0 {
		return nil, nil
	}
	tools := make([]llm.Tool, 0, len(schemas))
	names := make([]string, 0, len(schemas))
	for _, s := range schemas {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			continue
		}
		tools = append(tools, llm.Tool{
			Name:        name,
			Description: strings.TrimSpace(s.Description),
			Parameters:  s.InputSchema,
		})
		names = append(names, name)
	}
	return tools, names
}

// normalizeToolCalls drops nameless calls and assigns ids to calls the
// provider left without one.
func normalizeToolCalls(calls []llm.ToolCall, iteration int) []llm.ToolCall {
	out := make([]llm.ToolCall, 0, len(calls))
	for i, call := range calls {
		name := strings.TrimSpace(call.Name)
		if name == "" {
			continue
		}
		id := strings.TrimSpace(call.ID)
		if id == "" {
			id = fmt.Sprintf("call_%d_%d", iteration, i)
		}
		args := call.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, llm.ToolCall{ID: id, Name: name, Arguments: args})
	}
	return out
}

func toolResultContent(v any) string {
	switch x := v.(type) {
	case nil:
		return "{}"
	case string:
		return x
	case json.RawMessage:
		return string(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func errorContent(err error) string {
	b, _ := json.Marshal(map[string]any{
		"error": err.Error(),
		"kind":  string(mcp.KindOf(err)),
	})
	return string(b)
}

// commandIDOf finds the remote invocation id in a dispatch result, either at
// the top level or under "Command".
func commandIDOf(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		if s, isStr := v.(string); isStr {
			var decoded map[string]any
			if json.Unmarshal([]byte(s), &decoded) != nil {
				return ""
			}
			m = decoded
		} else {
			return ""
		}
	}
	if id, ok := m["CommandId"].(string); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	if cmd, ok := m["Command"].(map[string]any); ok {
		if id, ok := cmd["CommandId"].(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}
