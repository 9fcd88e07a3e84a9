package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ToolSchema describes one remote tool as exposed to the model.
type ToolSchema struct {
	// Name is server-prefixed, e.g. "aws___describe-instances".
	Name        string          `json:"name"`
	Server      string          `json:"server"`
	Tool        string          `json:"tool"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type schemaCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, []ToolSchema]
}

func newSchemaCache(size int) (*schemaCache, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New[string, []ToolSchema](size)
	if err != nil {
		return nil, err
	}
	return &schemaCache{cache: c}, nil
}

// ListTools returns the tools of every configured server. Results are cached
// per conversation until ForgetConversation is called (or the entry is
// evicted). A server that fails discovery is skipped; the call fails only
// when no server answered.
func (c *Client) ListTools(ctx context.Context, conversationID string) ([]ToolSchema, error) {
	key := strings.TrimSpace(conversationID)
	if key != "" {
		if cached, ok := c.schemas.cache.Get(key); ok {
			return cloneSchemas(cached), nil
		}
	}

	// Serialize discovery so concurrent turns of one conversation do not
	// both hit the servers.
	c.schemas.mu.Lock()
	defer c.schemas.mu.Unlock()
	if key != "" {
		if cached, ok := c.schemas.cache.Get(key); ok {
			return cloneSchemas(cached), nil
		}
	}

	var (
		out     []ToolSchema
		lastErr error
		okCount int
	)
	for _, name := range c.Servers() {
		srv := c.servers[name]
		raw, err := c.do(ctx, srv, "", methodToolsList, nil)
		if err != nil {
			c.log.Warn("tool_discovery_error", "server", name, "error", err.Error())
			lastErr = err
			continue
		}
		var res toolsListResult
		if err := json.Unmarshal(raw, &res); err != nil {
			c.log.Warn("tool_discovery_decode_error", "server", name, "error", err.Error())
			lastErr = fmt.Errorf("decode tools/list from %s: %w", name, err)
			continue
		}
		okCount++
		for _, t := range res.Tools {
			tn := strings.TrimSpace(t.Name)
			if tn == "" {
				continue
			}
			out = append(out, ToolSchema{
				Name:        JoinToolName(name, tn),
				Server:      name,
				Tool:        tn,
				Description: strings.TrimSpace(t.Description),
				InputSchema: t.InputSchema,
			})
		}
	}
	if okCount == 0 && lastErr != nil {
		return nil, lastErr
	}
	if key != "" {
		c.schemas.cache.Add(key, out)
	}
	return cloneSchemas(out), nil
}

// ForgetConversation drops the cached tool schemas of a finished conversation.
func (c *Client) ForgetConversation(conversationID string) {
	c.schemas.cache.Remove(strings.TrimSpace(conversationID))
}

func cloneSchemas(in []ToolSchema) []ToolSchema {
	if in == nil {
		return nil
	}
	out := make([]ToolSchema, len(in))
	copy(out, in)
	return out
}
