package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/quailyquaily/smartops/internal/metrics"
	"github.com/quailyquaily/smartops/ratelimit"
)

// ServerSeparator joins a server name and a tool name, e.g. "aws___describe-instances".
const ServerSeparator = "___"

type Server struct {
	Name   string
	URL    string
	APIKey string
}

type RetryConfig struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	MaxTotalDelay time.Duration
	Jitter        float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      16 * time.Second,
		Multiplier:    2.0,
		MaxTotalDelay: 60 * time.Second,
		Jitter:        0.25,
	}
}

const minRetryDelay = 100 * time.Millisecond

// Delay returns the backoff before retry number attempt (0-based). r in
// [0,1) picks the jitter; 0.5 yields the unjittered value.
func (c RetryConfig) Delay(attempt int, r float64) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	d += d * c.Jitter * (2*r - 1)
	if d < float64(minRetryDelay) {
		d = float64(minRetryDelay)
	}
	return time.Duration(d)
}

type Config struct {
	Servers          []Server
	DefaultServer    string
	Retry            RetryConfig
	RequestTimeout   time.Duration
	MaxResponseBytes int64
	SchemaCacheSize  int
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.HTTP = h
		}
	}
}

func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client calls tools on a fixed set of remote MCP servers over JSON-RPC/HTTP.
type Client struct {
	HTTP *http.Client

	servers       map[string]Server
	defaultServer string
	retry         RetryConfig
	maxBody       int64

	limiter *ratelimit.Limiter
	log     *slog.Logger
	metrics *metrics.Metrics
	ids     requestIDs
	schemas *schemaCache

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("no tool servers configured")
	}
	servers := make(map[string]Server, len(cfg.Servers))
	for _, s := range cfg.Servers {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("tool server with empty name")
		}
		if strings.Contains(name, ServerSeparator) {
			return nil, fmt.Errorf("tool server name %q must not contain %q", name, ServerSeparator)
		}
		if strings.TrimSpace(s.URL) == "" {
			return nil, fmt.Errorf("tool server %q has no url", name)
		}
		if _, dup := servers[name]; dup {
			return nil, fmt.Errorf("duplicate tool server %q", name)
		}
		s.Name = name
		servers[name] = s
	}
	def := strings.TrimSpace(cfg.DefaultServer)
	if def == "" {
		def = cfg.Servers[0].Name
	}
	if _, ok := servers[def]; !ok {
		return nil, fmt.Errorf("default tool server %q is not configured", def)
	}

	retry := cfg.Retry
	d := DefaultRetryConfig()
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = d.BaseDelay
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = d.MaxDelay
	}
	if retry.Multiplier <= 0 {
		retry.Multiplier = d.Multiplier
	}
	if retry.Jitter < 0 || retry.Jitter >= 1 {
		retry.Jitter = d.Jitter
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBody := cfg.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = 8 << 20
	}

	c := &Client{
		HTTP:          &http.Client{Timeout: timeout},
		servers:       servers,
		defaultServer: def,
		retry:         retry,
		maxBody:       maxBody,
		log:           slog.Default(),
		sleep:         sleepContext,
		jitter:        rand.Float64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	cache, err := newSchemaCache(cfg.SchemaCacheSize)
	if err != nil {
		return nil, err
	}
	c.schemas = cache
	return c, nil
}

// SplitToolName separates the server prefix from a tool name. Names without
// a prefix return an empty server.
func SplitToolName(name string) (server, tool string) {
	name = strings.TrimSpace(name)
	if i := strings.Index(name, ServerSeparator); i > 0 {
		return name[:i], name[i+len(ServerSeparator):]
	}
	return "", name
}

func JoinToolName(server, tool string) string {
	return server + ServerSeparator + tool
}

// Servers returns the configured server names, sorted.
func (c *Client) Servers() []string {
	out := make([]string, 0, len(c.servers))
	for name := range c.servers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Call invokes a prefixed tool name on the server the prefix selects.
func (c *Client) Call(ctx context.Context, toolName string, args map[string]any) (any, error) {
	server, tool := SplitToolName(toolName)
	if server == "" {
		server = c.defaultServer
	}
	if _, ok := c.servers[server]; !ok {
		// The prefix might be part of an unprefixed tool name.
		server, tool = c.defaultServer, strings.TrimSpace(toolName)
	}
	return c.CallServer(ctx, server, tool, args)
}

func (c *Client) CallServer(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	srv, ok := c.servers[strings.TrimSpace(server)]
	if !ok {
		return nil, &Error{Kind: KindNotFound, Server: server, Tool: tool, Message: "unknown tool server"}
	}
	tool = strings.TrimSpace(tool)
	if tool == "" {
		return nil, &Error{Kind: KindNotFound, Server: srv.Name, Message: "empty tool name"}
	}
	if args == nil {
		args = map[string]any{}
	}

	raw, err := c.do(ctx, srv, tool, methodToolsCall, map[string]any{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	res, err := decodeToolResult(raw)
	if err != nil {
		return nil, &Error{Kind: KindGeneric, Server: srv.Name, Tool: tool, Message: err.Error(), Err: err}
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, srv Server, tool, method string, params map[string]any) (json.RawMessage, error) {
	var waited time.Duration
	for attempt := 0; ; attempt++ {
		raw, err := c.attempt(ctx, srv, tool, method, params)
		if err == nil {
			c.metrics.ToolCall(srv.Name, "ok")
			if attempt > 0 {
				c.log.Info("tool_call_recovered", "server", srv.Name, "tool", tool, "attempts", attempt+1)
			}
			return raw, nil
		}
		err.Attempts = attempt + 1
		if !err.Retryable || attempt >= c.retry.MaxRetries {
			c.metrics.ToolCall(srv.Name, string(err.Kind))
			return nil, err
		}
		delay := c.retry.Delay(attempt, c.jitter())
		if c.retry.MaxTotalDelay > 0 && waited+delay > c.retry.MaxTotalDelay {
			c.metrics.ToolCall(srv.Name, string(err.Kind))
			return nil, err
		}
		waited += delay
		c.metrics.ToolRetry(srv.Name)
		c.log.Warn("tool_call_retry",
			"server", srv.Name,
			"tool", tool,
			"attempt", attempt+1,
			"delay", delay.String(),
			"error", err.Error(),
		)
		if serr := c.sleep(ctx, delay); serr != nil {
			return nil, &Error{Kind: KindTimeout, Server: srv.Name, Tool: tool, Attempts: attempt + 1, Err: serr}
		}
	}
}

func (c *Client) attempt(ctx context.Context, srv Server, tool, method string, params map[string]any) (json.RawMessage, *Error) {
	mkErr := func(kind Kind, retryable bool, msg string, cause error) *Error {
		return &Error{Kind: kind, Server: srv.Name, Tool: tool, Retryable: retryable, Message: msg, Err: cause}
	}

	var permit *ratelimit.Permit
	if c.limiter != nil {
		p, err := c.limiter.Acquire(ctx, srv.Name)
		if err != nil {
			if errors.Is(err, ratelimit.ErrCircuitOpen) {
				return nil, mkErr(KindCircuitOpen, false, "", err)
			}
			return nil, mkErr(KindTimeout, false, "", err)
		}
		permit = p
	}
	outcome := ratelimit.OutcomeSuccess
	defer func() { permit.Done(outcome) }()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      c.ids.next(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, mkErr(KindGeneric, false, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, bytes.NewReader(body))
	if err != nil {
		return nil, mkErr(KindGeneric, false, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if key := strings.TrimSpace(srv.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		outcome = ratelimit.OutcomeFailure
		if isTimeout(err) {
			return nil, mkErr(KindTimeout, true, "", err)
		}
		if ctx.Err() != nil {
			return nil, mkErr(KindTimeout, false, "", ctx.Err())
		}
		return nil, mkErr(KindConnection, true, "", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		outcome = ratelimit.OutcomeFailure
		return nil, mkErr(KindConnection, true, "read response", err)
	}

	if resp.StatusCode >= 400 {
		e := mkErr(KindGeneric, retryableStatus(resp.StatusCode), snippet(data), nil)
		e.StatusCode = resp.StatusCode
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			e.Kind = KindAuthentication
		case resp.StatusCode == http.StatusNotFound:
			e.Kind = KindNotFound
		case resp.StatusCode == http.StatusTooManyRequests:
			e.Kind = KindRateLimited
			outcome = ratelimit.OutcomeThrottled
		case resp.StatusCode >= 500:
			outcome = ratelimit.OutcomeFailure
		}
		return nil, e
	}

	var rr rpcResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, mkErr(KindGeneric, false, "invalid json-rpc response", err)
	}
	if rr.Error != nil {
		e := mkErr(KindGeneric, false, rr.Error.Message, rr.Error)
		e.RPCCode = rr.Error.Code
		switch rr.Error.Code {
		case CodeRateLimited:
			e.Kind = KindRateLimited
			e.Retryable = true
			outcome = ratelimit.OutcomeThrottled
		case CodeUnauthorized:
			e.Kind = KindAuthentication
		case CodeMethodNotFound:
			e.Kind = KindNotFound
		}
		return nil, e
	}
	return rr.Result, nil
}

// decodeToolResult unwraps an MCP tools/call result into structured data
// where possible: structuredContent first, then a single JSON text part,
// then the concatenated text.
func decodeToolResult(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var env toolCallResult
	if err := json.Unmarshal(raw, &env); err != nil || (env.Content == nil && len(env.StructuredContent) == 0) {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}

	var texts []string
	for _, part := range env.Content {
		if part.Type == "text" || part.Type == "" {
			texts = append(texts, part.Text)
		}
	}
	if env.IsError {
		return nil, errors.New(strings.TrimSpace(strings.Join(texts, "\n")))
	}
	if len(env.StructuredContent) > 0 {
		var v any
		if err := json.Unmarshal(env.StructuredContent, &v); err == nil {
			return v, nil
		}
	}
	if len(texts) == 1 {
		var v any
		if err := json.Unmarshal([]byte(texts[0]), &v); err == nil {
			return v, nil
		}
	}
	return strings.Join(texts, "\n"), nil
}

// Health probes GET <server base>/health.
func (c *Client) Health(ctx context.Context, server string) error {
	srv, ok := c.servers[strings.TrimSpace(server)]
	if !ok {
		return &Error{Kind: KindNotFound, Server: server, Message: "unknown tool server"}
	}
	base, err := url.Parse(srv.URL)
	if err != nil {
		return &Error{Kind: KindGeneric, Server: srv.Name, Message: "invalid server url", Err: err}
	}
	u := base.ResolveReference(&url.URL{Path: "/health"})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &Error{Kind: KindGeneric, Server: srv.Name, Err: err}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if isTimeout(err) {
			return &Error{Kind: KindTimeout, Server: srv.Name, Err: err}
		}
		return &Error{Kind: KindConnection, Server: srv.Name, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: KindGeneric, Server: srv.Name, StatusCode: resp.StatusCode, Message: "unhealthy"}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
