package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quailyquaily/smartops/guard"
	"github.com/quailyquaily/smartops/llm"
	"github.com/quailyquaily/smartops/mcp"
	"github.com/quailyquaily/smartops/session"
	"github.com/quailyquaily/smartops/tracker"
)

// --- log-capturing handler ---

type logRecord struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

type capturingHandler struct {
	mu      sync.Mutex
	records []logRecord
}

func (h *capturingHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }
func (h *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := logRecord{Level: r.Level, Message: r.Message, Attrs: make(map[string]any)}
	r.Attrs(func(a slog.Attr) bool {
		rec.Attrs[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}
func (h *capturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *capturingHandler) WithGroup(name string) slog.Handler       { return h }

func (h *capturingHandler) countByMessage(msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Message == msg {
			n++
		}
	}
	return n
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// --- model and tool fakes ---

type mockClient struct {
	mu      sync.Mutex
	results []llm.Result
	err     error
	calls   []llm.Request
}

func newMockClient(results ...llm.Result) *mockClient {
	return &mockClient{results: results}
}

func (c *mockClient) Chat(_ context.Context, req llm.Request) (llm.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	c.calls = append(c.calls, cp)
	if c.err != nil {
		return llm.Result{}, c.err
	}
	if len(c.results) == 0 {
		return llm.Result{}, errors.New("mock client exhausted")
	}
	res := c.results[0]
	if len(c.results) > 1 {
		c.results = c.results[1:]
	}
	return res, nil
}

func (c *mockClient) allCalls() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.calls...)
}

type fakeTools struct {
	mu       sync.Mutex
	handlers map[string]func(args map[string]any) (any, error)
	invoked  []string
	forgot   []string
}

func newFakeTools() *fakeTools {
	return &fakeTools{handlers: map[string]func(map[string]any) (any, error){}}
}

func (f *fakeTools) on(name string, h func(args map[string]any) (any, error)) *fakeTools {
	f.handlers[name] = h
	return f
}

func (f *fakeTools) Call(_ context.Context, name string, args map[string]any) (any, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, name)
	h := f.handlers[name]
	f.mu.Unlock()
	if h == nil {
		return nil, &mcp.Error{Kind: mcp.KindNotFound, Tool: name, Message: "unknown tool"}
	}
	return h(args)
}

func (f *fakeTools) ListTools(_ context.Context, _ string) ([]mcp.ToolSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mcp.ToolSchema, 0, len(f.handlers))
	for name := range f.handlers {
		out = append(out, mcp.ToolSchema{Name: name, Description: name, InputSchema: []byte(`{"type":"object"}`)})
	}
	return out, nil
}

func (f *fakeTools) ForgetConversation(id string) {
	f.mu.Lock()
	f.forgot = append(f.forgot, id)
	f.mu.Unlock()
}

func (f *fakeTools) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.invoked {
		if s == name {
			n++
		}
	}
	return n
}

func final(text string) llm.Result {
	return llm.Result{Text: text}
}

func toolCalls(calls ...llm.ToolCall) llm.Result {
	return llm.Result{ToolCalls: calls}
}

func call(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

func ids(v ...string) []any {
	out := make([]any, 0, len(v))
	for _, s := range v {
		out = append(out, s)
	}
	return out
}

func toolMessages(req llm.Request) []llm.Message {
	var out []llm.Message
	for _, m := range req.Messages {
		if m.Role == llm.RoleTool {
			out = append(out, m)
		}
	}
	return out
}

const (
	describeTool = "aws___describe-instances"
	stopTool     = "aws___stop-instances"
	sendTool     = "aws___send-command"
)

func runReq(prompt string) RunRequest {
	return RunRequest{ConversationID: "conv-1", RequesterID: "alice", Prompt: prompt}
}

// ============================================================
// Loop basics
// ============================================================

func TestRun_FinalAnswer(t *testing.T) {
	client := newMockClient(final("all good"))
	store := session.NewMemoryStore()
	e, err := New(client, newFakeTools(), WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := e.Run(context.Background(), runReq("how are my instances?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != TurnCompleted || res.Text != "all good" || res.Iteration != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	req := client.allCalls()[0]
	if req.Messages[0].Role != llm.RoleSystem || req.Messages[1].Content != "how are my instances?" {
		t.Fatalf("unexpected request messages: %+v", req.Messages)
	}

	// The conversation continues with its history on the next turn.
	client.results = []llm.Result{final("still good")}
	if _, err := e.Run(context.Background(), runReq("and now?")); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	second := client.allCalls()[1]
	if n := len(second.Messages); n != 4 {
		t.Fatalf("second turn sent %d messages, want system+3", n)
	}
}

func TestRun_ReadToolsExecuteInOrder(t *testing.T) {
	tools := newFakeTools().
		on(describeTool, func(args map[string]any) (any, error) {
			return map[string]any{"instances": args["InstanceIds"]}, nil
		}).
		on("aws___list-instances", func(map[string]any) (any, error) {
			return "i-1, i-2", nil
		})
	client := newMockClient(
		toolCalls(
			call("c1", "aws___list-instances", nil),
			call("c2", describeTool, map[string]any{"InstanceIds": ids("i-1")}),
		),
		final("done"),
	)
	e, _ := New(client, tools)

	res, err := e.Run(context.Background(), runReq("describe i-1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != TurnCompleted || res.Iteration != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	msgs := toolMessages(client.allCalls()[1])
	if len(msgs) != 2 || msgs[0].ToolCallID != "c1" || msgs[1].ToolCallID != "c2" {
		t.Fatalf("tool messages out of order: %+v", msgs)
	}
	if msgs[0].Content != "i-1, i-2" || !strings.Contains(msgs[1].Content, `"i-1"`) {
		t.Fatalf("unexpected tool results: %+v", msgs)
	}
}

func TestRun_ToolErrorIsFedBackToModel(t *testing.T) {
	tools := newFakeTools().on(describeTool, func(map[string]any) (any, error) {
		return nil, &mcp.Error{Kind: mcp.KindTimeout, Server: "aws", Tool: "describe-instances", Message: "deadline exceeded"}
	})
	client := newMockClient(toolCalls(call("c1", describeTool, nil)), final("sorry"))
	e, _ := New(client, tools)

	res, err := e.Run(context.Background(), runReq("describe"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "sorry" {
		t.Fatalf("unexpected result: %+v", res)
	}
	msgs := toolMessages(client.allCalls()[1])
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, `"kind":"timeout"`) {
		t.Fatalf("error result not fed back: %+v", msgs)
	}
}

func storedState(t *testing.T, store session.Store, conversationID string) *ConversationState {
	t.Helper()
	snap, ok, err := store.Get(context.Background(), conversationID)
	if err != nil || !ok {
		t.Fatalf("snapshot of %s missing: ok=%v err=%v", conversationID, ok, err)
	}
	st, err := UnmarshalState(snap.Data)
	if err != nil {
		t.Fatalf("UnmarshalState: %v", err)
	}
	return st
}

func TestRun_AuthErrorEndsTurnKeepsHistory(t *testing.T) {
	tools := newFakeTools().
		on(describeTool, func(map[string]any) (any, error) { return "running", nil }).
		on("aws___list-instances", func(map[string]any) (any, error) {
			return nil, &mcp.Error{Kind: mcp.KindAuthentication, StatusCode: 403, Message: "forbidden"}
		})
	store := session.NewMemoryStore()
	client := newMockClient(toolCalls(
		call("c1", describeTool, nil),
		call("c2", "aws___list-instances", nil),
		call("c3", describeTool, nil),
	), final("unreachable"))
	e, _ := New(client, tools, WithStore(store))

	_, err := e.Run(context.Background(), runReq("describe"))
	if !errors.Is(err, mcp.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if tools.count(describeTool) != 1 {
		t.Fatalf("calls after the authentication failure ran: %d", tools.count(describeTool))
	}

	st := storedState(t, store, "conv-1")
	if st.Suspended() || len(st.TurnCalls) != 0 {
		t.Fatalf("stored state left mid-turn: %+v", st)
	}
	var results []llm.Message
	for _, m := range st.Messages {
		if m.Role == llm.RoleTool {
			results = append(results, m)
		}
	}
	if len(results) != 3 || results[0].Content != "running" || !strings.Contains(results[1].Content, "authentication") {
		t.Fatalf("tool results not kept in history: %+v", results)
	}
	if len(tools.forgot) != 0 {
		t.Fatalf("conversation forgotten after an authentication error: %v", tools.forgot)
	}

	// The conversation is released and continues with its history.
	client.results = []llm.Result{final("ok")}
	if _, err := e.Run(context.Background(), runReq("retry")); err != nil {
		t.Fatalf("Run after failure: %v", err)
	}
	last := client.allCalls()[len(client.allCalls())-1]
	if len(toolMessages(last)) != 3 {
		t.Fatalf("next turn lost the earlier tool results: %+v", last.Messages)
	}
}

func TestRun_ModelErrorIsTyped(t *testing.T) {
	client := newMockClient()
	client.err = &llm.StatusError{StatusCode: 503}
	store := session.NewMemoryStore()
	e, _ := New(client, newFakeTools(), WithModel("gpt-test"), WithStore(store))

	_, err := e.Run(context.Background(), runReq("hi"))
	var mie *ModelInvocationError
	if !errors.As(err, &mie) {
		t.Fatalf("expected ModelInvocationError, got %v", err)
	}
	var se *llm.StatusError
	if !errors.As(err, &se) || se.StatusCode != 503 {
		t.Fatalf("provider error not wrapped: %v", err)
	}
	if st := storedState(t, store, "conv-1"); len(st.Messages) != 1 || st.Messages[0].Content != "hi" {
		t.Fatalf("history not kept after a model error: %+v", st.Messages)
	}
}

func TestRun_ReleasesConversationLocks(t *testing.T) {
	client := newMockClient(final("ok"))
	e, _ := New(client, newFakeTools())
	for _, id := range []string{"a", "b", "c"} {
		req := runReq("hi")
		req.ConversationID = id
		if _, err := e.Run(context.Background(), req); err != nil {
			t.Fatalf("Run %s: %v", id, err)
		}
	}
	if !e.tryLock("a") {
		t.Fatal("lock not free after the turn")
	}
	if e.tryLock("a") {
		t.Fatal("lock acquired twice")
	}
	e.unlock("a")

	e.mu.Lock()
	n := len(e.locks)
	e.mu.Unlock()
	if n != 0 {
		t.Fatalf("%d conversation locks retained", n)
	}
}

func TestRun_MaxIterations(t *testing.T) {
	tools := newFakeTools().on(describeTool, func(map[string]any) (any, error) { return "ok", nil })
	client := newMockClient(toolCalls(call("", describeTool, nil)))
	store := session.NewMemoryStore()
	handler := &capturingHandler{}
	e, _ := New(client, tools, WithStore(store), WithLogger(slog.New(handler)))

	_, err := e.Run(context.Background(), runReq("loop forever"))
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("expected ErrMaxIterations, got %v", err)
	}
	if n := len(client.allCalls()); n != DefaultMaxIterations {
		t.Fatalf("model called %d times, want %d", n, DefaultMaxIterations)
	}
	if _, ok, _ := store.Get(context.Background(), "conv-1"); ok {
		t.Fatal("state kept after exceeding the iteration bound")
	}
	if handler.countByMessage("max_iterations_exceeded") != 1 {
		t.Fatal("expected one max_iterations_exceeded log entry")
	}
}

func TestRun_Validation(t *testing.T) {
	e, _ := New(newMockClient(final("x")), newFakeTools())
	for _, req := range []RunRequest{
		{RequesterID: "alice", Prompt: "hi"},
		{ConversationID: "c", Prompt: "hi"},
		{ConversationID: "c", RequesterID: "alice", Prompt: "  "},
	} {
		if _, err := e.Run(context.Background(), req); err == nil {
			t.Fatalf("expected error for %+v", req)
		}
	}
	if _, err := New(nil, newFakeTools()); err == nil {
		t.Fatal("expected error for nil model")
	}
}

func TestRun_FinalCard(t *testing.T) {
	text := "Here you go:\n{\"adaptive_card\": true, \"title\": \"CPU\", \"rows\": [1, 2]}"
	e, _ := New(newMockClient(final(text)), newFakeTools())
	res, err := e.Run(context.Background(), runReq("cpu?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Card == nil || res.Card["title"] != "CPU" {
		t.Fatalf("card not extracted: %+v", res.Card)
	}

	e2, _ := New(newMockClient(final(`{"title": "not a card"}`)), newFakeTools())
	res, _ = e2.Run(context.Background(), runReq("cpu?"))
	if res.Card != nil {
		t.Fatalf("unexpected card: %+v", res.Card)
	}
}

// ============================================================
// Multi-target coverage
// ============================================================

func TestRun_IncompleteCoverageIsCorrected(t *testing.T) {
	targets := map[string]string{"i-1": "linux", "i-2": "linux", "i-3": "linux", "i-4": "windows", "i-5": "windows"}
	tools := newFakeTools().on(sendTool, func(map[string]any) (any, error) {
		return map[string]any{"CommandId": "cmd-1"}, nil
	})
	approvals := guard.NewApprovalManager()
	handler := &capturingHandler{}
	client := newMockClient(
		toolCalls(call("c1", sendTool, map[string]any{"InstanceIds": ids("i-1", "i-2", "i-3", "i-4")})),
		toolCalls(
			call("c2", sendTool, map[string]any{"InstanceIds": ids("i-1", "i-2", "i-3"), "DocumentName": "AWS-RunShellScript"}),
			call("c3", sendTool, map[string]any{"InstanceIds": ids("i-4", "i-5"), "DocumentName": "AWS-RunPowerShellScript"}),
		),
	)
	e, _ := New(client, tools, WithApprovals(approvals), WithLogger(slog.New(handler)))

	req := runReq("check disk usage on all instances")
	req.Targets = targets
	res, err := e.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tools.count(sendTool) != 0 {
		t.Fatal("a tool ran before approval")
	}
	if handler.countByMessage("workflow_validation_failed") != 1 {
		t.Fatal("expected one workflow_validation_failed log entry")
	}

	calls := client.allCalls()
	if len(calls) != 2 {
		t.Fatalf("model called %d times, want 2", len(calls))
	}
	last := calls[1].Messages[len(calls[1].Messages)-1]
	if last.Role != llm.RoleUser || !strings.Contains(last.Content, "i-5") || !strings.Contains(last.Content, "AWS-RunPowerShellScript") {
		t.Fatalf("correction message missing: %+v", last)
	}
	for _, m := range calls[1].Messages {
		for _, tc := range m.ToolCalls {
			if tc.ID == "c1" {
				t.Fatal("rejected tool calls were kept in history")
			}
		}
	}

	if res.Status != TurnAwaitingApproval || len(res.Approvals) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := len(res.Approvals[0].TargetIDs) + len(res.Approvals[1].TargetIDs); got != 5 {
		t.Fatalf("approvals cover %d targets, want 5", got)
	}
}

func TestRun_CoverageSkipsFollowUpReads(t *testing.T) {
	getTool := "aws___get-command-invocation"
	tools := newFakeTools().
		on(sendTool, func(map[string]any) (any, error) { return map[string]any{"CommandId": "cmd-1"}, nil }).
		on(getTool, func(map[string]any) (any, error) { return map[string]any{"Status": "Success"}, nil })
	handler := &capturingHandler{}
	client := newMockClient(
		toolCalls(call("c1", sendTool, map[string]any{"InstanceIds": ids("i-1", "i-2")})),
		toolCalls(call("c2", getTool, map[string]any{"CommandId": "cmd-1", "InstanceId": "i-1"})),
		final("nginx restarted everywhere"),
	)
	e, _ := New(client, tools,
		WithLogger(slog.New(handler)),
		WithClassifier(ClassifierFunc(func(name string, _ map[string]any) Route {
			return Route{LongRunning: name == sendTool}
		})),
	)

	req := runReq("restart nginx on all instances")
	req.Targets = map[string]string{"i-1": "linux", "i-2": "linux"}
	res, err := e.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "nginx restarted everywhere" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if tools.count(sendTool) != 1 || tools.count(getTool) != 1 {
		t.Fatalf("send=%d get=%d, want 1/1", tools.count(sendTool), tools.count(getTool))
	}
	if n := handler.countByMessage("workflow_validation_failed"); n != 0 {
		t.Fatalf("single-target read rejected %d times", n)
	}
}

// ============================================================
// Approvals
// ============================================================

func newApprovalEngine(t *testing.T, client llm.Client, tools ToolSource, opts ...Option) (*Engine, *guard.ApprovalManager, session.Store) {
	t.Helper()
	approvals := guard.NewApprovalManager()
	store := session.NewMemoryStore()
	opts = append([]Option{WithApprovals(approvals), WithStore(store)}, opts...)
	e, err := New(client, tools, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, approvals, store
}

func TestApproval_ConfirmRunsCallAndResumes(t *testing.T) {
	tools := newFakeTools().on(stopTool, func(args map[string]any) (any, error) {
		return map[string]any{"StoppingInstances": args["InstanceIds"]}, nil
	})
	client := newMockClient(
		toolCalls(call("c1", stopTool, map[string]any{"InstanceIds": ids("i-1")})),
		final("i-1 is stopping"),
	)
	e, approvals, _ := newApprovalEngine(t, client, tools)
	ctx := context.Background()

	res, err := e.Run(ctx, runReq("stop i-1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != TurnAwaitingApproval || len(res.Approvals) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	ap := res.Approvals[0]
	if ap.ToolName != stopTool || ap.Description != "Run aws___stop-instances on i-1" || ap.ExpiresAt.IsZero() {
		t.Fatalf("unexpected approval summary: %+v", ap)
	}
	if tools.count(stopTool) != 0 {
		t.Fatal("write tool ran before confirmation")
	}
	if _, err := e.Run(ctx, runReq("something else")); !errors.Is(err, ErrConversationBusy) {
		t.Fatalf("expected ErrConversationBusy while suspended, got %v", err)
	}
	if _, err := e.Confirm(ctx, ap.ApprovalID, "mallory"); !errors.Is(err, guard.ErrApprovalPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if len(approvals.ListPending("alice")) != 1 {
		t.Fatal("non-owner confirmation changed the request")
	}

	out, err := e.Confirm(ctx, ap.ApprovalID, "alice")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if out.Status != TurnCompleted || out.Text != "i-1 is stopping" || out.Iteration != 2 {
		t.Fatalf("unexpected resumed result: %+v", out)
	}
	if tools.count(stopTool) != 1 {
		t.Fatalf("write tool ran %d times", tools.count(stopTool))
	}
	msgs := toolMessages(client.allCalls()[1])
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "StoppingInstances") {
		t.Fatalf("tool result not injected: %+v", msgs)
	}
	if _, err := e.Confirm(ctx, ap.ApprovalID, "alice"); !errors.Is(err, guard.ErrApprovalNotFound) {
		t.Fatalf("second confirm: expected not found, got %v", err)
	}
}

func TestApproval_ModelErrorAfterConfirmKeepsHistory(t *testing.T) {
	tools := newFakeTools().on(stopTool, func(args map[string]any) (any, error) {
		return map[string]any{"StoppingInstances": args["InstanceIds"]}, nil
	})
	client := newMockClient(toolCalls(call("c1", stopTool, map[string]any{"InstanceIds": ids("i-1")})))
	e, _, store := newApprovalEngine(t, client, tools)
	ctx := context.Background()

	res, err := e.Run(ctx, runReq("stop i-1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	client.err = &llm.StatusError{StatusCode: 503}
	_, err = e.Confirm(ctx, res.Approvals[0].ApprovalID, "alice")
	var mie *ModelInvocationError
	if !errors.As(err, &mie) {
		t.Fatalf("expected ModelInvocationError from Confirm, got %v", err)
	}
	if tools.count(stopTool) != 1 {
		t.Fatalf("write tool ran %d times", tools.count(stopTool))
	}

	st := storedState(t, store, "conv-1")
	if st.Suspended() {
		t.Fatal("stored state still suspended")
	}
	last := st.Messages[len(st.Messages)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "c1" || !strings.Contains(last.Content, "StoppingInstances") {
		t.Fatalf("executed write missing from history: %+v", last)
	}

	client.err = nil
	client.results = []llm.Result{final("i-1 was stopped earlier")}
	if _, err := e.Run(ctx, runReq("what happened?")); err != nil {
		t.Fatalf("Run after model recovery: %v", err)
	}
	calls := client.allCalls()
	if msgs := toolMessages(calls[len(calls)-1]); len(msgs) != 1 || msgs[0].ToolCallID != "c1" {
		t.Fatalf("next turn lost the confirmed result: %+v", msgs)
	}
}

func TestResume_LogsFailedApprovalCancel(t *testing.T) {
	tools := newFakeTools().on(stopTool, func(map[string]any) (any, error) { return "stopped", nil })
	client := newMockClient(
		toolCalls(call("c1", stopTool, map[string]any{"InstanceIds": ids("i-1")})),
		final("done"),
	)
	handler := &capturingHandler{}
	e, approvals, store := newApprovalEngine(t, client, tools, WithLogger(slog.New(handler)))
	ctx := context.Background()

	res, _ := e.Run(ctx, runReq("stop i-1"))
	snap, _, _ := store.Get(ctx, "conv-1")
	if err := approvals.Cancel(ctx, res.Approvals[0].ApprovalID, "alice"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	out, err := e.Resume(ctx, snap.Data, ToolOutcome{ToolCallID: "c1", Content: "handled elsewhere"})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if out.Status != TurnCompleted {
		t.Fatalf("unexpected result: %+v", out)
	}
	if handler.countByMessage("approval_cancel_error") != 1 {
		t.Fatal("expected one approval_cancel_error log entry")
	}
}

func TestApproval_CancelIsDenial(t *testing.T) {
	tools := newFakeTools().on(stopTool, func(map[string]any) (any, error) { return "stopped", nil })
	client := newMockClient(
		toolCalls(call("c1", stopTool, map[string]any{"InstanceIds": ids("i-1")})),
		final("ok, not stopping"),
	)
	e, _, _ := newApprovalEngine(t, client, tools)
	ctx := context.Background()

	res, _ := e.Run(ctx, runReq("stop i-1"))
	out, err := e.Cancel(ctx, res.Approvals[0].ApprovalID, "alice")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out.Status != TurnCompleted || tools.count(stopTool) != 0 {
		t.Fatalf("unexpected cancel outcome: %+v, runs=%d", out, tools.count(stopTool))
	}
	msgs := toolMessages(client.allCalls()[1])
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "cancelled") {
		t.Fatalf("denial not injected: %+v", msgs)
	}
}

func TestApproval_MixedTurnWaitsForAllCalls(t *testing.T) {
	tools := newFakeTools().
		on(describeTool, func(map[string]any) (any, error) { return "running", nil }).
		on(stopTool, func(map[string]any) (any, error) { return "stopping", nil })
	client := newMockClient(
		toolCalls(
			call("c1", stopTool, map[string]any{"InstanceIds": ids("i-1")}),
			call("c2", describeTool, map[string]any{"InstanceIds": ids("i-1")}),
		),
		final("done"),
	)
	e, _, _ := newApprovalEngine(t, client, tools)
	ctx := context.Background()

	res, _ := e.Run(ctx, runReq("stop i-1 and show it"))
	if tools.count(describeTool) != 1 {
		t.Fatal("read call should run without waiting for approval")
	}
	if len(client.allCalls()) != 1 {
		t.Fatal("model re-invoked before every call was resolved")
	}
	if _, err := e.Confirm(ctx, res.Approvals[0].ApprovalID, "alice"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	msgs := toolMessages(client.allCalls()[1])
	if len(msgs) != 2 || msgs[0].ToolCallID != "c1" || msgs[1].ToolCallID != "c2" {
		t.Fatalf("results not in call order: %+v", msgs)
	}
}

func TestApproval_ExpiryResumesWithDenial(t *testing.T) {
	tools := newFakeTools().on(stopTool, func(map[string]any) (any, error) { return "stopped", nil })
	client := newMockClient(
		toolCalls(call("c1", stopTool, map[string]any{"InstanceIds": ids("i-1")})),
		final("the request expired"),
	)
	delivered := make(chan TurnResult, 1)
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	var e *Engine
	approvals := guard.NewApprovalManager(
		guard.WithClock(clock.Now),
		guard.WithTTL(time.Minute),
		guard.OnExpired(func(req guard.ApprovalRequest) { e.HandleApprovalExpired(req) }),
	)
	e, _ = New(client, tools,
		WithApprovals(approvals),
		WithNotifier(NotifierFunc(func(_ context.Context, _ string, res TurnResult) { delivered <- res })),
	)
	defer e.Close()

	res, _ := e.Run(context.Background(), runReq("stop i-1"))
	clock.Advance(2 * time.Minute)
	if _, ok := approvals.Get(res.Approvals[0].ApprovalID); ok {
		t.Fatal("expired approval still returned")
	}

	select {
	case out := <-delivered:
		if out.Status != TurnCompleted || out.Text != "the request expired" {
			t.Fatalf("unexpected delivered turn: %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expired approval did not resume the conversation")
	}
	if tools.count(stopTool) != 0 {
		t.Fatal("expired approval ran the tool")
	}
	msgs := toolMessages(client.allCalls()[1])
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "expired") {
		t.Fatalf("denial not injected: %+v", msgs)
	}
}

func TestApproval_WithoutManagerIsError(t *testing.T) {
	tools := newFakeTools().on(stopTool, func(map[string]any) (any, error) { return "stopped", nil })
	client := newMockClient(toolCalls(call("c1", stopTool, nil)), final("cannot"))
	e, _ := New(client, tools)
	res, err := e.Run(context.Background(), runReq("stop"))
	if err != nil || res.Status != TurnCompleted {
		t.Fatalf("unexpected: %+v %v", res, err)
	}
	if tools.count(stopTool) != 0 {
		t.Fatal("write tool ran without an approval manager")
	}
}

// ============================================================
// Snapshots and Resume
// ============================================================

func TestSnapshotRoundTripAndResume(t *testing.T) {
	tools := newFakeTools().
		on(describeTool, func(map[string]any) (any, error) { return "running", nil }).
		on(stopTool, func(map[string]any) (any, error) { return "stopped", nil })
	client := newMockClient(
		toolCalls(call("c0", describeTool, nil)),
		toolCalls(call("c1", stopTool, map[string]any{"InstanceIds": ids("i-1")})),
		final("resumed"),
	)
	e, approvals, store := newApprovalEngine(t, client, tools)
	ctx := context.Background()

	if _, err := e.Run(ctx, runReq("stop i-1 if running")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap, ok, err := store.Get(ctx, "conv-1")
	if err != nil || !ok {
		t.Fatalf("snapshot missing: %v", err)
	}
	st, err := UnmarshalState(snap.Data)
	if err != nil {
		t.Fatalf("UnmarshalState: %v", err)
	}
	if st.Iteration != 2 || !st.Suspended() {
		t.Fatalf("unexpected state: iteration=%d suspended=%v", st.Iteration, st.Suspended())
	}
	if got := st.PendingCallIDs(); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("pending calls = %v", got)
	}

	again, err := MarshalState(st)
	if err != nil {
		t.Fatalf("MarshalState: %v", err)
	}
	st2, err := UnmarshalState(again)
	if err != nil {
		t.Fatalf("UnmarshalState: %v", err)
	}
	if st2.Iteration != st.Iteration || fmt.Sprint(st2.PendingCallIDs()) != fmt.Sprint(st.PendingCallIDs()) || len(st2.Messages) != len(st.Messages) {
		t.Fatalf("round trip changed state: %+v vs %+v", st2, st)
	}

	out, err := e.Resume(ctx, again, ToolOutcome{ToolCallID: "c1", Content: `{"stopped":true}`})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if out.Status != TurnCompleted || out.Iteration != st.Iteration+1 {
		t.Fatalf("unexpected resumed result: %+v", out)
	}
	if len(approvals.ListPending("")) != 0 {
		t.Fatal("superseded approval left pending")
	}
	if _, err := e.Resume(ctx, again, ToolOutcome{ToolCallID: "nope"}); !errors.Is(err, ErrNoPendingCall) {
		t.Fatalf("expected ErrNoPendingCall, got %v", err)
	}
}

func TestUnmarshalStateRejectsUnknownVersion(t *testing.T) {
	if _, err := UnmarshalState([]byte(`{"v":7,"conversation_id":"c"}`)); err == nil {
		t.Fatal("expected version error")
	}
	if _, err := UnmarshalState([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

// ============================================================
// Long-running operations
// ============================================================

func TestLongRunning_WorkflowCompletionResumes(t *testing.T) {
	tools := newFakeTools().on(sendTool, func(map[string]any) (any, error) {
		return map[string]any{"Command": map[string]any{"CommandId": "cmd-1", "Status": "Pending"}}, nil
	})
	poller := tracker.PollerFunc(func(_ context.Context, op tracker.Operation) (tracker.PollResult, error) {
		if op.TargetID == "i-2" {
			return tracker.PollResult{Status: "Failed", Error: "exit 1"}, nil
		}
		return tracker.PollResult{Status: "Success", Output: "ok"}, nil
	})
	tr, err := tracker.New(tracker.Config{Tick: 5 * time.Millisecond, InitialDelay: 10 * time.Millisecond}, poller)
	if err != nil {
		t.Fatalf("tracker.New: %v", err)
	}
	client := newMockClient(
		toolCalls(call("c1", sendTool, map[string]any{"InstanceIds": ids("i-1", "i-2", "i-3")})),
		final("2 of 3 succeeded"),
	)
	delivered := make(chan TurnResult, 1)
	e, _, _ := newApprovalEngine(t, client, tools,
		WithTracker(tr),
		WithNotifier(NotifierFunc(func(_ context.Context, _ string, res TurnResult) { delivered <- res })),
	)
	tr.SetHandler(e)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := e.Run(ctx, runReq("restart nginx on i-1, i-2 and i-3"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out, err := e.Confirm(ctx, res.Approvals[0].ApprovalID, "alice")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if out.Status != TurnAwaitingOperations || len(out.Operations) != 3 || len(out.Workflows) != 1 {
		t.Fatalf("unexpected confirm result: %+v", out)
	}
	if out.Operations[0] != "cmd-1:i-1" {
		t.Fatalf("operation ids = %v", out.Operations)
	}

	tr.Start(ctx)
	defer tr.Close()
	defer e.Close()

	select {
	case got := <-delivered:
		if got.Status != TurnCompleted || got.Text != "2 of 3 succeeded" {
			t.Fatalf("unexpected delivered turn: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("workflow completion did not resume the conversation")
	}
	msgs := toolMessages(client.allCalls()[1])
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, `"succeeded":2`) || !strings.Contains(msgs[0].Content, `"failed":1`) {
		t.Fatalf("workflow result not injected: %+v", msgs)
	}
	if tools.count(sendTool) != 1 {
		t.Fatalf("dispatch ran %d times", tools.count(sendTool))
	}
}

func TestLongRunning_SingleTargetResumesOnOperation(t *testing.T) {
	tools := newFakeTools().on(sendTool, func(map[string]any) (any, error) {
		return map[string]any{"CommandId": "cmd-9"}, nil
	})
	poller := tracker.PollerFunc(func(context.Context, tracker.Operation) (tracker.PollResult, error) {
		return tracker.PollResult{Status: "Success", Output: "uptime 3 days"}, nil
	})
	tr, _ := tracker.New(tracker.Config{Tick: 5 * time.Millisecond, InitialDelay: 10 * time.Millisecond}, poller)
	client := newMockClient(
		toolCalls(call("c1", sendTool, map[string]any{"InstanceIds": ids("i-1")})),
		final("uptime is 3 days"),
	)
	delivered := make(chan TurnResult, 1)
	e, _ := New(client, tools,
		WithTracker(tr),
		WithClassifier(ClassifierFunc(func(string, map[string]any) Route { return Route{LongRunning: true} })),
		WithNotifier(NotifierFunc(func(_ context.Context, _ string, res TurnResult) { delivered <- res })),
	)
	tr.SetHandler(e)

	res, err := e.Run(context.Background(), runReq("uptime on i-1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != TurnAwaitingOperations || len(res.Operations) != 1 || res.Operations[0] != "cmd-9" {
		t.Fatalf("unexpected result: %+v", res)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Close()
	defer e.Close()

	select {
	case got := <-delivered:
		if got.Text != "uptime is 3 days" {
			t.Fatalf("unexpected delivered turn: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("operation completion did not resume the conversation")
	}
	msgs := toolMessages(client.allCalls()[1])
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "uptime 3 days") {
		t.Fatalf("operation result not injected: %+v", msgs)
	}
}

func TestLongRunning_PartialTrackingIsRolledBack(t *testing.T) {
	tools := newFakeTools().on(sendTool, func(map[string]any) (any, error) {
		return map[string]any{"CommandId": "cmd-1"}, nil
	})
	poller := tracker.PollerFunc(func(context.Context, tracker.Operation) (tracker.PollResult, error) {
		return tracker.PollResult{Status: "InProgress"}, nil
	})
	tr, _ := tracker.New(tracker.Config{}, poller)
	ctx := context.Background()
	if _, err := tr.Track(ctx, tracker.TrackRequest{OperationID: "cmd-1:i-2", TargetID: "i-2"}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	client := newMockClient(
		toolCalls(call("c1", sendTool, map[string]any{"InstanceIds": ids("i-1", "i-2")})),
		final("dispatched"),
	)
	e, _ := New(client, tools,
		WithTracker(tr),
		WithClassifier(ClassifierFunc(func(string, map[string]any) Route { return Route{LongRunning: true} })),
	)

	res, err := e.Run(ctx, runReq("uptime on i-1 and i-2"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != TurnCompleted {
		t.Fatalf("untracked dispatch should finish the turn, got %+v", res)
	}
	if _, ok := tr.Status("cmd-1:i-1"); ok {
		t.Fatal("operation of the failed dispatch is still tracked")
	}
	if active := tr.Active(); len(active) != 1 || active[0].ID != "cmd-1:i-2" {
		t.Fatalf("unexpected active operations: %+v", active)
	}
	e.mu.Lock()
	n := len(e.tracked)
	e.mu.Unlock()
	if n != 0 {
		t.Fatalf("%d tracked refs left behind", n)
	}
}
