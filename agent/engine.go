package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quailyquaily/smartops/guard"
	"github.com/quailyquaily/smartops/internal/jsonutil"
	"github.com/quailyquaily/smartops/llm"
	"github.com/quailyquaily/smartops/mcp"
	"github.com/quailyquaily/smartops/session"
	"github.com/quailyquaily/smartops/tracker"
)

const DefaultMaxIterations = 10

const maxToolResultBytes = 128 << 10

const defaultSystemPrompt = "You are an operations assistant for cloud instances. " +
	"Use the available tools to inspect and operate instances. " +
	"Always use real instance ids returned by the tools, never instance names. " +
	"State-changing operations are confirmed by the user before they run; " +
	"when a request covers all instances, target every known instance."

// ToolSource executes tools and lists their schemas per conversation.
type ToolSource interface {
	Call(ctx context.Context, toolName string, args map[string]any) (any, error)
	ListTools(ctx context.Context, conversationID string) ([]mcp.ToolSchema, error)
}

type Option func(*Engine)

func WithModel(name string) Option {
	return func(e *Engine) { e.modelName = strings.TrimSpace(name) }
}

func WithClassifier(c Classifier) Option {
	return func(e *Engine) {
		if c != nil {
			e.classifier = c
		}
	}
}

func WithTracker(t *tracker.Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

func WithStore(s session.Store) Option {
	return func(e *Engine) {
		if s != nil {
			e.store = s
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

func WithMaxIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

func WithSystemPrompt(p string) Option {
	return func(e *Engine) { e.systemPrompt = strings.TrimSpace(p) }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine drives tool-use conversations between a requester and the model.
type Engine struct {
	model      llm.Client
	modelName  string
	tools      ToolSource
	approvals  *guard.ApprovalManager
	tracker    *tracker.Tracker
	store      session.Store
	classifier Classifier
	notifier   Notifier

	log           *slog.Logger
	maxIterations int
	systemPrompt  string
	now           func() time.Time

	mu      sync.Mutex
	locks   map[string]*convLock
	tracked map[string]trackedRef

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// convLock serializes the turns of one conversation. refs counts holders
// and waiters; the entry is dropped when it reaches zero.
type convLock struct {
	ch   chan struct{}
	refs int
}

// trackedRef links a tracked operation or workflow back to its call.
type trackedRef struct {
	ConversationID string
	ToolCallID     string
}

func New(model llm.Client, tools ToolSource, opts ...Option) (*Engine, error) {
	if model == nil {
		return nil, fmt.Errorf("engine requires a model client")
	}
	if tools == nil {
		return nil, fmt.Errorf("engine requires a tool source")
	}
	e := &Engine{
		model:         model,
		tools:         tools,
		store:         session.NewMemoryStore(),
		classifier:    DefaultRuleClassifier(),
		log:           slog.Default(),
		maxIterations: DefaultMaxIterations,
		systemPrompt:  defaultSystemPrompt,
		now:           time.Now,
		locks:         make(map[string]*convLock),
		tracked:       make(map[string]trackedRef),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())
	return e, nil
}

// Close cancels background resumes and waits for them to return.
func (e *Engine) Close() {
	e.bgCancel()
	e.bg.Wait()
}

// Run starts a new turn. It fails with ErrConversationBusy while another
// turn of the same conversation is running or suspended.
func (e *Engine) Run(ctx context.Context, req RunRequest) (TurnResult, error) {
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	if req.ConversationID == "" {
		return TurnResult{}, fmt.Errorf("missing conversation id")
	}
	if req.RequesterID == "" {
		return TurnResult{}, fmt.Errorf("missing requester id")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return TurnResult{}, fmt.Errorf("empty prompt")
	}
	if !e.tryLock(req.ConversationID) {
		return TurnResult{}, fmt.Errorf("%w: %s has a turn in progress", ErrConversationBusy, req.ConversationID)
	}
	defer e.unlock(req.ConversationID)

	st, ok, err := e.load(ctx, req.ConversationID)
	if err != nil {
		return TurnResult{}, err
	}
	if ok && st.Suspended() {
		return TurnResult{}, fmt.Errorf("%w: %s is waiting on %d tool call(s)", ErrConversationBusy, req.ConversationID, len(st.PendingCallIDs()))
	}
	if !ok {
		st = newConversationState(req, e.modelName)
	}
	st.RequesterID = req.RequesterID
	st.Prompt = req.Prompt
	if req.Targets != nil {
		st.Targets = make(map[string]string, len(req.Targets))
		for id, platform := range req.Targets {
			st.Targets[id] = platform
		}
	}
	st.Iteration = 0
	st.resetTurn()
	st.Messages = append(st.Messages, llm.UserMessage(req.Prompt))

	e.log.Info("turn_started",
		"conversation_id", st.ConversationID,
		"requester", st.RequesterID,
		"targets", len(st.Targets),
		"history", len(st.Messages),
	)
	return e.runLoop(ctx, st)
}

// runLoop alternates model calls and tool resolution until the model gives a
// final answer or a call suspends the turn. The caller holds the
// conversation lock.
func (e *Engine) runLoop(ctx context.Context, st *ConversationState) (TurnResult, error) {
	log := e.log.With("conversation_id", st.ConversationID)
	for {
		if st.Iteration >= e.maxIterations {
			log.Warn("max_iterations_exceeded", "iterations", st.Iteration)
			e.discard(ctx, st)
			return TurnResult{}, fmt.Errorf("%w (%d)", ErrMaxIterations, e.maxIterations)
		}
		st.Iteration++

		tools, names, err := e.toolsFor(ctx, st.ConversationID)
		if err != nil {
			log.Warn("tool_discovery_error", "error", err.Error())
		}
		st.ToolNames = names

		start := e.now()
		res, err := e.model.Chat(ctx, llm.Request{
			Model:    st.Model,
			Messages: e.requestMessages(st),
			Tools:    tools,
		})
		if err != nil {
			log.Error("model_invocation_error", "iteration", st.Iteration, "error", err.Error())
			e.keep(ctx, st, err)
			return TurnResult{}, &ModelInvocationError{Model: st.Model, Err: err}
		}
		calls := normalizeToolCalls(res.ToolCalls, st.Iteration)
		log.Debug("model_response",
			"iteration", st.Iteration,
			"tool_calls", len(calls),
			"duration", e.now().Sub(start).String(),
		)

		if len(calls) == 0 {
			text := strings.TrimSpace(res.Text)
			st.Messages = append(st.Messages, llm.Message{Role: llm.RoleAssistant, Content: text})
			st.resetTurn()
			if err := e.save(ctx, st); err != nil {
				return TurnResult{}, err
			}
			log.Info("turn_completed", "iteration", st.Iteration)
			return TurnResult{
				ConversationID: st.ConversationID,
				Status:         TurnCompleted,
				Text:           text,
				Card:           extractCard(text),
				Iteration:      st.Iteration,
			}, nil
		}

		if verr := validateCoverage(st.Prompt, st.Targets, calls, e.dispatches); verr != nil {
			log.Warn("workflow_validation_failed",
				"iteration", st.Iteration,
				"expected", len(verr.Expected),
				"covered", len(verr.Covered),
				"error", verr.Error(),
			)
			st.Messages = append(st.Messages, llm.UserMessage(correctionText(verr, st.Targets)))
			continue
		}

		st.Messages = append(st.Messages, llm.Message{Role: llm.RoleAssistant, Content: res.Text, ToolCalls: calls})
		st.TurnCalls = calls
		for _, c := range calls {
			st.Inputs[c.ID] = c.Arguments
		}
		if err := e.resolveCalls(ctx, st); err != nil {
			log.Error("turn_aborted", "iteration", st.Iteration, "error", err.Error())
			e.keep(ctx, st, err)
			return TurnResult{}, err
		}
		if st.Suspended() {
			if err := e.save(ctx, st); err != nil {
				return TurnResult{}, err
			}
			res := e.suspendedResult(st)
			log.Info("turn_suspended",
				"status", string(res.Status),
				"approvals", len(res.Approvals),
				"operations", len(res.Operations),
			)
			return res, nil
		}
		st.flushResults()
	}
}

// resolveCalls routes every unresolved call of the turn. Only an
// authentication failure is returned; other tool errors become error
// results for the model.
func (e *Engine) resolveCalls(ctx context.Context, st *ConversationState) error {
	for _, c := range st.TurnCalls {
		if _, done := st.Results[c.ID]; done {
			continue
		}
		if _, waiting := st.PendingApprovals[c.ID]; waiting {
			continue
		}
		if _, waiting := st.AwaitingOps[c.ID]; waiting {
			continue
		}
		route := e.classifier.Classify(c.Name, c.Arguments)
		if route.RequiresApproval {
			id, err := e.requestApproval(ctx, st, c)
			if err != nil {
				e.log.Warn("approval_request_error", "conversation_id", st.ConversationID, "tool", c.Name, "error", err.Error())
				st.Results[c.ID] = toolResult{Content: errorContent(err), IsError: true}
				continue
			}
			st.PendingApprovals[c.ID] = id
			continue
		}
		if err := e.execute(ctx, st, c, route); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, st *ConversationState, c llm.ToolCall, route Route) error {
	start := e.now()
	out, err := e.tools.Call(ctx, c.Name, c.Arguments)
	if err != nil {
		if errors.Is(err, mcp.ErrAuthentication) {
			return err
		}
		e.log.Warn("tool_call_error",
			"conversation_id", st.ConversationID,
			"tool", c.Name,
			"kind", string(mcp.KindOf(err)),
			"error", err.Error(),
		)
		st.Results[c.ID] = toolResult{Content: errorContent(err), IsError: true}
		return nil
	}
	e.log.Info("tool_call_done",
		"conversation_id", st.ConversationID,
		"tool", c.Name,
		"duration", e.now().Sub(start).String(),
	)
	if route.LongRunning && e.tracker != nil {
		if tc, ok := e.track(ctx, st, c, out); ok {
			st.AwaitingOps[c.ID] = tc
			st.HandledByTracker = true
			return nil
		}
	}
	st.Results[c.ID] = toolResult{Content: truncate(toolResultContent(out), maxToolResultBytes)}
	return nil
}

// track registers a dispatched long-running call with the tracker: one
// operation per target, grouped in a workflow when there are several.
func (e *Engine) track(ctx context.Context, st *ConversationState, c llm.ToolCall, out any) (trackedCall, bool) {
	cmdID := commandIDOf(out)
	targets := TargetsOf(c.Arguments)
	if cmdID == "" || len(targets) == 0 {
		e.log.Warn("long_running_untracked", "conversation_id", st.ConversationID, "tool", c.Name, "command_id", cmdID, "targets", len(targets))
		return trackedCall{}, false
	}

	var tc trackedCall
	if len(targets) > 1 {
		wf, err := e.tracker.CreateWorkflow(len(targets), c.Name)
		if err != nil {
			e.log.Warn("workflow_create_error", "conversation_id", st.ConversationID, "error", err.Error())
			return trackedCall{}, false
		}
		tc.WorkflowID = wf
		e.registerTracked(wf, trackedRef{ConversationID: st.ConversationID, ToolCallID: c.ID})
	}
	for _, target := range targets {
		opID := cmdID
		if len(targets) > 1 {
			opID = cmdID + ":" + target
		}
		if _, err := e.tracker.Track(ctx, tracker.TrackRequest{
			OperationID: opID,
			RemoteID:    cmdID,
			TargetID:    target,
			Params:      c.Arguments,
			WorkflowID:  tc.WorkflowID,
		}); err != nil {
			e.log.Warn("operation_track_error",
				"conversation_id", st.ConversationID,
				"operation_id", opID,
				"untracked", tc.OperationIDs,
				"error", err.Error(),
			)
			if tc.WorkflowID != "" {
				e.takeTracked(tc.WorkflowID)
			}
			e.tracker.Untrack(tc.WorkflowID, tc.OperationIDs...)
			return trackedCall{}, false
		}
		tc.OperationIDs = append(tc.OperationIDs, opID)
	}
	if tc.WorkflowID == "" {
		e.registerTracked(tc.OperationIDs[0], trackedRef{ConversationID: st.ConversationID, ToolCallID: c.ID})
	}
	return tc, true
}

func (e *Engine) suspendedResult(st *ConversationState) TurnResult {
	res := TurnResult{
		ConversationID: st.ConversationID,
		Status:         TurnAwaitingOperations,
		Iteration:      st.Iteration,
	}
	for _, id := range st.PendingCallIDs() {
		if aid, ok := st.PendingApprovals[id]; ok {
			p := PendingApproval{ApprovalID: aid, ToolCallID: id}
			if e.approvals != nil {
				if req, ok := e.approvals.Get(aid); ok {
					p = pendingFromRequest(req)
				}
			}
			res.Approvals = append(res.Approvals, p)
			continue
		}
		tc := st.AwaitingOps[id]
		res.Operations = append(res.Operations, tc.OperationIDs...)
		if tc.WorkflowID != "" {
			res.Workflows = append(res.Workflows, tc.WorkflowID)
		}
	}
	if len(res.Approvals) > 0 {
		res.Status = TurnAwaitingApproval
	}
	return res
}

func (e *Engine) requestMessages(st *ConversationState) []llm.Message {
	sys := e.systemPrompt
	if len(st.Targets) > 0 {
		var b strings.Builder
		b.WriteString(sys)
		b.WriteString("\n\nKnown instances:")
		for _, id := range sortedKeys(st.Targets) {
			fmt.Fprintf(&b, "\n- %s (%s)", id, st.Targets[id])
		}
		sys = b.String()
	}
	if sys == "" {
		return st.Messages
	}
	out := make([]llm.Message, 0, len(st.Messages)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: sys})
	return append(out, st.Messages...)
}

func (e *Engine) toolsFor(ctx context.Context, conversationID string) ([]llm.Tool, []string, error) {
	schemas, err := e.tools.ListTools(ctx, conversationID)
	tools, names := buildLLMTools(schemas)
	return tools, names, err
}

// extractCard returns the renderable object embedded in a final answer,
// marked with "adaptive_card": true.
func extractCard(text string) map[string]any {
	if !strings.Contains(text, "adaptive_card") {
		return nil
	}
	card, err := jsonutil.FindObject(text, func(obj map[string]any) bool {
		ok, _ := obj["adaptive_card"].(bool)
		return ok
	})
	if err != nil {
		return nil
	}
	return card
}

func (e *Engine) load(ctx context.Context, conversationID string) (*ConversationState, bool, error) {
	snap, ok, err := e.store.Get(ctx, conversationID)
	if err != nil || !ok {
		return nil, false, err
	}
	st, err := UnmarshalState(snap.Data)
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

func (e *Engine) save(ctx context.Context, st *ConversationState) error {
	st.UpdatedAt = e.now().UTC()
	data, err := MarshalState(st)
	if err != nil {
		return err
	}
	if err := e.store.Put(ctx, session.Snapshot{
		ConversationID: st.ConversationID,
		RequesterID:    st.RequesterID,
		Data:           data,
		UpdatedAt:      st.UpdatedAt,
	}); err != nil {
		e.log.Error("snapshot_save_error", "conversation_id", st.ConversationID, "error", err.Error())
		return fmt.Errorf("save conversation %s: %w", st.ConversationID, err)
	}
	return nil
}

// keep saves the state of a turn that failed on a model or authentication
// error. Calls of the turn that are neither resolved nor waiting are failed
// with cause, so the stored history stays consistent and later turns see
// what already ran.
func (e *Engine) keep(ctx context.Context, st *ConversationState, cause error) {
	for _, c := range st.TurnCalls {
		if _, done := st.Results[c.ID]; done {
			continue
		}
		if _, waiting := st.PendingApprovals[c.ID]; waiting {
			continue
		}
		if _, waiting := st.AwaitingOps[c.ID]; waiting {
			continue
		}
		st.Results[c.ID] = toolResult{Content: errorContent(cause), IsError: true}
	}
	st.flushResults()
	_ = e.save(ctx, st)
}

// dispatches reports whether a call acts on targets rather than reading
// them. Only such calls are held to multi-target coverage.
func (e *Engine) dispatches(c llm.ToolCall) bool {
	r := e.classifier.Classify(c.Name, c.Arguments)
	return r.RequiresApproval || r.LongRunning
}

// discard forgets a conversation after it exceeded the iteration bound.
func (e *Engine) discard(ctx context.Context, st *ConversationState) {
	if err := e.store.Delete(ctx, st.ConversationID); err != nil {
		e.log.Warn("snapshot_delete_error", "conversation_id", st.ConversationID, "error", err.Error())
	}
	if f, ok := e.tools.(interface{ ForgetConversation(string) }); ok {
		f.ForgetConversation(st.ConversationID)
	}
}

func (e *Engine) tryLock(id string) bool {
	l := e.acquire(id)
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		e.release(id, l)
		return false
	}
}

func (e *Engine) lock(ctx context.Context, id string) error {
	l := e.acquire(id)
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		e.release(id, l)
		return ctx.Err()
	}
}

func (e *Engine) unlock(id string) {
	e.mu.Lock()
	l := e.locks[id]
	e.mu.Unlock()
	if l == nil {
		return
	}
	<-l.ch
	e.release(id, l)
}

func (e *Engine) acquire(id string) *convLock {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &convLock{ch: make(chan struct{}, 1)}
		e.locks[id] = l
	}
	l.refs++
	return l
}

func (e *Engine) release(id string, l *convLock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l.refs--
	if l.refs <= 0 && e.locks[id] == l {
		delete(e.locks, id)
	}
}

func (e *Engine) registerTracked(key string, ref trackedRef) {
	e.mu.Lock()
	e.tracked[key] = ref
	e.mu.Unlock()
}

func (e *Engine) takeTracked(key string) (trackedRef, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ref, ok := e.tracked[key]
	if ok {
		delete(e.tracked, key)
	}
	return ref, ok
}
