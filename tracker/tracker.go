package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quailyquaily/smartops/guard"
	"github.com/quailyquaily/smartops/internal/metrics"
	"github.com/quailyquaily/smartops/mcp"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	// Tick is how often the loop looks for due polls and timeouts.
	Tick           time.Duration `mapstructure:"tick"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// Retention keeps finished operations queryable for this long.
	Retention          time.Duration `mapstructure:"retention"`
	MaxConcurrentPolls int           `mapstructure:"max_concurrent_polls"`
}

func DefaultConfig() Config {
	return Config{
		Tick:               time.Second,
		InitialDelay:       3 * time.Second,
		MaxDelay:           10 * time.Second,
		BackoffFactor:      1.2,
		DefaultTimeout:     15 * time.Minute,
		Retention:          time.Hour,
		MaxConcurrentPolls: 8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.MaxConcurrentPolls <= 0 {
		c.MaxConcurrentPolls = d.MaxConcurrentPolls
	}
	return c
}

// BackoffDelay is the wait before poll number pollCount+1:
// min(initial * factor^pollCount, max).
func (c Config) BackoffDelay(pollCount int) time.Duration {
	c = c.withDefaults()
	if pollCount < 0 {
		pollCount = 0
	}
	d := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(pollCount))
	if d >= float64(c.MaxDelay) || math.IsInf(d, 0) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

type Option func(*Tracker)

func WithHandler(h CompletionHandler) Option {
	return func(t *Tracker) { t.handler = h }
}

func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker polls dispatched long-running operations until they reach a
// terminal status, aggregates them into workflows and reports completions
// to its handler.
type Tracker struct {
	cfg    Config
	poller StatusPoller

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	handler   CompletionHandler
	active    map[string]*entry
	finished  map[string]Operation
	workflows map[string]*Workflow

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type entry struct {
	op      Operation
	polling bool
}

func New(cfg Config, poller StatusPoller, opts ...Option) (*Tracker, error) {
	if poller == nil {
		return nil, fmt.Errorf("tracker requires a status poller")
	}
	t := &Tracker{
		cfg:       cfg.withDefaults(),
		poller:    poller,
		log:       slog.Default(),
		now:       time.Now,
		active:    make(map[string]*entry),
		finished:  make(map[string]Operation),
		workflows: make(map[string]*Workflow),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// SetHandler replaces the completion handler. It is meant for wiring cycles
// where the handler is built after the tracker.
func (t *Tracker) SetHandler(h CompletionHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// CreateWorkflow registers a group of expected operations and returns its id.
func (t *Tracker) CreateWorkflow(expected int, operationType string) (string, error) {
	if expected <= 0 {
		return "", fmt.Errorf("workflow must expect at least one operation")
	}
	wf := &Workflow{
		ID:            "wf_" + uuid.NewString(),
		OperationType: strings.TrimSpace(operationType),
		Expected:      expected,
		StartedAt:     t.now().UTC(),
	}
	t.mu.Lock()
	t.workflows[wf.ID] = wf
	t.mu.Unlock()
	t.log.Info("workflow_created", "workflow_id", wf.ID, "expected", expected, "operation_type", wf.OperationType)
	return wf.ID, nil
}

// Track registers a dispatched operation. The first poll happens after the
// initial delay.
func (t *Tracker) Track(ctx context.Context, req TrackRequest) (Operation, error) {
	id := strings.TrimSpace(req.OperationID)
	if id == "" {
		return Operation{}, fmt.Errorf("missing operation id")
	}
	target := strings.TrimSpace(req.TargetID)
	if target == "" {
		return Operation{}, fmt.Errorf("missing target id for operation %s", id)
	}
	select {
	case <-t.done:
		return Operation{}, fmt.Errorf("tracker is closed")
	default:
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.cfg.DefaultTimeout
	}
	remoteID := strings.TrimSpace(req.RemoteID)
	if remoteID == "" {
		remoteID = id
	}
	now := t.now().UTC()
	op := Operation{
		ID:            id,
		RemoteID:      remoteID,
		TargetID:      target,
		WorkflowID:    strings.TrimSpace(req.WorkflowID),
		Status:        StatusPending,
		StartedAt:     now,
		NextPollDelay: t.cfg.InitialDelay,
		NextPollAt:    now.Add(t.cfg.InitialDelay),
		Timeout:       timeout,
		Params:        guard.SanitizeParams(req.Params),
	}

	t.mu.Lock()
	if _, ok := t.active[id]; ok {
		t.mu.Unlock()
		return Operation{}, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	if _, ok := t.finished[id]; ok {
		t.mu.Unlock()
		return Operation{}, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	if op.WorkflowID != "" {
		wf, ok := t.workflows[op.WorkflowID]
		if !ok {
			t.mu.Unlock()
			return Operation{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, op.WorkflowID)
		}
		if wf.Complete() || len(wf.OperationIDs) >= wf.Expected {
			t.mu.Unlock()
			return Operation{}, fmt.Errorf("workflow %s already has %d operations", wf.ID, wf.Expected)
		}
		wf.OperationIDs = append(wf.OperationIDs, id)
	}
	t.active[id] = &entry{op: op}
	n := len(t.active)
	t.mu.Unlock()

	t.metrics.SetActiveOperations(n)
	t.log.Info("operation_tracked",
		"operation_id", id,
		"target", target,
		"workflow_id", op.WorkflowID,
		"timeout", timeout.String(),
	)
	return op, nil
}

// Status returns an active or recently finished operation.
func (t *Tracker) Status(id string) (Operation, bool) {
	id = strings.TrimSpace(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.active[id]; ok {
		return e.op, true
	}
	op, ok := t.finished[id]
	return op, ok
}

func (t *Tracker) WorkflowStatus(id string) (Workflow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wf, ok := t.workflows[strings.TrimSpace(id)]
	if !ok {
		return Workflow{}, false
	}
	return wf.clone(), true
}

// Active lists operations still being polled, oldest first.
func (t *Tracker) Active() []Operation {
	t.mu.Lock()
	out := make([]Operation, 0, len(t.active))
	for _, e := range t.active {
		out = append(out, e.op)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Untrack stops polling the given operations and drops workflowID. No
// handler is called for them. Finished operations are left alone.
func (t *Tracker) Untrack(workflowID string, ids ...string) {
	workflowID = strings.TrimSpace(workflowID)
	t.mu.Lock()
	removed := 0
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if _, ok := t.active[id]; ok {
			delete(t.active, id)
			removed++
		}
	}
	if workflowID != "" {
		delete(t.workflows, workflowID)
	}
	n := len(t.active)
	t.mu.Unlock()

	t.metrics.SetActiveOperations(n)
	t.log.Info("operations_untracked", "workflow_id", workflowID, "operations", removed)
}

// Start launches the polling loop. It stops when ctx is done or Close is
// called. Calling Start more than once has no effect.
func (t *Tracker) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.loop(ctx)
		}()
	})
}

// Close stops the loop and waits for in-flight polls to return.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
}

func (t *Tracker) loop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick expires overdue operations, then polls every due one and waits for
// those polls to finish.
func (t *Tracker) tick(ctx context.Context) {
	now := t.now().UTC()

	var timedOut []Operation
	var due []Operation
	t.mu.Lock()
	for _, e := range t.active {
		if e.polling {
			continue
		}
		if now.Sub(e.op.StartedAt) >= e.op.Timeout {
			timedOut = append(timedOut, e.op)
			continue
		}
		if !now.Before(e.op.NextPollAt) {
			e.polling = true
			due = append(due, e.op)
		}
	}
	for id, op := range t.finished {
		if op.CompletedAt != nil && now.Sub(*op.CompletedAt) > t.cfg.Retention {
			delete(t.finished, id)
		}
	}
	t.mu.Unlock()

	for _, op := range timedOut {
		t.finish(ctx, op.ID, func(o *Operation) {
			o.Status = StatusTimedOut
			o.ErrorMessage = fmt.Sprintf("no terminal status after %s", o.Timeout)
		})
	}

	if len(due) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(t.cfg.MaxConcurrentPolls)
	for _, op := range due {
		op := op
		g.Go(func() error {
			t.pollOne(ctx, op)
			return nil
		})
	}
	_ = g.Wait()
}

func (t *Tracker) pollOne(ctx context.Context, op Operation) {
	res, err := t.poll(ctx, op)
	now := t.now().UTC()

	if err != nil {
		if errors.Is(err, mcp.ErrAuthentication) {
			t.log.Warn("operation_poll_rejected", "operation_id", op.ID, "target", op.TargetID, "error", err.Error())
			t.finish(ctx, op.ID, func(o *Operation) {
				o.Status = StatusFailed
				o.ErrorMessage = err.Error()
				o.LastPollAt = now
				o.PollCount++
			})
			return
		}
		t.log.Warn("operation_poll_error", "operation_id", op.ID, "target", op.TargetID, "poll", op.PollCount+1, "error", err.Error())
		t.reschedule(op.ID, now, func(*Operation) {})
		return
	}

	next := NormalizeStatus(res.Status)
	if next.Terminal() {
		t.finish(ctx, op.ID, func(o *Operation) {
			o.Status = next
			o.RemoteStatus = res.Status
			o.Output = res.Output
			o.ErrorMessage = res.Error
			o.OutputURL = res.OutputURL
			o.LastPollAt = now
			o.PollCount++
		})
		return
	}
	t.reschedule(op.ID, now, func(o *Operation) {
		if next.rank() >= o.Status.rank() {
			o.Status = next
		}
		o.RemoteStatus = res.Status
		if res.Output != "" {
			o.Output = res.Output
		}
	})
}

func (t *Tracker) poll(ctx context.Context, op Operation) (res PollResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("status poller panicked: %v", r)
		}
	}()
	return t.poller.Poll(ctx, op)
}

func (t *Tracker) reschedule(id string, now time.Time, update func(*Operation)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.active[id]
	if !ok {
		return
	}
	update(&e.op)
	e.op.LastPollAt = now
	e.op.PollCount++
	e.op.NextPollDelay = t.cfg.BackoffDelay(e.op.PollCount)
	e.op.NextPollAt = now.Add(e.op.NextPollDelay)
	e.polling = false
}

// finish moves an operation to its terminal state exactly once, updates its
// workflow, and calls the handler outside the lock.
func (t *Tracker) finish(ctx context.Context, id string, update func(*Operation)) {
	t.mu.Lock()
	e, ok := t.active[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.active, id)
	op := e.op
	update(&op)
	completed := t.now().UTC()
	op.CompletedAt = &completed
	t.finished[id] = op

	var wfSnap *Workflow
	var wfDone bool
	if op.WorkflowID != "" {
		if wf, ok := t.workflows[op.WorkflowID]; ok && !wf.Complete() {
			if op.Status == StatusSuccess {
				wf.Succeeded++
			} else {
				wf.Failed++
			}
			if wf.Succeeded+wf.Failed >= wf.Expected {
				at := completed
				wf.CompletedAt = &at
				wfDone = true
			}
			c := wf.clone()
			wfSnap = &c
		}
	}
	handler := t.handler
	n := len(t.active)
	t.mu.Unlock()

	t.metrics.SetActiveOperations(n)
	t.metrics.OperationFinished(string(op.Status))
	t.log.Info("operation_finished",
		"operation_id", op.ID,
		"target", op.TargetID,
		"status", string(op.Status),
		"remote_status", op.RemoteStatus,
		"polls", op.PollCount,
		"duration", completed.Sub(op.StartedAt).String(),
	)

	if handler != nil {
		t.safeCall("operation", op.ID, func() { handler.OnOperationComplete(ctx, op, wfSnap) })
	}
	if wfDone {
		t.metrics.WorkflowCompleted()
		t.log.Info("workflow_completed",
			"workflow_id", wfSnap.ID,
			"succeeded", wfSnap.Succeeded,
			"failed", wfSnap.Failed,
			"success_rate", wfSnap.SuccessRate(),
		)
		if handler != nil {
			wf := *wfSnap
			t.safeCall("workflow", wf.ID, func() { handler.OnWorkflowComplete(ctx, wf) })
		}
	}
}

func (t *Tracker) safeCall(kind, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("completion_handler_panic", "kind", kind, "id", id, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
