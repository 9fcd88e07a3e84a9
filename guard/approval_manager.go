package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quailyquaily/smartops/internal/metrics"
)

// ApprovalSpec describes a new approval request.
type ApprovalSpec struct {
	RequesterID  string
	Metadata     ApprovalMetadata
	Continuation Continuation
	// TTL overrides the manager default when positive.
	TTL time.Duration
}

type ManagerOption func(*ApprovalManager)

func WithTTL(d time.Duration) ManagerOption {
	return func(m *ApprovalManager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *ApprovalManager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *ApprovalManager) {
		if log != nil {
			m.log = log
		}
	}
}

func WithAuditSink(s AuditSink) ManagerOption {
	return func(m *ApprovalManager) {
		m.audit = s
	}
}

func WithHistory(h ApprovalHistory) ManagerOption {
	return func(m *ApprovalManager) {
		m.history = h
	}
}

func WithRedactor(r *Redactor) ManagerOption {
	return func(m *ApprovalManager) {
		m.redactor = r
	}
}

func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *ApprovalManager) {
		m.metrics = mt
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *ApprovalManager) {
		if now != nil {
			m.now = now
		}
	}
}

// OnExpired registers a hook called (outside the manager lock) for every
// request reaped because its TTL passed. No continuation runs for it.
func OnExpired(fn func(ApprovalRequest)) ManagerOption {
	return func(m *ApprovalManager) {
		m.onExpired = fn
	}
}

// ApprovalManager holds operations waiting for human confirmation. All state
// lives in its own map; callers go through the exported methods only.
type ApprovalManager struct {
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	log       *slog.Logger
	audit     AuditSink
	history   ApprovalHistory
	redactor  *Redactor
	metrics   *metrics.Metrics
	onExpired func(ApprovalRequest)

	mu      sync.Mutex
	pending map[string]*pendingApproval

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

type pendingApproval struct {
	req  ApprovalRequest
	cont Continuation
}

func NewApprovalManager(opts ...ManagerOption) *ApprovalManager {
	m := &ApprovalManager{
		ttl:           DefaultApprovalTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		log:           slog.Default(),
		pending:       make(map[string]*pendingApproval),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *ApprovalManager) Create(ctx context.Context, spec ApprovalSpec) (string, error) {
	requester := strings.TrimSpace(spec.RequesterID)
	if requester == "" {
		return "", fmt.Errorf("missing requester id")
	}
	if strings.TrimSpace(spec.Metadata.ToolName) == "" {
		return "", fmt.Errorf("missing tool name in approval metadata")
	}
	select {
	case <-m.done:
		return "", fmt.Errorf("approval manager is closed")
	default:
	}

	ttl := spec.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now().UTC()
	req := ApprovalRequest{
		ID:          "apr_" + uuid.NewString(),
		RequesterID: requester,
		Metadata:    spec.Metadata,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Status:      ApprovalPending,
	}

	m.mu.Lock()
	m.pending[req.ID] = &pendingApproval{req: req, cont: spec.Continuation}
	m.mu.Unlock()

	m.log.Info("approval_created",
		"approval_id", req.ID,
		"requester", requester,
		"tool", req.Metadata.ToolName,
		"targets", len(req.Metadata.TargetIDs),
		"expires_at", req.ExpiresAt.Format(time.RFC3339),
	)
	m.metrics.Approval(string(ApprovalPending))
	m.emit(ctx, AuditApprovalCreated, req, "", "")
	if m.history != nil {
		if err := m.history.Create(ctx, m.record(req)); err != nil {
			m.log.Warn("approval_history_error", "approval_id", req.ID, "error", err.Error())
		}
	}
	return req.ID, nil
}

// Get returns a pending request. A request past its expiry is reaped and
// reported as not found.
func (m *ApprovalManager) Get(id string) (ApprovalRequest, bool) {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return ApprovalRequest{}, false
	}
	if m.expiredLocked(p) {
		delete(m.pending, id)
		m.mu.Unlock()
		m.reaped(context.Background(), p.req)
		return ApprovalRequest{}, false
	}
	req := p.req
	m.mu.Unlock()
	return req, true
}

// Confirm runs the continuation of a pending request on behalf of its
// requester. The request is removed before the continuation starts, so a
// second Confirm for the same id reports not found.
func (m *ApprovalManager) Confirm(ctx context.Context, id, requesterID string) (ConfirmResult, error) {
	p, err := m.take(ctx, id, requesterID)
	if err != nil {
		return ConfirmResult{}, err
	}
	req := p.req
	req.Status = ApprovalConfirmed

	m.log.Info("approval_confirmed", "approval_id", req.ID, "requester", req.RequesterID, "tool", req.Metadata.ToolName)
	m.metrics.Approval(string(ApprovalConfirmed))

	res := m.runContinuation(ctx, req, p.cont)
	errMsg := ""
	if !res.Success {
		errMsg = res.Error
		m.log.Warn("approval_continuation_error", "approval_id", req.ID, "tool", req.Metadata.ToolName, "error", res.Error)
		m.emit(ctx, AuditContinuationError, req, requesterID, res.Error)
	}
	m.emit(ctx, AuditApprovalConfirmed, req, requesterID, errMsg)
	m.resolveHistory(ctx, req.ID, ApprovalConfirmed, requesterID, errMsg)
	return res, nil
}

func (m *ApprovalManager) Cancel(ctx context.Context, id, requesterID string) error {
	p, err := m.take(ctx, id, requesterID)
	if err != nil {
		return err
	}
	req := p.req
	req.Status = ApprovalCancelled

	m.log.Info("approval_cancelled", "approval_id", req.ID, "requester", req.RequesterID, "tool", req.Metadata.ToolName)
	m.metrics.Approval(string(ApprovalCancelled))
	m.emit(ctx, AuditApprovalCancelled, req, requesterID, "")
	m.resolveHistory(ctx, req.ID, ApprovalCancelled, requesterID, "")
	return nil
}

// take removes a pending request after the expiry and ownership checks.
// A permission failure leaves the request untouched.
func (m *ApprovalManager) take(ctx context.Context, id, requesterID string) (*pendingApproval, error) {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrApprovalNotFound, id)
	}
	if m.expiredLocked(p) {
		delete(m.pending, id)
		m.mu.Unlock()
		m.reaped(ctx, p.req)
		return nil, fmt.Errorf("%w: %s", ErrApprovalExpired, id)
	}
	if p.req.RequesterID != strings.TrimSpace(requesterID) {
		req := p.req
		m.mu.Unlock()
		m.log.Warn("approval_permission_denied", "approval_id", id, "requester", req.RequesterID, "actor", requesterID)
		m.emit(ctx, AuditApprovalDenied, req, requesterID, "")
		return nil, fmt.Errorf("%w: %s", ErrApprovalPermission, id)
	}
	delete(m.pending, id)
	m.mu.Unlock()
	return p, nil
}

// ListPending returns the live requests of requesterID (all requesters when
// empty), oldest first. Expired entries are reaped on the way.
func (m *ApprovalManager) ListPending(requesterID string) []ApprovalRequest {
	requesterID = strings.TrimSpace(requesterID)
	expired := m.collectExpired()
	for _, req := range expired {
		m.reaped(context.Background(), req)
	}

	m.mu.Lock()
	out := make([]ApprovalRequest, 0, len(m.pending))
	for _, p := range m.pending {
		if requesterID != "" && p.req.RequesterID != requesterID {
			continue
		}
		out = append(out, p.req)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Start launches the expiry sweep. It stops when ctx is done or Close is
// called. Calling Start more than once has no effect.
func (m *ApprovalManager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.sweepLoop(ctx)
	})
}

func (m *ApprovalManager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

func (m *ApprovalManager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep reaps every expired request and returns how many were removed.
func (m *ApprovalManager) sweep(ctx context.Context) int {
	expired := m.collectExpired()
	for _, req := range expired {
		m.reaped(ctx, req)
	}
	if len(expired) > 0 {
		m.log.Info("approval_sweep", "reaped", len(expired))
	}
	return len(expired)
}

func (m *ApprovalManager) collectExpired() []ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ApprovalRequest
	for id, p := range m.pending {
		if m.expiredLocked(p) {
			delete(m.pending, id)
			out = append(out, p.req)
		}
	}
	return out
}

func (m *ApprovalManager) expiredLocked(p *pendingApproval) bool {
	return m.now().After(p.req.ExpiresAt)
}

// reaped finishes bookkeeping for a request removed because it expired.
func (m *ApprovalManager) reaped(ctx context.Context, req ApprovalRequest) {
	req.Status = ApprovalExpired
	m.log.Info("approval_expired", "approval_id", req.ID, "requester", req.RequesterID, "tool", req.Metadata.ToolName)
	m.metrics.Approval(string(ApprovalExpired))
	m.emit(ctx, AuditApprovalExpired, req, "", "")
	m.resolveHistory(ctx, req.ID, ApprovalExpired, "", "")
	if m.onExpired != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("approval_expiry_hook_panic", "approval_id", req.ID, "panic", fmt.Sprint(r))
				}
			}()
			m.onExpired(req)
		}()
	}
}

func (m *ApprovalManager) runContinuation(ctx context.Context, req ApprovalRequest, cont Continuation) (res ConfirmResult) {
	res.Request = req
	if cont == nil {
		res.Success = true
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Result = nil
			res.Error = fmt.Sprintf("continuation panicked: %v", r)
			res.Err = errors.New(res.Error)
		}
	}()
	out, err := cont(ctx, req)
	if err != nil {
		res.Error = err.Error()
		res.Err = err
		return res
	}
	res.Success = true
	res.Result = out
	return res
}

func (m *ApprovalManager) emit(ctx context.Context, typ AuditEventType, req ApprovalRequest, actor, errMsg string) {
	if m.audit == nil {
		return
	}
	ts := m.now().UTC()
	err := m.audit.Emit(ctx, AuditEvent{
		EventID:               newEventID(req.ID, typ, ts),
		Type:                  typ,
		Timestamp:             ts,
		ConversationID:        req.Metadata.ConversationID,
		ToolName:              req.Metadata.ToolName,
		ActionSummaryRedacted: m.redactor.Summarize(req.Metadata.ToolName, req.Metadata.Arguments),
		ActionHash:            req.Metadata.ActionHash,
		ApprovalRequestID:     req.ID,
		ApprovalStatus:        string(req.Status),
		RequesterID:           req.RequesterID,
		Actor:                 actor,
		Error:                 errMsg,
	})
	if err != nil {
		m.log.Warn("approval_audit_sink_error", "approval_id", req.ID, "error", err.Error())
	}
}

func (m *ApprovalManager) record(req ApprovalRequest) ApprovalRecord {
	return ApprovalRecord{
		ID:                    req.ID,
		ConversationID:        req.Metadata.ConversationID,
		RequesterID:           req.RequesterID,
		CreatedAt:             req.CreatedAt,
		ExpiresAt:             req.ExpiresAt,
		Status:                req.Status,
		ToolName:              req.Metadata.ToolName,
		ActionHash:            req.Metadata.ActionHash,
		ActionSummaryRedacted: m.redactor.Summarize(req.Metadata.ToolName, req.Metadata.Arguments),
	}
}

func (m *ApprovalManager) resolveHistory(ctx context.Context, id string, status ApprovalStatus, actor, errMsg string) {
	if m.history == nil {
		return
	}
	if err := m.history.Resolve(ctx, id, status, actor, errMsg); err != nil {
		m.log.Warn("approval_history_error", "approval_id", id, "error", err.Error())
	}
}
