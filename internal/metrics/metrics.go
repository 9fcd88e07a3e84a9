package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "smartops"

// Metrics groups the collectors shared by the limiter, the invocation client,
// the approval manager and the tracker. A nil *Metrics is valid and records nothing.
type Metrics struct {
	breakerOpened   *prometheus.CounterVec
	throttled       *prometheus.CounterVec
	toolCalls       *prometheus.CounterVec
	toolRetries     *prometheus.CounterVec
	approvals       *prometheus.CounterVec
	operations      *prometheus.CounterVec
	activeOps       prometheus.Gauge
	workflowsClosed prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		breakerOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_opened_total",
			Help:      "Number of times a server circuit transitioned to open.",
		}, []string{"server"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_rejected_total",
			Help:      "Calls rejected before reaching the network.",
		}, []string{"server", "reason"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Remote tool calls by server and outcome kind.",
		}, []string{"server", "outcome"}),
		toolRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_call_retries_total",
			Help:      "Retried remote tool call attempts.",
		}, []string{"server"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval requests by terminal status.",
		}, []string{"status"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracked_operations_total",
			Help:      "Tracked operations by terminal status.",
		}, []string{"status"}),
		activeOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_operations_active",
			Help:      "Operations currently being polled.",
		}),
		workflowsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_completed_total",
			Help:      "Workflows that reached their expected operation count.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.breakerOpened, m.throttled, m.toolCalls, m.toolRetries,
			m.approvals, m.operations, m.activeOps, m.workflowsClosed,
		)
	}
	return m
}

func (m *Metrics) CircuitOpened(server string) {
	if m == nil {
		return
	}
	m.breakerOpened.WithLabelValues(server).Inc()
}

func (m *Metrics) Rejected(server, reason string) {
	if m == nil {
		return
	}
	m.throttled.WithLabelValues(server, reason).Inc()
}

func (m *Metrics) ToolCall(server, outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(server, outcome).Inc()
}

func (m *Metrics) ToolRetry(server string) {
	if m == nil {
		return
	}
	m.toolRetries.WithLabelValues(server).Inc()
}

func (m *Metrics) Approval(status string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(status).Inc()
}

func (m *Metrics) OperationFinished(status string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(status).Inc()
}

func (m *Metrics) SetActiveOperations(n int) {
	if m == nil {
		return
	}
	m.activeOps.Set(float64(n))
}

func (m *Metrics) WorkflowCompleted() {
	if m == nil {
		return
	}
	m.workflowsClosed.Inc()
}
