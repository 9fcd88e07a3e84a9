package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.CircuitOpened("aws")
	m.Rejected("aws", "circuit_open")
	m.ToolCall("aws", "ok")
	m.ToolRetry("aws")
	m.Approval("confirmed")
	m.OperationFinished("success")
	m.SetActiveOperations(3)
	m.WorkflowCompleted()
}

func TestMetrics_CountsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CircuitOpened("aws")
	m.CircuitOpened("aws")
	m.ToolCall("knowledge", "ok")
	m.Approval("expired")

	if got := testutil.ToFloat64(m.breakerOpened.WithLabelValues("aws")); got != 2 {
		t.Fatalf("circuit_opened_total{server=aws} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.toolCalls.WithLabelValues("knowledge", "ok")); got != 1 {
		t.Fatalf("tool_calls_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.approvals.WithLabelValues("expired")); got != 1 {
		t.Fatalf("approvals_total{status=expired} = %v, want 1", got)
	}
}
