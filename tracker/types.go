package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrOperationTimeout = errors.New("operation timed out")
	ErrUnknownWorkflow  = errors.New("unknown workflow")
	ErrDuplicate        = errors.New("operation already tracked")
)

// Operation is one dispatched long-running remote call on a single target.
type Operation struct {
	ID string `json:"id"`
	// RemoteID identifies the invocation at the provider; it defaults to ID.
	RemoteID   string `json:"remote_id"`
	TargetID   string `json:"target_id"`
	WorkflowID string `json:"workflow_id,omitempty"`

	Status       Status `json:"status"`
	RemoteStatus string `json:"remote_status,omitempty"`

	StartedAt     time.Time     `json:"started_at"`
	LastPollAt    time.Time     `json:"last_poll_at,omitempty"`
	NextPollAt    time.Time     `json:"next_poll_at"`
	NextPollDelay time.Duration `json:"next_poll_delay"`
	PollCount     int           `json:"poll_count"`
	Timeout       time.Duration `json:"timeout"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`

	// Params is a sanitized copy of the call's input.
	Params map[string]any `json:"params,omitempty"`

	Output       string `json:"output,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	OutputURL    string `json:"output_url,omitempty"`
}

// Err reports a terminal non-success outcome as an error.
func (o Operation) Err() error {
	switch o.Status {
	case StatusSuccess:
		return nil
	case StatusTimedOut:
		return fmt.Errorf("%w: %s on %s after %s", ErrOperationTimeout, o.ID, o.TargetID, o.Timeout)
	case StatusFailed, StatusCancelled:
		msg := o.ErrorMessage
		if msg == "" {
			msg = o.RemoteStatus
		}
		return fmt.Errorf("operation %s on %s %s: %s", o.ID, o.TargetID, o.Status, msg)
	}
	return nil
}

type Workflow struct {
	ID            string     `json:"id"`
	OperationType string     `json:"operation_type"`
	Expected      int        `json:"expected"`
	Succeeded     int        `json:"succeeded"`
	Failed        int        `json:"failed"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	OperationIDs  []string   `json:"operation_ids,omitempty"`
}

func (w Workflow) Complete() bool {
	return w.CompletedAt != nil
}

// SuccessRate is the share of resolved operations that succeeded.
func (w Workflow) SuccessRate() float64 {
	n := w.Succeeded + w.Failed
	if n == 0 {
		return 0
	}
	return float64(w.Succeeded) / float64(n)
}

func (w Workflow) clone() Workflow {
	c := w
	if w.OperationIDs != nil {
		c.OperationIDs = append([]string(nil), w.OperationIDs...)
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// CompletionHandler receives terminal outcomes. OnOperationComplete fires
// once per operation; wf is non-nil when the operation belongs to a workflow
// and reflects counters after this operation was counted.
// OnWorkflowComplete fires once per workflow, after the last operation.
type CompletionHandler interface {
	OnOperationComplete(ctx context.Context, op Operation, wf *Workflow)
	OnWorkflowComplete(ctx context.Context, wf Workflow)
}

type TrackRequest struct {
	OperationID string
	RemoteID    string
	TargetID    string
	Params      map[string]any
	WorkflowID  string
	Timeout     time.Duration
}
