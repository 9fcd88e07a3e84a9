package agent

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConversationBusy     = errors.New("conversation is busy")
	ErrMaxIterations        = errors.New("maximum tool iterations exceeded")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNoPendingCall        = errors.New("no pending tool call")
)

// ModelInvocationError means the model provider could not be reached or
// rejected the request. The turn ends and the conversation is released.
type ModelInvocationError struct {
	Model string
	Err   error
}

func (e *ModelInvocationError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("model invocation failed: %v", e.Err)
	}
	return fmt.Sprintf("model %s invocation failed: %v", e.Model, e.Err)
}

func (e *ModelInvocationError) Unwrap() error { return e.Err }

// WorkflowValidationError reports tool calls that do not cover every known
// target of an "all targets" request.
type WorkflowValidationError struct {
	Expected []string
	Covered  []string
	Missing  []string
}

func (e *WorkflowValidationError) Error() string {
	return fmt.Sprintf("tool calls cover %d of %d targets (missing: %s)",
		len(e.Covered), len(e.Expected), strings.Join(e.Missing, ", "))
}
