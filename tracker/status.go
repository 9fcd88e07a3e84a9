package tracker

import "strings"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

// NormalizeStatus maps a remote command-invocation status onto Status.
// Unknown values are treated as still running.
func NormalizeStatus(remote string) Status {
	switch strings.ToLower(strings.TrimSpace(remote)) {
	case "pending", "delayed":
		return StatusPending
	case "inprogress", "in_progress", "cancelling":
		return StatusRunning
	case "success", "succeeded":
		return StatusSuccess
	case "failed", "undeliverable", "terminated":
		return StatusFailed
	case "cancelled", "canceled":
		return StatusCancelled
	case "deliverytimedout", "executiontimedout", "timedout", "timed_out":
		return StatusTimedOut
	default:
		return StatusRunning
	}
}
