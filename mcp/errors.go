package mcp

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindConnection     Kind = "connection"
	KindTimeout        Kind = "timeout"
	KindAuthentication Kind = "authentication"
	KindNotFound       Kind = "not_found"
	KindRateLimited    Kind = "rate_limited"
	KindCircuitOpen    Kind = "circuit_open"
	KindGeneric        Kind = "generic"
)

// Sentinels for errors.Is against *Error.
var (
	ErrConnection     = errors.New("tool server connection failed")
	ErrTimeout        = errors.New("tool server timed out")
	ErrAuthentication = errors.New("tool server rejected credentials")
	ErrNotFound       = errors.New("tool not found")
	ErrRateLimited    = errors.New("tool server rate limited")
	ErrCircuitOpen    = errors.New("tool server circuit open")
	ErrGeneric        = errors.New("tool call failed")
)

var kindSentinels = map[Kind]error{
	KindConnection:     ErrConnection,
	KindTimeout:        ErrTimeout,
	KindAuthentication: ErrAuthentication,
	KindNotFound:       ErrNotFound,
	KindRateLimited:    ErrRateLimited,
	KindCircuitOpen:    ErrCircuitOpen,
	KindGeneric:        ErrGeneric,
}

// Error is the typed failure returned by Client.
type Error struct {
	Kind       Kind
	Server     string
	Tool       string
	StatusCode int
	RPCCode    int
	Message    string
	Attempts   int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Server != "" || e.Tool != "" {
		fmt.Fprintf(&b, " (%s/%s)", e.Server, e.Tool)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " http %d", e.StatusCode)
	}
	if e.RPCCode != 0 {
		fmt.Fprintf(&b, " rpc %d", e.RPCCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// IsTransient reports whether err is a transport-level failure that may
// succeed if tried again later.
func IsTransient(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Retryable
}

// KindOf returns the classified kind of err, or KindGeneric.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGeneric
}

func retryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}
