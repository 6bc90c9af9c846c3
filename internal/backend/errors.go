package backend

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when an operation runs before Connect or
// after Close.
var ErrNotConnected = errors.New("backend: not connected")

// Op tags the operation kind on an UnsupportedError so callers can branch
// on what was attempted instead of parsing messages.
type Op string

const (
	OpGrant          Op = "grant"
	OpRevoke         Op = "revoke"
	OpListPrivileges Op = "list_privileges"
	OpJoin           Op = "join"
)

// UnsupportedError reports a capability the backend cannot provide.
type UnsupportedError struct {
	Backend string
	Op      Op
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("backend %s: operation %s not supported", e.Backend, e.Op)
}

// Unsupported builds an UnsupportedError for the given backend and op.
func Unsupported(backend string, op Op) error {
	return &UnsupportedError{Backend: backend, Op: op}
}

// ConnectError wraps a failed connect or disconnect with the backend and
// label so log lines identify which schema's connection broke.
type ConnectError struct {
	Backend string
	Label   string
	Err     error
}

func (e *ConnectError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("connect %s (%s): %v", e.Backend, e.Label, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.Backend, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
