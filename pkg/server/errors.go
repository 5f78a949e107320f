package server

import (
	"errors"
	"fmt"
)

// Kind classifies failures by how far their effects may reach
type Kind int

const (
	// KindProtocol is a malformed or oversized frame; it ends only the offending session
	KindProtocol Kind = iota + 1
	// KindConnection is an I/O failure on one socket; it ends only that session
	KindConnection
	// KindState is a bad reference or missing field; it is reported to the sender and changes nothing
	KindState
	// KindResourceExhausted means the session limit is reached; the connection is refused
	KindResourceExhausted
	// KindFatalStartup means the listening socket could not be bound
	KindFatalStartup
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindConnection:
		return "connection"
	case KindState:
		return "state"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindFatalStartup:
		return "fatal_startup"
	default:
		return "unknown"
	}
}

var (
	ErrServerFull         = errors.New("server full")
	ErrServerClosed       = errors.New("server closed")
	ErrSessionNotFound    = errors.New("user not found")
	ErrRoomNotFound       = errors.New("room not found")
	ErrNotJoined          = errors.New("join the server first")
	ErrAlreadyJoined      = errors.New("display name already set")
	ErrInvalidName        = errors.New("invalid name")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrQueueTimeout       = errors.New("outbound queue full")
)

// Error carries a Kind alongside the underlying cause
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or zero when err carries none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func stateError(err error) error {
	return &Error{Kind: KindState, Err: err}
}

func stateErrorf(sentinel error, format string, args ...any) error {
	return &Error{Kind: KindState, Err: fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)}
}
