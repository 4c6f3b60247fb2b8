package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable matches connect failures where no session could be
	// established (dial error, timeout, cancelled context).
	ErrUnreachable = errors.New("endpoint unreachable")
	// ErrRejected matches connect failures where the remote end refused the
	// session or closed it before the handshake.
	ErrRejected = errors.New("connection rejected")
	// ErrDropped matches transport failures after the session was established.
	ErrDropped = errors.New("connection dropped")
	// ErrAlreadyUsed is returned when Connect is called on a Manager that has
	// already been used for a session.
	ErrAlreadyUsed = errors.New("connection manager already used")
	// ErrClosed is the cause reported for a local Disconnect.
	ErrClosed = errors.New("connection closed")
)

// ConnectErrorKind classifies a failed Connect.
type ConnectErrorKind int

const (
	Unreachable ConnectErrorKind = iota
	Rejected
)

func (k ConnectErrorKind) String() string {
	if k == Rejected {
		return "rejected"
	}
	return "unreachable"
}

// ConnectError is returned by Connect. Reason carries the HTTP status or
// close message sent by the remote end, when there was one.
type ConnectError struct {
	Kind     ConnectErrorKind
	Endpoint string
	Reason   string
	Err      error
}

func (e *ConnectError) Error() string {
	msg := fmt.Sprintf("connect %s: %s", e.Endpoint, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectError) Unwrap() []error {
	sentinel := ErrUnreachable
	if e.Kind == Rejected {
		sentinel = ErrRejected
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// TransportError reports an established session ending because of a read
// or write failure on the socket.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrDropped, e.Err} }
