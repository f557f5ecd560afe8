package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnreachable reports that the remote side of a request could not be
	// reached at all (no responder, dropped connection).
	ErrUnreachable = errors.New("unreachable")
)
