package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	// ErrTimeout means no data arrived within the deadline; the connection
	// is presumed alive and the caller may retry.
	ErrTimeout = errors.New("protocol: timeout")
	// ErrConnectionLost means the session must be recreated.
	ErrConnectionLost = errors.New("protocol: connection lost")
	// ErrConfigMismatch is returned before any I/O when the source does not
	// match the caller's declared expectations.
	ErrConfigMismatch = errors.New("protocol: source config mismatch")
	// ErrMalformed is a wire-format violation. Callers treat it as
	// ErrConnectionLost because the byte stream can no longer be trusted.
	ErrMalformed = errors.New("protocol: malformed data")
	// ErrClosed is returned by operations on a finalized container or session.
	ErrClosed = errors.New("protocol: closed")
	// ErrCommandRejected is a PCIC command answered with an error marker.
	ErrCommandRejected = errors.New("protocol: command rejected")
)

// Class buckets an error for retry decisions.
type Class int

const (
	ClassNone Class = iota
	ClassTimeout
	ClassConnectionLost
	ClassConfigMismatch
	ClassClosed
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTimeout:
		return "timeout"
	case ClassConnectionLost:
		return "connection_lost"
	case ClassConfigMismatch:
		return "config_mismatch"
	case ClassClosed:
		return "closed"
	default:
		return "other"
	}
}

// Classify maps transport and codec errors onto the session taxonomy.
// Malformed data and clean EOF are connection losses; net timeouts are
// timeouts.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	switch {
	case errors.Is(err, ErrConfigMismatch):
		return ClassConfigMismatch
	case errors.Is(err, ErrClosed):
		return ClassClosed
	case errors.Is(err, ErrTimeout), errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrMalformed):
		return ClassConnectionLost
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return ClassConnectionLost
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNABORTED):
		return ClassConnectionLost
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return ClassConnectionLost
	}
	return ClassOther
}

func IsTimeout(err error) bool {
	return Classify(err) == ClassTimeout
}

func IsConnectionLost(err error) bool {
	return Classify(err) == ClassConnectionLost
}
