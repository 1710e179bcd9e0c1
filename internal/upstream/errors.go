// SPDX-License-Identifier: MIT

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind sorts upstream failures into the buckets the forwarder and the
// handlers act on. Transport and timeout failures are retryable; definitive
// upstream answers are not.
type ErrorKind string

const (
	ErrTransport   ErrorKind = "transport"
	ErrTimeout     ErrorKind = "timeout"
	ErrUpstream4xx ErrorKind = "upstream_4xx"
	ErrUpstream5xx ErrorKind = "upstream_5xx"
	ErrProtocol    ErrorKind = "protocol"
)

// Error wraps one failed upstream exchange.
type Error struct {
	Kind     ErrorKind
	Status   int // HTTP status for upstream_* kinds, 0 otherwise
	Attempts int // attempts consumed before giving up
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream: %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a fresh attempt could change the outcome.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrTransport, ErrTimeout, ErrUpstream5xx:
		return true
	}
	return false
}

// AttemptCount reports how many upstream round-trips an exchange consumed,
// counting the one that produced resp or err. Never less than 1.
func AttemptCount(resp *Response, err error) int {
	if resp != nil && resp.Attempts > 0 {
		return resp.Attempts
	}
	var uerr *Error
	if errors.As(err, &uerr) && uerr.Attempts > 0 {
		return uerr.Attempts
	}
	return 1
}

// classifyErr wraps a transport-level failure from the HTTP client.
func classifyErr(err error) *Error {
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: ErrTimeout, Err: err}
	case errors.As(err, &nerr) && nerr.Timeout():
		return &Error{Kind: ErrTimeout, Err: err}
	default:
		return &Error{Kind: ErrTransport, Err: err}
	}
}

// classifyStatus wraps a definitive upstream HTTP status. 429 counts as a
// 5xx-style transient failure because the service is asking us to back off.
func classifyStatus(status int) *Error {
	kind := ErrUpstream4xx
	if status >= 500 || status == 429 {
		kind = ErrUpstream5xx
	}
	return &Error{Kind: kind, Status: status, Err: fmt.Errorf("unexpected status %d", status)}
}
