package anidb

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind groups protocol failures by how callers should react.
type ErrorKind string

const (
	KindMalformed ErrorKind = "malformed" // unparseable or unexpected response
	KindSession   ErrorKind = "session"   // no session or session expired: log in again
	KindBanned    ErrorKind = "banned"    // client or user banned: long pause
	KindAuth      ErrorKind = "auth"      // credentials rejected or client outdated
	KindNotFound  ErrorKind = "not_found" // subject unknown to AniDB
	KindRejected  ErrorKind = "rejected"  // request refused (access denied, illegal input)
)

// ProtocolError is a response that could not be turned into a result.
// Raw holds the response text so it can be logged verbatim.
type ProtocolError struct {
	Code ReturnCode
	Kind ErrorKind
	Raw  string

	// Until is set for KindBanned and KindAuth: the connection refuses to
	// send before it.
	Until time.Time
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("anidb: %s response (code %d): %q", e.Kind, int(e.Code), firstLine(e.Raw))
}

// RetryAfter reports how long the pause window that came with the error lasts.
func (e *ProtocolError) RetryAfter() time.Duration {
	if e.Until.IsZero() {
		return 0
	}
	return max(time.Until(e.Until), 0)
}

func malformed(code ReturnCode, raw, format string, args ...any) error {
	return &ProtocolError{Code: code, Kind: KindMalformed, Raw: raw + " (" + fmt.Sprintf(format, args...) + ")"}
}

// unexpected wraps a response code the request has no decoder for.
func unexpected(code ReturnCode, raw string) error {
	return &ProtocolError{Code: code, Kind: code.kind(), Raw: raw}
}

// ThrottledError is returned without sending anything while the connection
// is inside a pause window (flood control, server busy, or after a ban).
type ThrottledError struct {
	Until  time.Time
	Reason string
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("anidb: throttled until %s (%s)", e.Until.Format(time.RFC3339), e.Reason)
}

func (e *ThrottledError) RetryAfter() time.Duration { return max(time.Until(e.Until), 0) }

// ErrTimeout is wrapped by TransportError when no reply arrived in time.
var ErrTimeout = errors.New("no response before timeout")

// TransportError is an I/O failure or a missing reply. Session state is not
// touched; the exchange may be retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "anidb: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the exchange failed for lack of a reply.
func (e *TransportError) Timeout() bool { return errors.Is(e.Err, ErrTimeout) }

// KindOf returns the protocol error kind of err, or "" if err is not a ProtocolError.
func KindOf(err error) ErrorKind {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsSessionError reports whether err means the session is missing or expired.
func IsSessionError(err error) bool { return KindOf(err) == KindSession }

// IsRetryable reports whether the same request may succeed later unchanged.
func IsRetryable(err error) bool {
	var te *ThrottledError
	var tr *TransportError
	switch {
	case errors.As(err, &te), errors.As(err, &tr):
		return true
	}
	k := KindOf(err)
	return k == KindBanned || k == KindSession
}
