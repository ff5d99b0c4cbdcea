// File: internal/binance/errors.go
package binance

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by operations that need an open transport.
// Callers queue through the desired subscription set and rely on the
// reconnect replay instead of spinning on this error.
var ErrNotConnected = errors.New("binance: not connected")

// ConnectionError reports a transport that never opened.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("binance: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DecodeError reports a malformed frame. Recoverable: the frame is dropped
// and the session continues.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("binance: decode frame: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// CommandError is the provider's rejection of a subscribe or unsubscribe
// command. The session stays up; only the command failed.
type CommandError struct {
	ID   int
	Code int
	Msg  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("binance: command %d rejected: (%d) %s", e.ID, e.Code, e.Msg)
}

// StatusError carries the numeric status of a failed REST call so backfill
// batching can tell a rate limit from a permanent failure.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("binance: rest status %d: %s", e.Code, e.Body)
}

// RateLimited reports whether the call should be retried after a delay.
// 418 is the exchange's ban escalation of 429.
func (e *StatusError) RateLimited() bool { return e.Code == 429 || e.Code == 418 }
