package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies a failed platform command
type ErrorKind int

const (
	// KindTransient failures may succeed on retry (rate limits, 5xx, timeouts)
	KindTransient ErrorKind = iota
	// KindPermanent failures will not succeed on retry
	KindPermanent
	// KindAlreadyAbsent means the target of a removal does not exist
	KindAlreadyAbsent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindAlreadyAbsent:
		return "already_absent"
	default:
		return "unknown"
	}
}

// CommandError reports a failed platform command
type CommandError struct {
	Command    string
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *CommandError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("platform %s failed (%s, status %d): %v", e.Command, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("platform %s failed (%s): %v", e.Command, e.Kind, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// RetryDelay is the wait the platform asked for, zero when it did not
func (e *CommandError) RetryDelay() time.Duration {
	return e.RetryAfter
}

// Transient wraps err as a retryable command failure
func Transient(command string, err error) *CommandError {
	return &CommandError{Command: command, Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable command failure
func Permanent(command string, err error) *CommandError {
	return &CommandError{Command: command, Kind: KindPermanent, Err: err}
}

// AlreadyAbsent reports that the removal target does not exist
func AlreadyAbsent(command string, err error) *CommandError {
	return &CommandError{Command: command, Kind: KindAlreadyAbsent, Err: err}
}

func kindOf(err error) (ErrorKind, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// IsTransient reports whether err is worth retrying. Network timeouts that
// never reached the classifier also count.
func IsTransient(err error) bool {
	if kind, ok := kindOf(err); ok {
		return kind == KindTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsAlreadyAbsent reports whether err means the removal target is gone
func IsAlreadyAbsent(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindAlreadyAbsent
}

// IsPermanent reports whether err is a non-retryable command failure
func IsPermanent(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindPermanent
}
