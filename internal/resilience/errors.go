package resilience

import (
	"context"
	"errors"
	"net"
	"slices"
	"strings"
	"syscall"
)

// TransientError marks an error as safe to retry. StatusCode is the HTTP
// status that produced it, or zero.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// transientTargets are matched with errors.Is anywhere in the chain.
var transientTargets = []error{
	context.DeadlineExceeded, // per-attempt timeout
	ErrCircuitOpen,
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
}

// transientMessages catch failures whose typed error was flattened into a
// string by a driver or proxy. Matched against the lowercased message.
var transientMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
	"database is locked",
	"sqlite_busy",
}

// IsTransient reports whether err is worth retrying: a TransientError, an
// attempt deadline, an open circuit, a network timeout or a known
// connection-level failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if slices.ContainsFunc(transientTargets, func(target error) bool { return errors.Is(err, target) }) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	return slices.ContainsFunc(transientMessages, func(p string) bool { return strings.Contains(msg, p) })
}

// transientStatus lists HTTP statuses the classification API returns for
// conditions that clear on their own. 409 is lock contention and 529 is
// overload.
var transientStatus = map[int]bool{
	408: true,
	409: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
	529: true,
}

// IsTransientHTTPStatus reports whether an HTTP status is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	return transientStatus[statusCode]
}
