package download

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrHashVerificationFailed means the downloaded bytes do not match the expected digest.
	ErrHashVerificationFailed = errors.New("hash verification failed")
	// ErrSizeMismatch means the downloaded size differs from the expected size.
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrRedirectLoop means a redirect chain revisited a URL.
	ErrRedirectLoop = errors.New("redirect loop")
	// ErrAuthenticationRequired means the server asked for credentials.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrNoSources means a task has no URL to fetch from.
	ErrNoSources = errors.New("no download sources")
	// ErrUnsupportedScheme means no transport is registered for a URL scheme.
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
)

// ErrorKind classifies download failures.
type ErrorKind string

const (
	KindNetwork      ErrorKind = "network"
	KindStatus       ErrorKind = "http-status"
	KindHashMismatch ErrorKind = "hash-mismatch"
	KindSizeMismatch ErrorKind = "size-mismatch"
	KindRedirectLoop ErrorKind = "redirect-loop"
	KindAuth         ErrorKind = "authentication-required"
	KindTransport    ErrorKind = "transport"
)

// Error is a failed fetch from one URL.
type Error struct {
	Kind       ErrorKind
	Task       string
	URL        string
	Realm      string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("download %s from %s: %s", e.Task, e.URL, e.Kind)
	switch {
	case e.Kind == KindAuth && e.Realm != "":
		msg += fmt.Sprintf(" (realm %q)", e.Realm)
	case e.Kind == KindStatus:
		msg += fmt.Sprintf(" %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether trying the same task again can succeed. Hash and size
// mismatches are retryable; redirect loops, missing credentials and client errors
// are not.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRedirectLoop, KindAuth, KindTransport:
		return false
	case KindStatus:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
	default:
		return true
	}
}
