package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Domain sentinels. Wrap with fmt.Errorf("...: %w") and test with errors.Is.
var (
	// ErrInvalidKeyFormat is returned before any network call when a license
	// key does not match XXXX-XXXX-XXXX-XXXX.
	ErrInvalidKeyFormat = errors.New("invalid license key format")

	// ErrLicenseRejected is an explicit "invalid" verdict from the server.
	ErrLicenseRejected = errors.New("license rejected")

	// ErrBindingFailed means the key validated but could not be bound to
	// this device. Nothing is persisted in that case.
	ErrBindingFailed = errors.New("license binding failed")

	// ErrRateLimited is returned by local limiters, not by the backend.
	ErrRateLimited = errors.New("rate limited")
)

// TransportError wraps a failure to reach the backend at all: DNS, dial,
// TLS, timeout or a cancelled context.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the underlying failure was a deadline.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// StatusError is a non-2xx response that carried no usable verdict.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
}

// Transient reports whether the same request may succeed later.
func (e *StatusError) Transient() bool {
	switch {
	case e.Code >= 500:
		return true
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// ValidationError describes malformed input on a single field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsTransient reports whether err is worth retrying: transport failures and
// transient status codes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsNetwork reports whether err came from talking to the backend rather than
// from a verdict. Such errors never change persisted license data.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	var se *StatusError
	return errors.As(err, &te) || errors.As(err, &se)
}
