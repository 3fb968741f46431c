package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed platform call.
type ErrorKind int

const (
	// KindNetwork covers dial, TLS, timeout and decode failures.
	KindNetwork ErrorKind = iota
	KindHTTP4xx
	KindHTTP5xx
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindHTTP4xx:
		return "http_4xx"
	case KindHTTP5xx:
		return "http_5xx"
	default:
		return "unknown"
	}
}

// Error is returned by every Client call that did not produce a 2xx.
type Error struct {
	Kind       ErrorKind
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindNetwork && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s: status %d", e.Endpoint, e.StatusCode)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func statusError(endpoint string, status int, message string) *Error {
	kind := KindHTTP4xx
	if status >= 500 {
		kind = KindHTTP5xx
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{Kind: kind, Endpoint: endpoint, StatusCode: status, Message: message}
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

// IsUnauthorized reports a 401 response.
func IsUnauthorized(err error) bool { return StatusCode(err) == http.StatusUnauthorized }

// IsNotFound reports a 404 response, which the platform uses for an unknown agent.
func IsNotFound(err error) bool { return StatusCode(err) == http.StatusNotFound }

// IsClientError reports any 4xx response.
func IsClientError(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindHTTP4xx
}

// IsRetryable reports network failures, 5xx and 429 responses.
func IsRetryable(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	return te.Kind == KindNetwork || te.Kind == KindHTTP5xx || te.StatusCode == http.StatusTooManyRequests
}
