package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a backend failure so callers can branch on the cause
// instead of matching on message text.
type ErrorKind string

const (
	// KindTimeout: the request exceeded the gateway timeout.
	KindTimeout ErrorKind = "timeout"
	// KindRateLimited: the backend rejected the request on rate or quota.
	KindRateLimited ErrorKind = "rate_limited"
	// KindAuth: credential problem; not retryable by the user.
	KindAuth ErrorKind = "auth"
	// KindNetwork: transient connectivity failure.
	KindNetwork ErrorKind = "network"
	// KindUnclassified: any other backend failure.
	KindUnclassified ErrorKind = "unclassified"
)

// Error is a classified backend failure returned by the gateway.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway: %s backend %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway: %s backend %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classifyStatus maps a non-2xx HTTP status to an ErrorKind.
func classifyStatus(status int) ErrorKind {
	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindUnclassified
	}
}

// classifyTransport maps a transport-level error (no HTTP response) to an
// ErrorKind.
func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindNetwork
}

func newHTTPError(provider string, status int, body string) *Error {
	return &Error{
		Kind:       classifyStatus(status),
		Provider:   provider,
		StatusCode: status,
		Err:        fmt.Errorf("unexpected status %d: %s", status, body),
	}
}

func newTransportError(provider string, err error) *Error {
	return &Error{
		Kind:     classifyTransport(err),
		Provider: provider,
		Err:      err,
	}
}
