package apiclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Kind classifies every failure the client returns.
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindServerFault  Kind = "server_fault"
	KindTimeout      Kind = "timeout"
	KindUnreachable  Kind = "unreachable"
	KindUnknown      Kind = "unknown"
)

var kindMessages = map[Kind]string{
	KindInvalidInput: "Invalid data sent to the server",
	KindNotFound:     "Resource not found",
	KindServerFault:  "Internal server error",
	KindTimeout:      "The server is taking too long to respond",
	KindUnreachable:  "Could not connect to the server, check your connection",
	KindUnknown:      "Error communicating with the server",
}

// Message returns the user-facing text for k.
func (k Kind) Message() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return kindMessages[KindUnknown]
}

// Error is the normalized failure returned by every Client call. Error() yields only
// the user-facing message; the raw cause stays reachable through Unwrap for logs.
type Error struct {
	Kind     Kind
	Message  string
	Endpoint Endpoint
	Status   int
	Err      error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, endpoint Endpoint, status int, cause error) *Error {
	return &Error{
		Kind:     kind,
		Message:  kind.Message(),
		Endpoint: endpoint,
		Status:   status,
		Err:      cause,
	}
}

// NormalizeStatus maps a non-2xx HTTP status to a Kind.
func NormalizeStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest:
		return KindInvalidInput
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusInternalServerError:
		return KindServerFault
	case http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindUnknown
	}
}

// NormalizeTransport maps an error raised before any response arrived. Only
// connectivity failures count as unreachable; a *url.Error is judged by its cause.
func NormalizeTransport(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindUnreachable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindUnreachable
	}
	return KindUnknown
}

// KindOf reports the Kind carried by err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}
