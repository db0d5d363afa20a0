package namus

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed fetch.
type ErrorKind string

// Fetch failure kinds.
const (
	// KindTransport covers connection, DNS, and timeout failures.
	KindTransport ErrorKind = "transport"
	// KindBadResponse means the payload did not have the expected shape.
	KindBadResponse ErrorKind = "bad_response"
	// KindStatus means the remote answered with a non-2xx status.
	KindStatus ErrorKind = "status"
)

// ErrBodyTooLarge is wrapped by a Transport when a response body exceeds its
// configured cap. The client reports it as a bad response.
var ErrBodyTooLarge = errors.New("response body too large")

// FetchError is returned by every Client operation.
type FetchError struct {
	Op         string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("%s: remote status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf reports the kind of a FetchError anywhere in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// StatusOf reports the remote status code carried by err, or 0.
func StatusOf(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}

func transportErr(op string, err error) *FetchError {
	return &FetchError{Op: op, Kind: KindTransport, Err: err}
}

func badResponse(op string, format string, args ...any) *FetchError {
	return &FetchError{Op: op, Kind: KindBadResponse, Err: fmt.Errorf(format, args...)}
}

func statusErr(op string, code int, body []byte) *FetchError {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return &FetchError{Op: op, Kind: KindStatus, StatusCode: code, Err: fmt.Errorf("body %q", snippet)}
}

// Retryable reports whether err is worth another attempt: transport failures
// and 5xx statuses are, bad responses and 4xx statuses are not.
func Retryable(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Kind {
	case KindTransport:
		return true
	case KindStatus:
		return fe.StatusCode >= 500
	default:
		return false
	}
}
