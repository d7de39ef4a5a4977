package grabhttp

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAlreadyDownloading = errors.New("download already in progress")
	ErrInvalidURL         = errors.New("invalid URL")
	ErrSinkUnavailable    = errors.New("sink unavailable")
	ErrTimeout            = errors.New("request timed out")
	ErrAborted            = errors.New("download aborted")
)

// Result codes handed to embedding applications.
const (
	CodeSuccess            = 0
	CodeAlreadyDownloading = -1
	CodeInvalidURL         = -2
	CodeSinkUnavailable    = -3
	CodeTransportFailure   = -4
)

// TransportError reports a request that failed after it was submitted.
// StatusCode is zero when no response was received.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: server returned %d %s", e.Op, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Code maps an error returned by Start or delivered on completion to its
// result code.
func Code(err error) int {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, ErrAlreadyDownloading):
		return CodeAlreadyDownloading
	case errors.Is(err, ErrInvalidURL):
		return CodeInvalidURL
	case errors.Is(err, ErrSinkUnavailable):
		return CodeSinkUnavailable
	default:
		return CodeTransportFailure
	}
}

// IsAborted reports whether a completion error came from Stop.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}

func statusError(op, rawURL string, code int) *TransportError {
	return &TransportError{Op: op, URL: rawURL, StatusCode: code, Err: fmt.Errorf("unexpected status code: %d", code)}
}
