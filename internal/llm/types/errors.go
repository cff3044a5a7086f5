package types

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransport marks failures reaching the provider that are worth retrying:
	// connection errors, truncated streams, throttling and server errors.
	ErrTransport = errors.New("llm transport failure")

	// ErrMaxTurnsExceeded is reported when the loop hits AgentConfig.MaxTurns
	// while the model is still requesting tools.
	ErrMaxTurnsExceeded = errors.New("agentic loop exceeded max turns")
)

// TransportError wraps a retryable provider failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports ErrTransport so callers can use errors.Is.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// StatusError converts a non-200 provider response into an error. 429 and 5xx
// are transport failures; other codes are permanent.
func StatusError(code int, body string) error {
	err := fmt.Errorf("API %d: %s", code, body)
	if code == http.StatusTooManyRequests || code >= 500 {
		return &TransportError{Op: "status", Err: err}
	}
	return err
}
