package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

var (
	// ErrIterationLimitExceeded ends a turn whose model kept requesting tools.
	// The session stays resumable from its head.
	ErrIterationLimitExceeded = errors.New("iteration limit exceeded")
	// ErrCancelled ends a turn whose context was cancelled or aborted.
	ErrCancelled = errors.New("turn cancelled")
	// ErrTransientProvider is returned once retries of a transient model error are exhausted.
	ErrTransientProvider = errors.New("transient provider error")
	// ErrNothingToResume is returned for an empty input when the head has
	// nothing left to answer.
	ErrNothingToResume = errors.New("no input and nothing to resume")
)

// TransientError marks a model failure as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether a model error is worth retrying: timeouts,
// rate limits, server errors, and dropped connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return retryableStatus(anthropicErr.StatusCode)
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return retryableStatus(openaiErr.StatusCode)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"econnreset", "etimedout", "connection reset", "rate limit", "timeout", "429", "500", "502", "503", "504", "529"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// State is a position in the turn state machine.
type State string

const (
	StateAwaitingInput    State = "awaiting_input"
	StateGenerating       State = "generating"
	StateDispatchingTools State = "dispatching_tools"
	StateDone             State = "done"
	StateError            State = "error"
)

// TurnError reports why a turn ended in StateError. State is where the
// failure happened; Unwrap yields the sentinel.
type TurnError struct {
	SessionID  string
	State      State
	Reason     string
	Iterations int
	Err        error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn %s in %s after %d iteration(s): %v", e.Reason, e.State, e.Iterations, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// Turn failure reasons.
const (
	ReasonIterationLimit    = "iteration_limit"
	ReasonCancelled         = "cancelled"
	ReasonTransientProvider = "transient_provider"
	ReasonProvider          = "provider_error"
	ReasonSession           = "session_error"
	ReasonInput             = "invalid_input"
)
