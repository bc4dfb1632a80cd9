package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrorKind buckets backend failures for retry decisions.
type ErrorKind int

const (
	// KindUnknown is anything the classifier could not place.
	KindUnknown ErrorKind = iota
	// KindRateLimit is HTTP 429.
	KindRateLimit
	// KindServerError is HTTP 5xx and transport-level transient failures.
	KindServerError
	// KindClientError is any other HTTP 4xx; not retryable.
	KindClientError
	// KindAborted is a canceled or timed-out context.
	KindAborted
)

// String returns a short name for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindServerError:
		return "server_error"
	case KindClientError:
		return "client_error"
	case KindAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this kind are worth retrying.
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimit || k == KindServerError
}

// BackendError is a classified failure from a model backend. StatusCode is
// zero when the backend did not surface an HTTP status.
type BackendError struct {
	StatusCode int
	Model      string
	Message    string
	Err        error
}

func (e *BackendError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend error (status %d): %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("backend error: %s", msg)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// LoopDetectedError aborts a turn when the model repeats itself.
type LoopDetectedError struct {
	// Reason is "tool_calls" or "content".
	Reason string
}

func (e *LoopDetectedError) Error() string {
	return fmt.Sprintf("loop detected in model output (%s)", e.Reason)
}

// statusPattern finds a bare HTTP status code in an error message, e.g.
// "got 429 from upstream" or "Error: 503".
var statusPattern = regexp.MustCompile(`\b([45]\d{2})\b`)

// Classify maps an error onto an ErrorKind. It prefers the structured path
// (a BackendError with a status code, or a context sentinel) and falls back
// to substring and regex heuristics over the message. The heuristic branch
// is best effort, not exhaustive.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindAborted
	}

	var backendErr *BackendError
	if errors.As(err, &backendErr) && backendErr.StatusCode != 0 {
		return kindForStatus(backendErr.StatusCode)
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "quota exceeded"),
		strings.Contains(msg, "too many requests"):
		return KindRateLimit
	case strings.Contains(msg, "internal server error"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "unexpected eof"):
		return KindServerError
	}

	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		code, convErr := strconv.Atoi(m[1])
		if convErr == nil {
			return kindForStatus(code)
		}
	}

	return KindUnknown
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimit
	case status >= 500 && status < 600:
		return KindServerError
	case status >= 400 && status < 500:
		return KindClientError
	default:
		return KindUnknown
	}
}
