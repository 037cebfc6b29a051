package tools

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind is the stable classification surfaced in audit entries.
type ErrorKind string

const (
	// KindTransient covers network timeouts, connection errors, HTTP 5xx and
	// rate-limit signals. Eligible for retry and counted by the breaker.
	KindTransient ErrorKind = "tool_transient_error"
	// KindUser covers 4xx (other than 429) and invalid parameters. Never
	// retried and never counted by the breaker.
	KindUser ErrorKind = "tool_user_error"
	// KindUnavailable marks an adapter disabled for missing credentials.
	KindUnavailable ErrorKind = "tool_unavailable"
)

// ToolError is the typed error every adapter surfaces. Adapters never let raw
// vendor errors escape.
type ToolError struct {
	Tool   string
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *ToolError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %v", e.Tool, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Transient reports whether err is a transient tool error.
func Transient(err error) bool {
	var te *ToolError
	return errors.As(err, &te) && te.Kind == KindTransient
}

// UserError reports whether err is a permanent user-class tool error.
func UserError(err error) bool {
	var te *ToolError
	return errors.As(err, &te) && te.Kind == KindUser
}

// ClassifyStatus maps an HTTP status to an error kind. 2xx must not be
// passed here.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 500:
		return KindTransient
	default:
		return KindUser
	}
}

// ClassifyErr wraps a transport-level error for one tool. Context
// cancellation passes through untouched so it is never counted as a failure.
func ClassifyErr(tool string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ToolError{Tool: tool, Kind: KindTransient, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ToolError{Tool: tool, Kind: KindTransient, Err: err}
	}
	// Connection-level failures without a net.Error wrapper.
	return &ToolError{Tool: tool, Kind: KindTransient, Err: err}
}

// StatusError builds a ToolError for a non-2xx response.
func StatusError(tool string, status int, body []byte) *ToolError {
	detail := string(body)
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return &ToolError{
		Tool:   tool,
		Kind:   ClassifyStatus(status),
		Status: status,
		Err:    fmt.Errorf("unexpected response: %s", detail),
	}
}
