package supabase

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure categories of Management API calls. Match them with errors.Is.
var (
	ErrAuth                = errors.New("supabase: authentication failed")
	ErrUpstreamUnavailable = errors.New("supabase: upstream unavailable")
	ErrQueryFailed         = errors.New("supabase: query failed")
	ErrRequestRejected     = errors.New("supabase: request rejected")
	ErrMalformedResponse   = errors.New("supabase: malformed response")
)

// APIError carries the upstream status and body of a failed call.
type APIError struct {
	Kind       error
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// classifyStatus maps a non-2xx response to a failure category. Client errors
// from the SQL endpoint are query failures; elsewhere they are rejections.
func classifyStatus(op string, status int, body []byte) *APIError {
	e := &APIError{Op: op, StatusCode: status, Body: truncateBody(body)}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = ErrAuth
	case status == http.StatusTooManyRequests || status >= 500:
		e.Kind = ErrUpstreamUnavailable
	case op == OpRunQuery:
		e.Kind = ErrQueryFailed
	default:
		e.Kind = ErrRequestRejected
	}
	return e
}

const maxErrorBody = 2048

func truncateBody(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}

// StatusCode returns the upstream HTTP status of err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// ResponseBody returns the upstream response body of err, or "".
func ResponseBody(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Body
	}
	return ""
}
