package core

import (
	"errors"
	"fmt"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

// Error represents an HTTP API error.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	Code       string    `json:"code,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrBackend        ErrorType = "backend_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{Type: ErrRateLimit, Message: message, RetryAfter: &retryAfter}
}

func NewOverloadedError(message string) *Error {
	return &Error{Type: ErrOverloaded, Message: message}
}

// ErrorKind is the class of a stream error reported to a live client.
type ErrorKind string

const (
	KindNegotiationDowngrade   ErrorKind = "negotiation_downgrade"
	KindCorruptStream          ErrorKind = "corrupt_stream"
	KindBackendTimeout         ErrorKind = "backend_timeout"
	KindBackendFailure         ErrorKind = "backend_failure"
	KindActionTimeout          ErrorKind = "action_timeout"
	KindAnnotationAnomaly      ErrorKind = "annotation_anomaly"
	KindUnresolvedActionResult ErrorKind = "unresolved_action_result"
	KindFatalStream            ErrorKind = "fatal_stream_error"
)

// StreamError is a failure scoped to one live session.
type StreamError struct {
	Kind    ErrorKind
	Stage   types.Stage
	Fatal   bool
	Message string
	Err     error
}

func (e *StreamError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Stage, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *StreamError) Unwrap() error { return e.Err }

// NewStreamError builds a stream error; only fatal_stream_error is fatal by kind.
func NewStreamError(kind ErrorKind, stage types.Stage, message string, err error) *StreamError {
	return &StreamError{
		Kind:    kind,
		Stage:   stage,
		Fatal:   kind == KindFatalStream,
		Message: message,
		Err:     err,
	}
}

// IsFatal reports whether err terminates the session.
func IsFatal(err error) bool {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Fatal
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Permanent
	}
	return false
}

// BackendError is returned by backend adapters.
type BackendError struct {
	Backend   string
	Stage     types.Stage
	Status    int
	Permanent bool
	Err       error
}

func (e *BackendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s backend: status %d: %v", e.Backend, e.Stage, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s backend: %v", e.Backend, e.Stage, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendHTTPError classifies an upstream HTTP status. 401 and 403 are permanent.
func NewBackendHTTPError(backend string, stage types.Stage, status int, body string) *BackendError {
	return &BackendError{
		Backend:   backend,
		Stage:     stage,
		Status:    status,
		Permanent: status == 401 || status == 403,
		Err:       errors.New(body),
	}
}
