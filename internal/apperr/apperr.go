// Package apperr defines the error taxonomy shared by the orchestrator and its
// boundaries. Every failure that reaches a caller or an event consumer is an
// *Error carrying a Kind, so it can be rendered as a structured payload.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and event consumers.
type Kind string

const (
	KindModelLoad     Kind = "model_load"
	KindDuplicatePath Kind = "duplicate_path"
	KindTranscription Kind = "transcription"
	KindScan          Kind = "scan"
	KindQueueFull     Kind = "queue_full"
	KindNotFound      Kind = "not_found"
	KindInvalid       Kind = "invalid_request"
	KindCancelled     Kind = "cancelled"
	KindInternal      Kind = "internal"
)

// Error is the structured error type used across the service.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same kind, so sentinel comparisons like
// errors.Is(err, &Error{Kind: KindDuplicatePath}) work.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && (other.Message == "" || other.Message == e.Message)
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// ModelLoad reports that model weights could not be loaded onto a device.
func ModelLoad(model string, cause error) *Error {
	return newError(KindModelLoad, cause, "failed to load model %q", model).WithDetail("model", model)
}

// DuplicatePath reports that a path is already claimed by an active job.
func DuplicatePath(path, jobID string) *Error {
	return newError(KindDuplicatePath, nil, "%s is already queued", path).
		WithDetail("path", path).
		WithDetail("job_id", jobID)
}

// Transcription reports that inference failed for one file.
func Transcription(path string, cause error) *Error {
	return newError(KindTranscription, cause, "transcription of %s failed", path).WithDetail("path", path)
}

// Scan reports that the watched directory could not be listed.
func Scan(dir string, cause error) *Error {
	return newError(KindScan, cause, "failed to scan %s", dir).WithDetail("directory", dir)
}

// QueueFull reports that the pending queue reached its capacity.
func QueueFull(capacity int) *Error {
	return newError(KindQueueFull, nil, "queue is full (%d pending jobs)", capacity)
}

// NotFound reports a missing job, transcript or file.
func NotFound(resource, id string) *Error {
	return newError(KindNotFound, nil, "%s %s not found", resource, id)
}

// Invalid reports a malformed or unacceptable request.
func Invalid(format string, args ...any) *Error {
	return newError(KindInvalid, nil, format, args...)
}

// Cancelled reports that a job was cancelled before it ran.
func Cancelled(jobID string) *Error {
	return newError(KindCancelled, nil, "job %s was cancelled", jobID)
}

// Internal reports an unexpected failure such as a recovered panic.
func Internal(cause error, format string, args ...any) *Error {
	return newError(KindInternal, cause, format, args...)
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Payload is the wire form of an error.
type Payload struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// PayloadOf renders err as a structured payload. Foreign errors become
// internal errors carrying their text.
func PayloadOf(err error) Payload {
	if err == nil {
		return Payload{}
	}
	var e *Error
	if errors.As(err, &e) {
		msg := e.Message
		if e.Cause != nil {
			msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
		}
		return Payload{Kind: e.Kind, Message: msg}
	}
	return Payload{Kind: KindInternal, Message: err.Error()}
}

// HTTPStatus maps an error kind to the response status used by the HTTP boundary.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindDuplicatePath:
		return http.StatusConflict
	case KindQueueFull:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalid:
		return http.StatusBadRequest
	case KindCancelled:
		return http.StatusGone
	case KindModelLoad:
		return http.StatusServiceUnavailable
	case KindTranscription:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
