// Package fault classifies errors from providers, the store, and transports
// into a small taxonomy that drives retry and fail decisions. Classification
// is a pure function of the response and transport error so that every caller
// reaches the same retry decision.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind is the failure class of an error.
type Kind string

const (
	// Validation covers malformed input, schema non-conformance, over-size
	// PDFs, and non-allow-listed hosts. Never retried.
	Validation Kind = "VALIDATION"

	// Auth means provider credentials were rejected. Fatal for the job.
	Auth Kind = "AUTH"

	// Quota means the provider rate or quota was exceeded.
	Quota Kind = "QUOTA"

	// Timeout means a per-call or per-job budget was exhausted. Not retried.
	Timeout Kind = "TIMEOUT"

	// Transient covers 5xx, transport resets, DNS flakiness, and generic
	// socket errors. Retried per schedule.
	Transient Kind = "TRANSIENT"

	// UnknownDoctype is the VALIDATION subclass an OCR provider returns when
	// it cannot determine the document type from a URL. Triggers the
	// URL-to-bytes fallback.
	UnknownDoctype Kind = "PROVIDER_UNKNOWN_DOCTYPE"

	// Conflict means a concurrent state advance lost the race. Callers treat
	// it as a no-op.
	Conflict Kind = "CONFLICT"

	// NotFound means the requested row does not exist.
	NotFound Kind = "NOT_FOUND"

	// Unknown is returned by KindOf for errors that carry no classification.
	// Unknown errors are surfaced, not retried.
	Unknown Kind = "UNKNOWN"
)

// Stage tags an error with the pipeline stage that produced it. The tag is
// part of the persisted error message.
type Stage string

const (
	StageOCR      Stage = "OCR"
	StageLLM      Stage = "LLM"
	StageComplete Stage = "COMPLETE"
	StageStore    Stage = "STORE"
)

// Error is a classified failure. Message excludes secrets; Redact is applied
// again at persistence as a backstop.
type Error struct {
	Kind    Kind
	Stage   Stage
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s", e.Stage, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error.
func New(kind Kind, stage Stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, keeping it as the cause.
func Wrap(kind Kind, stage Stage, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithStage returns a copy of err tagged with stage if err is classified and
// untagged; otherwise it wraps err unchanged in kind Unknown under stage.
func WithStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Stage != "" {
			return err
		}
		return &Error{Kind: fe.Kind, Stage: stage, Message: fe.Message, Cause: fe.Cause}
	}
	return &Error{Kind: Unknown, Stage: stage, Message: err.Error(), Cause: err}
}

// KindOf returns the classification of err, unwrapping as needed.
// Context deadline errors classify as Timeout so budget exhaustion is
// terminal everywhere.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Timeout
		}
		return Transient
	}
	return Unknown
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == Transient
}

// IsConflict reports whether err is a lost state-advance race.
func IsConflict(err error) bool {
	return KindOf(err) == Conflict
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return KindOf(err) == NotFound
}

// IsUnknownDoctype reports whether err is the OCR rejection that permits the
// URL-to-bytes fallback.
func IsUnknownDoctype(err error) bool {
	return KindOf(err) == UnknownDoctype
}

// unknownDoctypeMarker is the provider message fragment that identifies a
// URL-form rejection eligible for fallback.
const unknownDoctypeMarker = "could not determine document type"

// ClassifyHTTP maps a provider HTTP response to a Kind. body is the raw
// response body, used only for message-fragment checks.
func ClassifyHTTP(statusCode int, body string) Kind {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return Auth
	case statusCode == http.StatusTooManyRequests:
		return Quota
	case statusCode == http.StatusRequestTimeout:
		return Timeout
	case statusCode >= 500:
		return Transient
	case statusCode >= 400:
		if strings.Contains(strings.ToLower(body), unknownDoctypeMarker) {
			return UnknownDoctype
		}
		return Validation
	default:
		return Transient
	}
}

// ClassifyTransport maps a transport-level error (client.Do failed before a
// response existed) to a Kind.
func ClassifyTransport(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}
	return Transient
}
