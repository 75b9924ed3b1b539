// Package errors defines the failure taxonomy shared by the extraction
// engine, the job service and the HTTP layer.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind identifies a category of failure.
type Kind string

const (
	KindConfiguration         Kind = "configuration"
	KindEmptyExtraction       Kind = "empty_extraction"
	KindNoApplicableContent   Kind = "no_applicable_content"
	KindExternalCallExhausted Kind = "external_call_exhausted"
	KindResponseParse         Kind = "response_parse"
	KindSchemaViolation       Kind = "schema_violation"
	KindCancelled             Kind = "cancelled"
	KindValidation            Kind = "validation"
	KindNotFound              Kind = "not_found"
	KindInternal              Kind = "internal"
)

// Error is a categorized failure. Stage, Page and Attempts are set for
// failures of external calls (render, ocr, llm_*).
type Error struct {
	Kind     Kind   `json:"kind"`
	Message  string `json:"message"`
	Stage    string `json:"stage,omitempty"`
	Page     int    `json:"page,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Cause    error  `json:"-"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Stage != "" {
		msg = fmt.Sprintf("%s (stage=%s", msg, e.Stage)
		if e.Page > 0 {
			msg = fmt.Sprintf("%s page=%d", msg, e.Page)
		}
		if e.Attempts > 0 {
			msg = fmt.Sprintf("%s attempts=%d", msg, e.Attempts)
		}
		msg += ")"
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrSchemaViolation)
// works for every schema violation regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrConfiguration         = &Error{Kind: KindConfiguration}
	ErrEmptyExtraction       = &Error{Kind: KindEmptyExtraction}
	ErrNoApplicableContent   = &Error{Kind: KindNoApplicableContent}
	ErrExternalCallExhausted = &Error{Kind: KindExternalCallExhausted}
	ErrResponseParse         = &Error{Kind: KindResponseParse}
	ErrSchemaViolation       = &Error{Kind: KindSchemaViolation}
	ErrCancelled             = &Error{Kind: KindCancelled}
	ErrValidation            = &Error{Kind: KindValidation}
	ErrNotFound              = &Error{Kind: KindNotFound}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Configuration(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

func EmptyExtraction(message string) *Error {
	return &Error{Kind: KindEmptyExtraction, Message: message}
}

func NoApplicableContent(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNoApplicableContent, Message: fmt.Sprintf(format, args...)}
}

// ExternalCallExhausted reports a render, OCR or LLM call that ran out of
// attempts or failed fatally.
func ExternalCallExhausted(stage string, page, attempts int, cause error) *Error {
	return &Error{
		Kind:     KindExternalCallExhausted,
		Message:  "external call failed",
		Stage:    stage,
		Page:     page,
		Attempts: attempts,
		Cause:    cause,
	}
}

func ResponseParse(message string, cause error) *Error {
	return &Error{Kind: KindResponseParse, Message: message, Cause: cause}
}

func SchemaViolation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindSchemaViolation, Message: fmt.Sprintf(format, args...)}
}

func Cancelled(stage string, cause error) *Error {
	return &Error{Kind: KindCancelled, Message: "extraction cancelled", Stage: stage, Cause: cause}
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain. Bare context
// cancellation maps to KindCancelled; anything else is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	if stderrors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// As is errors.As specialised to *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := stderrors.As(err, &e)
	return e, ok
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindConfiguration:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindEmptyExtraction, KindNoApplicableContent, KindResponseParse, KindSchemaViolation:
		return http.StatusUnprocessableEntity
	case KindExternalCallExhausted:
		return http.StatusBadGateway
	case KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
