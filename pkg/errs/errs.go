// Package errs defines the error kinds shared by the pipeline, the task manager and the API layer.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindConfiguration   Kind = "configuration"
	KindValidation      Kind = "validation"
	KindDocumentParse   Kind = "document_parse"
	KindAPI             Kind = "api"
	KindState           Kind = "state"
	KindMissingVariable Kind = "missing_template_variable"
	KindNotFound        Kind = "not_found"
	KindUnknown         Kind = "unknown"
)

var (
	ErrConfiguration           = errors.New("configuration error")
	ErrValidation              = errors.New("validation error")
	ErrDocumentParse           = errors.New("document parse error")
	ErrAPI                     = errors.New("llm api error")
	ErrState                   = errors.New("state error")
	ErrMissingTemplateVariable = errors.New("missing template variable")
	ErrNotFound                = errors.New("not found")
)

var sentinels = map[Kind]error{
	KindConfiguration:   ErrConfiguration,
	KindValidation:      ErrValidation,
	KindDocumentParse:   ErrDocumentParse,
	KindAPI:             ErrAPI,
	KindState:           ErrState,
	KindMissingVariable: ErrMissingTemplateVariable,
	KindNotFound:        ErrNotFound,
}

// Error is a kinded error. errors.Is matches both the sentinel of its kind and the wrapped cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	if s, ok := sentinels[e.Kind]; ok && s == target {
		return true
	}
	return false
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Configuration(op, format string, args ...any) error {
	return newf(KindConfiguration, op, format, args...)
}

func Validation(op, format string, args ...any) error {
	return newf(KindValidation, op, format, args...)
}

func State(op, format string, args ...any) error {
	return newf(KindState, op, format, args...)
}

func NotFound(op, format string, args ...any) error {
	return newf(KindNotFound, op, format, args...)
}

func MissingVariable(op, name string) error {
	return &Error{Kind: KindMissingVariable, Op: op, Message: fmt.Sprintf("variable %q not provided", name)}
}

// API wraps a transport failure so the retry policy treats it as transient.
func API(op string, err error) error {
	return &Error{Kind: KindAPI, Op: op, Err: err}
}

func DocumentParse(op string, err error) error {
	return &Error{Kind: KindDocumentParse, Op: op, Err: err}
}

// KindOf returns the kind of the outermost kinded error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsRetryable(err error) bool {
	return KindOf(err) == KindAPI
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindMissingVariable:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindState:
		return http.StatusPreconditionFailed
	case KindAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
