// Package errors defines the structured errors raised by the resolution
// engine. Callers switch on Kind and map it to their own representation.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
)

type Kind string

const (
	KindInvalidInput         Kind = "invalid_input"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindConsistencyViolation Kind = "consistency_violation"
	KindInternal             Kind = "internal"
)

type ResolutionError struct {
	Kind     Kind
	RecordID string
	Field    string
	Message  string
	cause    error
}

func New(kind Kind, msg string) *ResolutionError {
	return &ResolutionError{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *ResolutionError {
	return &ResolutionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an internal error carrying err as its cause.
func Wrap(err error, msg string) *ResolutionError {
	if err == nil {
		return nil
	}
	if re, ok := As(err); ok {
		return re
	}
	return &ResolutionError{Kind: KindInternal, Message: msg, cause: err}
}

func NotFound(recordID string) *ResolutionError {
	return &ResolutionError{Kind: KindNotFound, RecordID: recordID, Message: fmt.Sprintf("record %s not found", recordID)}
}

func InvalidField(field, msg string) *ResolutionError {
	return &ResolutionError{Kind: KindInvalidInput, Field: field, Message: msg}
}

func (e *ResolutionError) Error() string {
	path := []string{}
	if e.RecordID != "" {
		path = append(path, fmt.Sprintf("record '%s'", e.RecordID))
	}
	if e.Field != "" {
		path = append(path, fmt.Sprintf("field '%s'", e.Field))
	}

	msg := e.Message
	if e.cause != nil {
		msg = msg + ": " + e.cause.Error()
	}
	if len(path) == 0 {
		return msg
	}
	return strings.Join(path, " -> ") + ": " + msg
}

func (e *ResolutionError) Unwrap() error {
	return e.cause
}

func (e *ResolutionError) WithRecord(recordID string) *ResolutionError {
	e.RecordID = recordID
	return e
}

func (e *ResolutionError) WithField(field string) *ResolutionError {
	e.Field = field
	return e
}

func (e *ResolutionError) StatusCode() int {
	switch e.Kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindConsistencyViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (e *ResolutionError) ToHTTPError() *httperror.HTTPError {
	message := e.Error()
	if e.Kind == KindInternal {
		message = e.Message
	}
	return httperror.NewHTTPError(e.StatusCode(), message).
		AddMetaValue("kind", string(e.Kind)).
		AddMetaValue("record_id", e.RecordID).
		AddMetaValue("field", e.Field)
}

func As(err error) (*ResolutionError, bool) {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

func IsKind(err error, kind Kind) bool {
	re, ok := As(err)
	return ok && re.Kind == kind
}
