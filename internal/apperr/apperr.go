// Package apperr carries the service error taxonomy: every guard failure maps
// to one HTTP status and may attach structured detail so the client can
// reconcile local state (current vs expected node, reason code).
package apperr

import (
	"net/http"

	"github.com/pkg/errors"
)

type Error struct {
	Status  int            `json:"-"`
	Message string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// With attaches one structured detail field and returns the same error.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func newError(status int, msg string) *Error {
	return &Error{Status: status, Message: msg}
}

func Validation(msg string) *Error   { return newError(http.StatusBadRequest, msg) }
func Unauthorized(msg string) *Error { return newError(http.StatusUnauthorized, msg) }
func Forbidden(msg string) *Error    { return newError(http.StatusForbidden, msg) }
func NotFound(msg string) *Error     { return newError(http.StatusNotFound, msg) }
func Conflict(msg string) *Error     { return newError(http.StatusConflict, msg) }
func Internal(msg string) *Error     { return newError(http.StatusInternalServerError, msg) }

// From returns the typed error inside err, or wraps it as a 500.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal("internal error")
}

// StatusOf reports the HTTP status for err (500 for untyped errors).
func StatusOf(err error) int {
	return From(err).Status
}

// IsConflict упрощает проверки в тестах и ретраях клиента.
func IsConflict(err error) bool {
	return StatusOf(err) == http.StatusConflict
}
