// Package apperr defines the typed errors surfaced by chat-service operations.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindForbidden          Kind = "forbidden"
	KindCapacityExceeded   Kind = "capacity_exceeded"
	KindUnavailable        Kind = "unavailable"
	KindExternalSyncFailed Kind = "external_sync_failed"
	KindInternal           Kind = "internal"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg != "" {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

func Wrap(kind Kind, msg string, err error) *Error { return &Error{Kind: kind, Msg: msg, Err: err} }

func Validation(msg string) *Error { return New(KindValidation, msg) }
func NotFound(msg string) *Error { return New(KindNotFound, msg) }
func Conflict(msg string) *Error { return New(KindConflict, msg) }
func Forbidden(msg string) *Error { return New(KindForbidden, msg) }
func Capacity(msg string) *Error { return New(KindCapacityExceeded, msg) }
func Unavailable(err error) *Error { return Wrap(KindUnavailable, "store unavailable", err) }
func Internal(err error) *Error { return Wrap(KindInternal, "internal error", err) }

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindCapacityExceeded:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindExternalSyncFailed:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
