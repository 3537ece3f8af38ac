package signing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("not allowed to access this signature request")
	ErrNotFound        = errors.New("signature request not found")
	ErrAlreadySigned   = errors.New("signature request already signed")
	ErrExpired         = errors.New("signature request expired")
	ErrInvalidRequest  = errors.New("invalid request")
	// ErrTransient marks failures that left no state behind and can be retried.
	ErrTransient = errors.New("temporary failure")
)

type Code string

const (
	CodeUnauthenticated Code = "Unauthenticated"
	CodeForbidden       Code = "Forbidden"
	CodeNotFound        Code = "NotFound"
	CodeAlreadySigned   Code = "AlreadySigned"
	CodeExpired         Code = "Expired"
	CodeInvalidRequest  Code = "InvalidRequest"
	CodeInternal        Code = "Internal"
)

// CodeOf maps an error to its machine-readable code. Anything unclassified
// is Internal.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadySigned):
		return CodeAlreadySigned
	case errors.Is(err, ErrExpired):
		return CodeExpired
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	default:
		return CodeInternal
	}
}

func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadySigned, CodeExpired, CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may safely submit again.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}
