package emulator

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a store API failure with the HTTP status it is reported with
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func apiError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func badRequest(format string, args ...any) *Error {
	return apiError(http.StatusBadRequest, format, args...)
}

func notFound(format string, args ...any) *Error {
	return apiError(http.StatusNotFound, format, args...)
}

func preconditionFailed(format string, args ...any) *Error {
	return apiError(http.StatusPreconditionFailed, format, args...)
}

func conflict(format string, args ...any) *Error {
	return apiError(http.StatusConflict, format, args...)
}

// statusOf returns the HTTP status and message to report for err
func statusOf(err error) (int, string) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code, apiErr.Message
	}
	return http.StatusInternalServerError, "Internal error encountered."
}
