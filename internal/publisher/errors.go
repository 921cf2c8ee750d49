package publisher

import (
	"errors"
	"fmt"
)

// Kind classifies a publish failure
type Kind string

const (
	// KindValidation is bad local input the caller must fix
	KindValidation Kind = "VALIDATION_ERROR"
	// KindAuth is a credential that could not be loaded or exchanged
	KindAuth Kind = "AUTH_ERROR"
	// KindRemote is a rejection by the remote store
	KindRemote Kind = "REMOTE_ERROR"
	// KindUpload is a failed or ambiguous artifact transfer
	KindUpload Kind = "UPLOAD_ERROR"
	// KindTimeout is an upload that outlived the polling budget
	KindTimeout Kind = "TIMEOUT_ERROR"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrAuth       = &Error{Kind: KindAuth}
	ErrRemote     = &Error{Kind: KindRemote}
	ErrUpload     = &Error{Kind: KindUpload}
	ErrTimeout    = &Error{Kind: KindTimeout}
)

// Error is a typed publish failure
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func validationError(op, format string, args ...any) *Error {
	return newError(KindValidation, op, fmt.Sprintf(format, args...), nil)
}

// KindOf returns the kind of a publish error, or "" for foreign errors
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}
