package service

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindNotReady Kind = iota + 1
	KindValidation
	KindModelFailure
	KindInitialization
)

func (k Kind) String() string {
	switch k {
	case KindNotReady:
		return "not_ready"
	case KindValidation:
		return "validation"
	case KindModelFailure:
		return "model_failure"
	case KindInitialization:
		return "initialization"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels for errors.Is checks against an *Error of the matching kind.
var (
	ErrNotReady       = &Error{Kind: KindNotReady, Message: "service not ready"}
	ErrValidation     = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrModelFailure   = &Error{Kind: KindModelFailure, Message: "transcription failed"}
	ErrInitialization = &Error{Kind: KindInitialization, Message: "model initialization failed"}
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the taxonomy kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
