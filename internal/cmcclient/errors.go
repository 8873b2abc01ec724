package cmcclient

import (
	"errors"
	"fmt"
)

// Kind classifies a failure talking to a device.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuth            Kind = "auth-failure"
	KindNetwork         Kind = "device-unreachable"
	KindInvalidResponse Kind = "invalid-response"
	KindUpstream        Kind = "upstream-rejected"
)

// Error carries the failure category plus whatever the device sent back.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	// Body is the device response (decoded JSON or {"response": text}) when there was one.
	Body any
	// Timeout is set on network failures caused by a deadline.
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the category of err, or "" when err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Validationf builds a validation failure; it is raised before any network call.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}
