// Package errors wraps pkg/errors and adds error codes so that callers can
// match on the kind of failure without comparing message strings.
package errors

import (
	"github.com/pkg/errors"
)

// Code identifies a kind of error. Every domain package declares its own
// codes and checks them with Is().
type Code string

// ErrUncoded is the code carried by errors that were created without one.
const ErrUncoded Code = "Uncoded"

// New returns a stack-annotated error carrying the given code.
func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...interface{}) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: errors.Errorf(format, args...).Error(),
	})
}

// Is reports whether err (or any error in its cause chain) carries the
// target code. It is a fork of the Is() from pkg/errors which takes a Code
// instead of an error value.
func Is(err error, target Code) bool {
	match := codedError{
		Code: target,
	}
	return errors.Is(err, match)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

func WithMessagef(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, fmt string, args ...interface{}) error {
	return errors.Wrapf(err, fmt, args...)
}

// CodeOf returns the code carried by err's cause, or ErrUncoded.
func CodeOf(err error) Code {
	if ce, ok := errors.Cause(err).(codedError); ok {
		return ce.Code
	}
	return ErrUncoded
}

// codedError is the concrete error type carrying a Code.
type codedError struct {
	Code    Code
	Message string
}

func (ce codedError) Error() string {
	return ce.Message
}

func (ce codedError) Is(err error) bool {
	if e, ok := err.(codedError); ok && ce.Code == e.Code {
		return true
	}
	return false
}
