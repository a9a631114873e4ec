// Package errors defines the error taxonomy of the abuse guard and helpers that
// keep internal detail out of responses returned to untrusted callers.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by who caused it and how callers must react.
type Kind string

const (
	// KindValidation is a malformed identifier, event type or metadata,
	// rejected at the ingestion boundary.
	KindValidation Kind = "validation"
	// KindTransientStore is a timeout or connectivity failure against the
	// shared store.
	KindTransientStore Kind = "transient_store"
	// KindActionExecution is the failure of a single mitigation action.
	KindActionExecution Kind = "action_execution"
	// KindConfiguration is an invalid pattern catalog or config file. Fatal at startup.
	KindConfiguration Kind = "configuration"
)

// Sentinels for errors.Is matching on kind.
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrTransientStore  = &Error{Kind: KindTransientStore}
	ErrActionExecution = &Error{Kind: KindActionExecution}
	ErrConfiguration   = &Error{Kind: KindConfiguration}
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind) + " error"
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match when target is a kind sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Validation returns a KindValidation error.
func Validation(op, format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Configuration returns a KindConfiguration error.
func Configuration(op, format string, args ...interface{}) error {
	return &Error{Kind: KindConfiguration, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps err as a KindTransientStore error.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransientStore, Op: op, Err: err}
}

// ActionFailed wraps err as a KindActionExecution error for the named action.
func ActionFailed(action string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindActionExecution, Op: action, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or
// the empty kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsTransient(err error) bool { return errors.Is(err, ErrTransientStore) }
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }
func IsActionExecution(err error) bool { return errors.Is(err, ErrActionExecution) }
