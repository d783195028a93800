package ducobox

import (
	"errors"
	"fmt"
)

var (
	ErrConnectivity             = errors.New("ducobox unreachable")
	ErrTimeout                  = errors.New("ducobox request timed out")
	ErrMalformedResponse        = errors.New("ducobox malformed response")
	ErrCommandRejected          = errors.New("ducobox rejected command")
	ErrIntrospectionUnsupported = errors.New("ducobox does not expose action introspection")
	ErrInvalidState             = errors.New("invalid ventilation state")
	ErrNotReady                 = errors.New("ducobox not ready")
)

// Error is returned by Client calls. Kind is one of ErrConnectivity,
// ErrMalformedResponse or ErrIntrospectionUnsupported.
type Error struct {
	Op    string
	URL   string
	Field string
	Kind  error
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Kind)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %s)", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// UpdateFailedError is what observers see when setup or a poll fails. Cause is
// meant for humans; Err keeps the client error for errors.Is checks.
type UpdateFailedError struct {
	Cause string
	Err   error
}

func (e *UpdateFailedError) Error() string {
	return e.Cause
}

func (e *UpdateFailedError) Unwrap() error {
	return e.Err
}
