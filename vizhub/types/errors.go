package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the orchestrator.
type ErrorKind string

const (
	KindConfiguration       ErrorKind = "configuration"
	KindResourceAcquisition ErrorKind = "resource_acquisition"
	KindSpawn               ErrorKind = "spawn"
	KindRouting             ErrorKind = "routing"
	KindBackend             ErrorKind = "backend"
	KindNotFound            ErrorKind = "not_found"
)

// Error is a classified failure. Subject names the thing that failed (a
// directory, an instance ID, a job name) and is included in the message.
type Error struct {
	Kind    ErrorKind
	Op      string
	Subject string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Subject != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Subject)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there
// is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func ConfigurationError(op, subject string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Subject: subject, Err: err}
}

func ResourceError(op string, err error) error {
	return &Error{Kind: KindResourceAcquisition, Op: op, Err: err}
}

func SpawnError(subject string, err error) error {
	return &Error{Kind: KindSpawn, Op: "spawn", Subject: subject, Err: err}
}

func RoutingError(subject string, err error) error {
	return &Error{Kind: KindRouting, Op: "register route", Subject: subject, Err: err}
}

func BackendError(op string, err error) error {
	return &Error{Kind: KindBackend, Op: op, Err: err}
}

func NotFoundError(op, subject string) error {
	return &Error{Kind: KindNotFound, Op: op, Subject: subject, Err: errors.New("not found")}
}
