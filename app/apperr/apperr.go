// Package apperr classifies pipeline failures into the kinds the CLI and the
// scheduler act on.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindTransport
	KindValidation
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	case KindUnknown:
		return "unknown"
	}
	panic(fmt.Sprintf("apperr: unhandled kind %d", int(k)))
}

// Error carries the failing operation and the path or target it touched.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: failed to %s %s: %v", e.Kind, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: failed to %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Configuration(op string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

func Transport(op, target string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Path: target, Err: err}
}

func Validation(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

func Storage(op, path string, err error) error {
	return &Error{Kind: KindStorage, Op: op, Path: path, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ExitCode maps an error to the process exit status used by the CLI.
// Unclassified failures, cancellation included, exit with 5 so they are not
// mistaken for bad settings.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	switch kind := KindOf(err); kind {
	case KindConfiguration:
		return 1
	case KindTransport:
		return 2
	case KindValidation:
		return 3
	case KindStorage:
		return 4
	case KindUnknown:
		return 5
	default:
		panic(fmt.Sprintf("apperr: unhandled kind %s", kind))
	}
}
