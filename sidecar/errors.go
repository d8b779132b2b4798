package sidecar

import "fmt"

// Kind classifies an error by which part of the environment failed.
type Kind int

const (
	KindUnknown Kind = iota
	KindMetadata
	KindContext
	KindAWSAccess
)

// String returns the log-facing name of the kind.
func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "METADATA"
	case KindContext:
		return "CONTEXT"
	case KindAWSAccess:
		return "AWS_ACCESS"
	default:
		return "UNKNOWN"
	}
}

// prefix returns the human-readable message prefix for the kind.
func (k Kind) prefix() string {
	switch k {
	case KindMetadata:
		return "Error importing ECS metadata"
	case KindContext:
		return "Task context incorrect"
	case KindAWSAccess:
		return "Unable to access AWS API"
	default:
		return "Unknown error"
	}
}

// Error is a classified sidecar error. Fatal errors terminate the process
// with a non-zero exit code; non-fatal errors are logged and execution
// continues.
type Error struct {
	Kind    Kind
	Fatal   bool
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.prefix(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.prefix(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// fatalf builds a fatal error of the given kind.
func fatalf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Fatal: true, Message: fmt.Sprintf(format, args...)}
}

// wrapFatal builds a fatal error of the given kind wrapping a cause.
func wrapFatal(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Fatal: true, Message: fmt.Sprintf(format, args...), Err: err}
}
