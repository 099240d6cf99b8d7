package types

import (
	"errors"
	"fmt"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// FaultKind classifies a control loop failure.
type FaultKind string

const (
	// Recoverable: the link is torn down and re-established by its owner.
	FaultLinkBroken FaultKind = "link_broken"

	// Fatal: a human has to fix the setup before the loop can run again.
	FaultConfig       FaultKind = "config"
	FaultConnection   FaultKind = "connection"
	FaultProtocol     FaultKind = "protocol"
	FaultPrecondition FaultKind = "precondition"
	FaultTimeout      FaultKind = "timeout"
)

// ErrLinkBroken matches every recoverable fault via errors.Is.
var ErrLinkBroken = errors.New("link broken")

// Fault is the error type crossing component boundaries of the control loop.
type Fault struct {
	Kind FaultKind
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.Op)
	}
	return fmt.Sprintf("%s: %s: %v", f.Kind, f.Op, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

func (f *Fault) Is(target error) bool {
	return target == ErrLinkBroken && f.Kind == FaultLinkBroken
}

// Recoverable reports whether the owner of the link may retry.
func (f *Fault) Recoverable() bool {
	return f.Kind == FaultLinkBroken
}

// LinkBroken wraps a severed or unreadable transport.
func LinkBroken(op string, err error) error {
	return &Fault{Kind: FaultLinkBroken, Op: op, Err: err}
}

// Fatal wraps err as a non-recoverable fault of the given kind.
func Fatal(kind FaultKind, op string, err error) error {
	return &Fault{Kind: kind, Op: op, Err: err}
}

func Fatalf(kind FaultKind, op, format string, args ...any) error {
	return &Fault{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// IsRecoverable reports whether err carries a link_broken fault.
func IsRecoverable(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Recoverable()
	}
	return false
}

// IsFatal reports whether err carries a fault that must end the run.
func IsFatal(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return !f.Recoverable()
	}
	return false
}

// KindOf returns the fault kind of err, or "" when err is not a Fault.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}
