package escrow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies ledger rejections.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	// KindAuthorization: the caller is not the party the operation requires.
	KindAuthorization
	// KindState: the job status does not allow the operation.
	KindState
	// KindValidation: malformed input.
	KindValidation
	// KindDuplicateAction: the milestone step was already taken.
	KindDuplicateAction
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindValidation:
		return "validation"
	case KindDuplicateAction:
		return "duplicate_action"
	default:
		return "unknown"
	}
}

// Error is a typed rejection. Reason is the human readable message.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels such as ErrState regardless of reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Reason != "" {
		return false
	}
	return t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrAuthorization   = &Error{Kind: KindAuthorization}
	ErrState           = &Error{Kind: KindState}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrDuplicateAction = &Error{Kind: KindDuplicateAction}
)

// ErrJobNotFound is wrapped by lookups of unknown job ids.
var ErrJobNotFound = errors.New("escrow: job not found")

var errNilState = errors.New("escrow engine: state not configured")

// Human readable reasons shared with clients.
const (
	ReasonOnlyClientCanApprove = "Only client can approve"
	ReasonJobUnderDispute      = "Job under dispute"
)

// KindOf returns the ErrorKind carried by err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return KindUnknown
}

func authorizationError(reason string) error {
	return &Error{Kind: KindAuthorization, Reason: reason}
}

func stateError(reason string) error {
	return &Error{Kind: KindState, Reason: reason}
}

func validationError(format string, args ...any) error {
	return &Error{Kind: KindValidation, Reason: fmt.Sprintf(format, args...)}
}

func duplicateError(reason string) error {
	return &Error{Kind: KindDuplicateAction, Reason: reason}
}

func notFoundError(id uint64) error {
	return &Error{Kind: KindValidation, Reason: fmt.Sprintf("Job %d not found", id), Err: ErrJobNotFound}
}
