// Package fault defines the error taxonomy shared by every standup component.
//
// Errors carry a Kind (one of the sentinel errors below) so callers can
// branch with errors.Is, while Msg holds caller-correctable detail. Kinds
// decide both retry behavior and the user-facing message.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel kinds. Codes are wire-stable and returned to API callers.
var (
	ErrValidation       = errors.New("VALIDATION")
	ErrNotFound         = errors.New("NOT_FOUND")
	ErrExpired          = errors.New("EXPIRED")
	ErrUnauthenticated  = errors.New("UNAUTHENTICATED")
	ErrPasswordRequired = errors.New("PASSWORD_REQUIRED")
	ErrInvalidPassword  = errors.New("INVALID_PASSWORD")
	ErrSessionFull      = errors.New("SESSION_FULL")
	ErrForbidden        = errors.New("FORBIDDEN")
	ErrInvalidCode      = errors.New("INVALID_CODE")
	ErrExpiredCode      = errors.New("EXPIRED_CODE")
	ErrRateLimited      = errors.New("RATE_LIMITED")
	ErrConflict         = errors.New("CONFLICT")
	ErrTransient        = errors.New("TRANSIENT_UPSTREAM")
)

var kinds = []error{
	ErrValidation,
	ErrNotFound,
	ErrExpired,
	ErrUnauthenticated,
	ErrPasswordRequired,
	ErrInvalidPassword,
	ErrSessionFull,
	ErrForbidden,
	ErrInvalidCode,
	ErrExpiredCode,
	ErrRateLimited,
	ErrConflict,
	ErrTransient,
}

// GenericMessage is shown to users when an upstream dependency keeps failing.
// The detailed cause is logged, never returned.
const GenericMessage = "The service is temporarily unavailable. Please try again in a moment."

// OpError is a typed operation error with a stable Op + Kind contract.
// Msg may include human-readable context; it must not include secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	var s string
	switch {
	case e.Msg != "":
		s = fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	default:
		s = fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns an OpError of the given kind.
func New(op string, kind error, msg string) error {
	return &OpError{Op: op, Kind: kind, Msg: msg}
}

// Newf is New with a formatted message.
func Newf(op string, kind error, format string, args ...any) error {
	return &OpError{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it as the cause.
// A nil err yields nil.
func Wrap(op string, kind error, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Kind: kind, Err: err}
}

// Transient marks err as an upstream failure that exhausted its retries.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) == ErrTransient {
		return err
	}
	return &OpError{Op: op, Kind: ErrTransient, Err: err}
}

// KindOf returns the sentinel kind carried by err, or nil when err is unclassified.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindFromCode maps a wire code back to its sentinel kind, or nil when unknown.
func KindFromCode(code string) error {
	for _, k := range kinds {
		if k.Error() == code {
			return k
		}
	}
	return nil
}

// Code returns the wire code for err. Unclassified errors report TRANSIENT_UPSTREAM.
func Code(err error) string {
	if k := KindOf(err); k != nil {
		return k.Error()
	}
	return ErrTransient.Error()
}

// Retryable reports whether err should be retried by the upstream retry policy.
// Classified errors (other than TRANSIENT_UPSTREAM) and context cancellation are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	k := KindOf(err)
	return k == nil || k == ErrTransient
}

// UserMessage renders a non-empty, human-readable message for err.
// Validation-class errors keep their detail so callers can correct input;
// everything else gets a fixed message per kind.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var oe *OpError
	detail := ""
	if errors.As(err, &oe) {
		detail = oe.Msg
	}

	switch KindOf(err) {
	case ErrValidation:
		if detail != "" {
			return detail
		}
		return "The request is invalid."
	case ErrNotFound:
		if detail != "" {
			return detail
		}
		return "The session was not found. It may have ended; create or join a new one."
	case ErrExpired:
		return "This session has expired. Create a new session to continue."
	case ErrUnauthenticated:
		return "Your email verification is missing or has expired. Verify your email and try again."
	case ErrPasswordRequired:
		return "This session is password protected. Enter the session password."
	case ErrInvalidPassword:
		return "The session password is incorrect."
	case ErrSessionFull:
		return "This session is full."
	case ErrForbidden:
		if detail != "" {
			return detail
		}
		return "Only the session leader can do that."
	case ErrInvalidCode:
		return "The verification code is incorrect."
	case ErrExpiredCode:
		return "The verification code has expired. Request a new code."
	case ErrRateLimited:
		return "Too many attempts. Please wait and try again."
	case ErrConflict:
		return "The session was updated by someone else at the same time. Please retry."
	default:
		return GenericMessage
	}
}

// Is reports whether err carries kind.
func Is(err, kind error) bool { return errors.Is(err, kind) }
