// Package errs defines the broker's shared error taxonomy.
//
// Value-level results (not-found, needs-clarification, policy-denied)
// flow as plain returned structs per spec; this package is reserved for
// true errors — malformed input, state-machine violations, and
// infrastructure failures — each tagged with a stable Kind so callers
// can branch with errors.Is/errors.As without string matching.
package errs

import "fmt"

// Kind is a stable, comparable error classification.
type Kind string

const (
	KindValidation               Kind = "validation"
	KindUnknownCartridge         Kind = "unknown_cartridge"
	KindCannotInferCartridge     Kind = "cannot_infer_cartridge"
	KindBindingMismatch          Kind = "binding_mismatch"
	KindStaleVersion             Kind = "stale_version"
	KindCannotTransition         Kind = "cannot_transition"
	KindDuplicateApprover        Kind = "duplicate_approver"
	KindCartridgeExecutionFailed Kind = "cartridge_execution_failed"
	KindDirectExecutionForbidden Kind = "direct_execution_forbidden"
	KindStorageError             Kind = "storage_error"
	KindAuditChainBroken         Kind = "audit_chain_broken"
	KindNotFound                 Kind = "not_found"
	KindUnauthorizedResponder    Kind = "unauthorized_responder"
)

// Error is the broker's canonical error type.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.Sentinel(errs.KindX)) style matching by
// Kind: it compares e.Kind to a target *Error's Kind and reports false
// for any other target type.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error wrapping a lower-level cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Sentinel returns a zero-value *Error of the given kind, suitable as an
// errors.Is target: `errors.Is(err, errs.Sentinel(errs.KindStaleVersion))`.
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}
