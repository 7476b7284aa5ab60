// Package kerr defines the core's shared error-kind taxonomy (spec §7).
// The teacher (biscuit/src/defs) encodes errors as negative errno-style
// integers returned by value (Err_t) so that hot paths never allocate an
// error object. We keep that discipline but express it as a small closed
// set of comparable sentinel values satisfying the standard error
// interface, so callers can still use errors.Is while every comparison
// compiles down to a pointer/interface equality check, not an allocation.
package kerr

import "errors"

// Kind is one of the six error kinds spec §7 names.
type Kind int

const (
	// KindInvalidInput: misaligned/empty address, non-canonical virtual
	// address, back < front, unmap of unmapped range for strict variants.
	KindInvalidInput Kind = iota
	// KindOutOfMemory: frame/TLSF/page-table allocator exhausted, always
	// returned after the reservation protocol has failed (spec §4.4).
	KindOutOfMemory
	// KindNotFound: topic UUID not registered, subscriber not present.
	KindNotFound
	// KindInvalidData: firmware table signature or checksum mismatch.
	KindInvalidData
	// KindNotSupported: e.g. x2APIC requested without CPU support.
	KindNotSupported
	// KindOutOfVectors: ISR table full.
	KindOutOfVectors
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid input"
	case KindOutOfMemory:
		return "out of memory"
	case KindNotFound:
		return "not found"
	case KindInvalidData:
		return "invalid data"
	case KindNotSupported:
		return "not supported"
	case KindOutOfVectors:
		return "out of vectors"
	default:
		return "unknown error kind"
	}
}

// Error is a zero-allocation, comparable error value: a Kind plus a
// static message. Two Errors with the same Kind and Msg compare equal,
// and errors.Is matches on Kind alone via Is below.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Msg }

// Is reports whether target is an *Error with the same Kind, so callers
// can test errors.Is(err, kerr.OutOfMemory) against a differently worded
// Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// Pre-built sentinels for the common case of no extra context.
var (
	InvalidInput = &Error{Kind: KindInvalidInput, Msg: "invalid input"}
	OutOfMemory  = &Error{Kind: KindOutOfMemory, Msg: "out of memory"}
	NotFound     = &Error{Kind: KindNotFound, Msg: "not found"}
	InvalidData  = &Error{Kind: KindInvalidData, Msg: "invalid data"}
	NotSupported = &Error{Kind: KindNotSupported, Msg: "not supported"}
	OutOfVectors = &Error{Kind: KindOutOfVectors, Msg: "out of vectors"}
)

// New builds an Error with a specific message, still matched by
// errors.Is against the bare Kind sentinels above.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}
