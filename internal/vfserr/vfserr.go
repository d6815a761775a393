// Package vfserr defines the error taxonomy shared by every LiteVFS
// component, so the VFS facade can translate failures into the SQL engine's
// integer error codes without resorting to string matching.
package vfserr

import (
	"errors"
	"fmt"
)

// Code classifies an error the way the engine boundary needs to see it.
type Code int

const (
	// CodeOther is a generic, non-actionable I/O failure (transport errors,
	// unexpected LFSC application errors).
	CodeOther Code = iota
	// CodePosMismatch means LFSC no longer recognizes the position a read
	// or commit was made against. Mapped to the engine's distinguished
	// "IOERR | (0x504F53 << 8)" code ("POS").
	CodePosMismatch
	// CodeNotFound mirrors LFSC's 404.
	CodeNotFound
	// CodeAlreadyExists mirrors LFSC's 409.
	CodeAlreadyExists
	// CodeInvalidData marks malformed bytes (header, LTX, LFSC JSON).
	CodeInvalidData
	// CodeUnsupported marks WAL writes, auto-vacuum, VACUUM-shrink commits,
	// and write-lease use in contexts that forbid writing.
	CodeUnsupported
	// CodeWouldBlock marks a per-query remote-fetch budget exhaustion, or a
	// lock that could not be acquired within its poll deadline.
	CodeWouldBlock
	// CodePermissionDenied marks a write attempted without an active lease.
	CodePermissionDenied
	// CodeShortRead marks a read past end-of-file that the engine expects
	// to see as a zero-fill short read rather than an error.
	CodeShortRead
)

func (c Code) String() string {
	switch c {
	case CodePosMismatch:
		return "pos_mismatch"
	case CodeNotFound:
		return "not_found"
	case CodeAlreadyExists:
		return "already_exists"
	case CodeInvalidData:
		return "invalid_data"
	case CodeUnsupported:
		return "unsupported"
	case CodeWouldBlock:
		return "would_block"
	case CodePermissionDenied:
		return "permission_denied"
	case CodeShortRead:
		return "short_read"
	default:
		return "other"
	}
}

// IOErrCode is the engine-level error code carried by a PosMismatch error:
// a generic IOERR base value with the ASCII bytes "POS" packed into the
// upper bits, distinguishing this condition from a plain I/O failure.
const IOErrCode = 10 | (0x504F53 << 8)

// Error is the concrete error type returned across LiteVFS component
// boundaries. It carries a Code for programmatic dispatch and wraps an
// underlying cause for %w-based inspection.
type Error struct {
	Code Code
	Op   string // component/operation that produced the error, e.g. "pager.get_page"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// EngineCode reports the engine-level integer error code a PosMismatch
// must cross the VFS boundary as, per the "IOERR | (0x504F53 << 8)"
// translation. Every other Code has no engine-distinguished counterpart
// and ok is false.
func (e *Error) EngineCode() (code int, ok bool) {
	if e.Code == CodePosMismatch {
		return IOErrCode, true
	}
	return 0, false
}

// New builds an *Error with the given code and op, wrapping err (which may
// be nil).
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Wrap tags err with op. If err already carries a *Error, its Code and
// cause are kept and op is prefixed to its Op; any other error becomes
// New(CodeOther, op, err). It returns nil if err is nil, so it can sit in
// a bare "return vfserr.Wrap(op, err)" at the tail of a function.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Code: e.Code, Op: op + " > " + e.Op, Err: e.Err}
	}
	return &Error{Code: CodeOther, Op: op, Err: err}
}

// CodeOf extracts the Code from err, defaulting to CodeOther when err is
// not (or does not wrap) a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeOther
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// EngineCodeOf extracts the engine-level integer error code from err, for
// the VFS facade boundary to hand back to the SQL engine in place of an
// opaque I/O failure. ok is false when err does not wrap a *Error, or
// wraps one whose Code has no engine-distinguished counterpart.
func EngineCodeOf(err error) (code int, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.EngineCode()
	}
	return 0, false
}
