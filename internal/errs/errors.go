// Package errs defines the error handling used throughout CipherBox.
//
// It follows the same shape as the teacher's errors package: a single
// Error type assembled from typed arguments via E, with a Kind that
// callers at the HTTP boundary map onto a status code.
package errs

import (
	"bytes"
	"fmt"
	"strings"
)

// Error is the type that implements the error interface for CipherBox.
// Any field may be left unset.
type Error struct {
	// PointerID is the mutable-pointer identifier involved, if any.
	PointerID string
	// UserID is the stable user ID involved, if any.
	UserID string
	// Op is the operation being performed (e.g. "relay.Publish").
	Op string
	// Kind classifies the error for status-code mapping and metrics.
	Kind Kind
	// Err is the underlying error, if any.
	Err error
}

var zeroErr Error

// Kind classifies an error per spec.md §7.
type Kind uint8

// Error kinds.
const (
	Other              Kind = iota // Unclassified.
	InvalidInput                   // DTO-level validation failure.
	Unauthenticated                // Identity not provable.
	Forbidden                      // Identity provable but lacks right.
	AuthFailure                    // AEAD tag mismatch or signature failure.
	InvalidRecord                  // Pointer record failed to parse.
	UpstreamUnavailable            // Content network unreachable after retries.
	RateLimited                    // Local throttle hit.
	QuotaExceeded                  // Storage quota exceeded.
	SignerUnavailable              // TEE signer unreachable.
	DerivationRange                // Internal: derived scalar out of range, retry.
	NotFound                       // Resource does not exist.
	Fatal                          // Non-recoverable.
	RelayRejected                  // Content network rejected a publish outright.
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other error"
	case InvalidInput:
		return "invalid input"
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	case AuthFailure:
		return "cannot decrypt"
	case InvalidRecord:
		return "invalid record"
	case UpstreamUnavailable:
		return "upstream unavailable"
	case RateLimited:
		return "rate limited"
	case QuotaExceeded:
		return "quota exceeded"
	case SignerUnavailable:
		return "signer unavailable"
	case DerivationRange:
		return "derivation out of range"
	case NotFound:
		return "not found"
	case Fatal:
		return "fatal error"
	case RelayRejected:
		return "relay rejected"
	}
	return "unknown error kind"
}

// E builds an error value from its arguments, in the style of the teacher's
// errors.E: the type of each argument determines its meaning, and if more
// than one of a given type is given, only the last is recorded.
//
// Recognized types: string (first one is Op, rest behave as text wrapped
// in Errorf), Kind, error. A nested *Error has its Kind promoted to the
// outer error when the outer Kind is unset.
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}
	e := &Error{}
	opSet := false
	for _, arg := range args {
		switch a := arg.(type) {
		case string:
			if !opSet {
				e.Op = a
				opSet = true
			} else {
				e.Err = Str(a)
			}
		case Kind:
			e.Kind = a
		case pointerIDTag:
			e.PointerID = string(a)
		case userIDTag:
			e.UserID = string(a)
		case *Error:
			cp := *a
			e.Err = &cp
		case error:
			e.Err = a
		default:
			return Errorf("errs.E: bad call with value %v of type %T", arg, arg)
		}
	}
	prev, ok := e.Err.(*Error)
	if !ok {
		return e
	}
	if prev.PointerID == e.PointerID {
		prev.PointerID = ""
	}
	if prev.UserID == e.UserID {
		prev.UserID = ""
	}
	if prev.Kind == e.Kind {
		prev.Kind = Other
	}
	if e.Kind == Other {
		e.Kind = prev.Kind
		prev.Kind = Other
	}
	return e
}

// pointerIDTag and userIDTag let callers pass PointerID(x)/UserID(x) into
// E without a string/string ambiguity with Op.
type pointerIDTag string
type userIDTag string

// PointerID tags a pointer ID for inclusion via E.
func PointerID(id string) interface{} { return pointerIDTag(id) }

// UserID tags a user ID for inclusion via E.
func UserID(id string) interface{} { return userIDTag(id) }

func pad(b *bytes.Buffer, str string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(str)
}

func (e *Error) Error() string {
	b := new(bytes.Buffer)
	if e.PointerID != "" {
		b.WriteString("pointer ")
		b.WriteString(e.PointerID)
	}
	if e.UserID != "" {
		pad(b, ", ")
		b.WriteString("user ")
		b.WriteString(e.UserID)
	}
	if e.Op != "" {
		pad(b, ": ")
		b.WriteString(e.Op)
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		if prevErr, ok := e.Err.(*Error); ok {
			if *prevErr != zeroErr {
				pad(b, ":\n\t")
				b.WriteString(e.Err.Error())
			}
		} else {
			pad(b, ": ")
			b.WriteString(e.Err.Error())
		}
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else Other.
func KindOf(err error) Kind {
	e, ok := err.(*Error)
	if !ok {
		return Other
	}
	if e.Kind != Other {
		return e.Kind
	}
	return KindOf(e.Err)
}

// Is reports whether err is an *Error (at any nesting level) of the given Kind.
func Is(kind Kind, err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	if e.Kind == kind {
		return true
	}
	return Is(kind, e.Err)
}

// Str returns an error that formats as the given text, for use as the
// error-typed argument to E.
func Str(text string) error {
	return &errorString{text}
}

type errorString struct{ s string }

func (e *errorString) Error() string { return e.s }

// Errorf is like fmt.Errorf but returns a value usable as E's error argument.
func Errorf(format string, args ...interface{}) error {
	return &errorString{fmt.Sprintf(format, args...)}
}

// UserMessage returns a generic, client-safe message for err, never
// including internal detail (spec.md §7: client-visible errors are generic).
func UserMessage(err error) string {
	k := KindOf(err)
	if k == Other {
		return "an internal error occurred"
	}
	return strings.ToLower(k.String())
}
