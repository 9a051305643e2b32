package gp

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status word constants for ISO 7816 and GlobalPlatform responses
const (
	SWSuccess              = 0x9000 // ISO success
	SWMoreData             = 0x6100 // More data available (mask: 0x61XX, remaining in SW2)
	SWCardLocked           = 0x6283 // Selected file / card locked
	SWVerificationFailed   = 0x6300 // Authentication of host cryptogram failed
	SWMemoryFailure        = 0x6581 // Memory failure
	SWWrongLength          = 0x6700 // Wrong length
	SWSMNotSupported       = 0x6882 // Secure messaging not supported
	SWSecurityNotSatisfied = 0x6982 // Security status not satisfied (need auth)
	SWConditionsNotMet     = 0x6985 // Conditions of use not satisfied
	SWWrongData            = 0x6A80 // Incorrect values in command data
	SWFileNotFound         = 0x6A82 // Application / file not found
	SWNotEnoughMemory      = 0x6A84 // Not enough memory space
	SWWrongP1P2            = 0x6A86 // Incorrect P1/P2 parameters
	SWReferencedNotFound   = 0x6A88 // Referenced data not found (e.g. key version)
	SWInsNotSupported      = 0x6D00 // Instruction not supported
	SWClaNotSupported      = 0x6E00 // Class not supported
	SWWrongLe              = 0x6C00 // Wrong Le (mask: 0x6C00, correct Le in SW2)
)

// Kind discriminates the failure classes reported by the secure channel.
type Kind int

const (
	KindUnknown Kind = iota
	KindMalformedKeyInfo
	KindKeyDerivation
	KindCryptogramMismatch
	KindProtocol
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindMalformedKeyInfo:
		return "malformed key info"
	case KindKeyDerivation:
		return "key derivation"
	case KindCryptogramMismatch:
		return "cryptogram mismatch"
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by this package. Kind is the
// stable discriminant; SW is set when the card answered with a status word.
type Error struct {
	Kind Kind
	Op   string
	SW   uint16
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "gp error"
	}
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.SW != 0 {
		s += fmt.Sprintf(" (SW=%04X)", e.SW)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is an *Error of the same kind carrying the same
// message, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Kind == e.Kind && t.Msg == e.Msg && t.Op == "" && t.SW == 0
}

var (
	// ErrSessionFailed is returned by every operation on a session that has
	// entered the failed state.
	ErrSessionFailed = &Error{Kind: KindProtocol, Msg: "session failed"}
	// ErrSessionClosed is returned by every operation on a closed session.
	ErrSessionClosed = &Error{Kind: KindProtocol, Msg: "session closed"}
	// ErrNotAuthenticated is returned when a token operation is attempted
	// before EXTERNAL AUTHENTICATE succeeded.
	ErrNotAuthenticated = &Error{Kind: KindProtocol, Msg: "session not authenticated"}
)

func newError(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, op string, err error, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.Wrap(err, msg)}
}

// ProviderFailure is the panic value raised by a provider's cipher.Block
// when its backing token fails, since cipher.Block cannot return errors.
// Session operations, KeyCheckValue and SoftwareProvider recover it and
// return a KindKeyDerivation error. Any other panic value propagates.
type ProviderFailure struct {
	Op  string
	Err error
}

func (f *ProviderFailure) Error() string { return f.Op + ": " + f.Err.Error() }

func (f *ProviderFailure) Unwrap() error { return f.Err }

// providerError converts a recovered ProviderFailure into an error and
// re-panics with anything else.
func providerError(op string, r interface{}) *Error {
	f, ok := r.(*ProviderFailure)
	if !ok {
		panic(r)
	}
	return &Error{Kind: KindKeyDerivation, Op: op, Msg: "provider failure", Err: f}
}

// recoverProvider is deferred by operations that run provider ciphers
// outside a session.
func recoverProvider(op string, err *error) {
	if r := recover(); r != nil {
		*err = providerError(op, r)
	}
}

func statusError(op string, ins byte, sw uint16) *Error {
	return &Error{Kind: KindProtocol, Op: op, SW: sw, Err: &SWError{Cmd: ins, SW: sw}}
}

// KindOf returns the discriminant of err, or KindUnknown if err was not
// produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given discriminant.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// SWError represents a status word error from the card.
type SWError struct {
	Cmd byte   // Command INS byte
	SW  uint16 // Status word
}

func (e *SWError) Error() string {
	return fmt.Sprintf("card command 0x%02X failed with SW=0x%04X (%s)", e.Cmd, e.SW, swDescription(e.SW))
}

// swDescription returns a human-readable description of a status word.
func swDescription(sw uint16) string {
	switch sw {
	case SWSuccess:
		return "success"
	case SWCardLocked:
		return "card locked"
	case SWVerificationFailed:
		return "verification failed"
	case SWMemoryFailure:
		return "memory failure"
	case SWWrongLength:
		return "wrong length"
	case SWSMNotSupported:
		return "secure messaging not supported"
	case SWSecurityNotSatisfied:
		return "security not satisfied"
	case SWConditionsNotMet:
		return "conditions of use not satisfied"
	case SWWrongData:
		return "incorrect data"
	case SWFileNotFound:
		return "file or application not found"
	case SWNotEnoughMemory:
		return "not enough memory"
	case SWWrongP1P2:
		return "wrong P1/P2"
	case SWReferencedNotFound:
		return "referenced data not found"
	case SWInsNotSupported:
		return "instruction not supported"
	case SWClaNotSupported:
		return "class not supported"
	default:
		switch sw & 0xFF00 {
		case SWWrongLe:
			return fmt.Sprintf("wrong Le (correct Le=%d)", sw&0xFF)
		case SWMoreData:
			return fmt.Sprintf("%d bytes still available", sw&0xFF)
		}
		return "unknown error"
	}
}

func asSWError(err error) (*SWError, bool) {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr, true
	}
	return nil, false
}

// IsLengthError checks if an error is a length-related status word error.
func IsLengthError(err error) bool {
	if swErr, ok := asSWError(err); ok {
		return swErr.SW == SWWrongLength || (swErr.SW&0xFF00) == SWWrongLe
	}
	return false
}

// IsAuthError checks if an error is an authentication-related status word error.
func IsAuthError(err error) bool {
	if swErr, ok := asSWError(err); ok {
		return swErr.SW == SWVerificationFailed || swErr.SW == SWSecurityNotSatisfied
	}
	return false
}

// IsNotFound checks if the card reported a missing application, file or key.
func IsNotFound(err error) bool {
	if swErr, ok := asSWError(err); ok {
		return swErr.SW == SWFileNotFound || swErr.SW == SWReferencedNotFound
	}
	return false
}

// IsSecurityNotSatisfied checks for SW 6982.
func IsSecurityNotSatisfied(err error) bool {
	if swErr, ok := asSWError(err); ok {
		return swErr.SW == SWSecurityNotSatisfied
	}
	return false
}

// SwOK checks if a status word indicates success.
func SwOK(sw uint16) bool {
	return sw == SWSuccess
}
