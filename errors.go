package hwal

import (
	"errors"
	"fmt"
)

// Kind classifies a failure from the signing pipeline into a fixed taxonomy.
// Adapters and core components return *Error values carrying one of these
// kinds instead of matching vendor error strings; substring matching is
// confined to each adapter's own vendor-code-to-kind table (see the codec.go
// files under adapters/).
type Kind int

const (
	// KindUnsupported means an operation or capability is not available in
	// the current environment (e.g. transport not present).
	KindUnsupported Kind = iota
	// KindNotConnected means a public operation was attempted with no
	// active adapter session.
	KindNotConnected
	// KindConcurrentUse means an adapter's session was asked to start a
	// second overlapping operation.
	KindConcurrentUse
	// KindTimeout means a roundtrip exceeded its deadline.
	KindTimeout
	// KindUserAbort means the device user cancelled the operation.
	KindUserAbort
	// KindDeviceLocked means the device requires a PIN/passphrase unlock.
	KindDeviceLocked
	// KindWrongApp means the vendor's Bitcoin application is not open.
	KindWrongApp
	// KindNotACosigner means the connected device's fingerprint does not
	// appear among a multisig input's cosigners.
	KindNotACosigner
	// KindBadDerivation means a derivation path could not be resolved or
	// was rejected by policy.
	KindBadDerivation
	// KindInvalidXpub means an xpub failed base58check decode or length
	// validation.
	KindInvalidXpub
	// KindIncompletePSBT means a required PSBT field is missing for the
	// requested operation.
	KindIncompletePSBT
	// KindPolicyMismatch means a multisig or script-type policy was
	// violated (e.g. m > n).
	KindPolicyMismatch
	// KindBadSignature means a device-returned signature failed shape or
	// encoding validation.
	KindBadSignature
	// KindTransportLost means the underlying transport closed or errored
	// mid-operation.
	KindTransportLost
	// KindBridgeUnavailable means the vendor bridge daemon (Trezor) could
	// not be reached.
	KindBridgeUnavailable
	// KindProtocol is the catch-all for malformed wire responses.
	KindProtocol
	// KindInternal is a programming-error catch-all; it should never be
	// triggered by device or caller input alone.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindUnsupported:
		return "unsupported"
	case KindNotConnected:
		return "not_connected"
	case KindConcurrentUse:
		return "concurrent_use"
	case KindTimeout:
		return "timeout"
	case KindUserAbort:
		return "user_abort"
	case KindDeviceLocked:
		return "device_locked"
	case KindWrongApp:
		return "wrong_app"
	case KindNotACosigner:
		return "not_a_cosigner"
	case KindBadDerivation:
		return "bad_derivation"
	case KindInvalidXpub:
		return "invalid_xpub"
	case KindIncompletePSBT:
		return "incomplete_psbt"
	case KindPolicyMismatch:
		return "policy_mismatch"
	case KindBadSignature:
		return "bad_signature"
	case KindTransportLost:
		return "transport_lost"
	case KindBridgeUnavailable:
		return "bridge_unavailable"
	case KindProtocol:
		return "protocol"
	default:
		return "internal"
	}
}

// Error is the taxonomy error type returned by every exported operation in
// this module. It never embeds PSBT bytes, xpub strings, or raw signatures —
// only counts, indices, and fingerprints in hex.
type Error struct {
	Kind Kind
	// Msg is a human-readable description, safe to show to a user.
	Msg string
	// VendorCode is the raw status/error code reported by the device or
	// bridge, when one exists (e.g. an APDU SW 0x6985). Zero means absent.
	VendorCode int
	// Err wraps an underlying error for errors.Unwrap, typically a
	// transport or codec failure.
	Err error
}

func (e *Error) Error() string {
	if e.VendorCode != 0 {
		return fmt.Sprintf("%s: %s (vendor code 0x%04x)", e.Kind, e.Msg, e.VendorCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is supports errors.Is(err, ErrNotConnected) style sentinel comparisons by
// matching on Kind alone whenever the target is also an *Error; the target's
// message and wrapped cause are ignored.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// newErr builds an *Error with a formatted message.
func newErr(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// wrapErr builds an *Error wrapping an underlying cause.
func wrapErr(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// New builds an *Error with a formatted message. Exported for use by the
// packages under psbtutil/, transport/, and adapters/ that return this
// module's taxonomy without importing its unexported constructors.
func New(kind Kind, format string, args ...interface{}) *Error {
	return newErr(kind, format, args...)
}

// Wrap builds an *Error wrapping an underlying cause, exported for the same
// reason as New.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return wrapErr(kind, cause, format, args...)
}

// Sentinel errors for the common "no detail beyond the kind" cases, usable
// directly with errors.Is.
var (
	ErrNotConnected      = &Error{Kind: KindNotConnected, Msg: "no active device session"}
	ErrConcurrentUse     = &Error{Kind: KindConcurrentUse, Msg: "session already has an operation in flight"}
	ErrAmbiguous         = &Error{Kind: KindInternal, Msg: "multiple adapters registered; device_type is required"}
	ErrUnsupported       = &Error{Kind: KindUnsupported, Msg: "operation not supported by this adapter"}
	ErrUserAbort         = &Error{Kind: KindUserAbort, Msg: "user cancelled the operation on the device"}
	ErrTimeout           = &Error{Kind: KindTimeout, Msg: "roundtrip exceeded its deadline"}
	ErrTransportLost     = &Error{Kind: KindTransportLost, Msg: "transport closed or errored mid-operation"}
	ErrBridgeUnavailable = &Error{Kind: KindBridgeUnavailable, Msg: "bridge daemon unreachable"}
	ErrInvalidXpub       = &Error{Kind: KindInvalidXpub, Msg: "xpub failed base58check validation"}
	ErrIncompletePSBT    = &Error{Kind: KindIncompletePSBT, Msg: "PSBT is missing a field required for this operation"}
	ErrBadSignature      = &Error{Kind: KindBadSignature, Msg: "signature failed shape or encoding validation"}
	ErrPolicyMismatch    = &Error{Kind: KindPolicyMismatch, Msg: "script or multisig policy mismatch"}
	ErrBadDerivation     = &Error{Kind: KindBadDerivation, Msg: "derivation path could not be resolved"}
)

// NotACosigner builds a KindNotACosigner error listing the fingerprints the
// connected device was expected to match, per the testable boundary in §8
// ("ErrNotACosigner with expected-fingerprint list").
func NotACosigner(expectedFingerprints []string) *Error {
	return newErr(KindNotACosigner, "connected device fingerprint is not among the expected cosigners %v", expectedFingerprints)
}

// AsError reports whether err is (or wraps) an *Error, returning it if so.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
