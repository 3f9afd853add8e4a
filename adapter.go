package hwal

import "context"

// ScriptType enumerates the script templates a sign request may target, per
// the data model's sign_request.script_type field.
type ScriptType string

const (
	ScriptP2PKH        ScriptType = "p2pkh"
	ScriptP2SHP2WPKH   ScriptType = "p2sh-p2wpkh"
	ScriptP2WPKH       ScriptType = "p2wpkh"
	ScriptP2TR         ScriptType = "p2tr"
	ScriptWSHMultisig  ScriptType = "wsh-multisig"
	ScriptSHWSHMultisig ScriptType = "sh-wsh-multisig"
)

// XpubResult is the produced shape for get_xpub, per §6.
type XpubResult struct {
	Xpub                string
	MasterFingerprintHex string
	Path                 string
}

// SignRequest is the data model's sign_request record. MultisigXpubs maps
// lowercased hex fingerprints to canonical xpub strings, used by adapters
// that need full node keys to reconstruct a multisig script (see C5).
type SignRequest struct {
	PSBTBytes          []byte
	InputPaths         map[int]string
	ChangeOutputIndexes map[int]bool
	AccountPath        string
	ScriptType         ScriptType
	MultisigXpubs      map[string]string
}

// SignResponse is the data model's sign_response record. RawTx is present
// only for vendors that finalize internally (Trezor); SignatureCountExact
// flags the Jade caveat (spec §9 open question) so callers never treat an
// inexact count as a verified tally.
type SignResponse struct {
	PSBTBytes           []byte
	SignaturesCount      int
	SignatureCountExact bool
	RawTx               []byte
}

// Adapter is the capability set every vendor implementation satisfies (C6).
// Optional capabilities are modeled as boolean queries, never as runtime
// "may throw NotImplemented" — see spec §9 "Optional capabilities."
type Adapter interface {
	// VendorType identifies which vendor this adapter drives.
	VendorType() VendorType

	// IsSupported reports whether the environment has the preconditions
	// this adapter's transport needs (e.g. the HID subsystem is present).
	IsSupported() bool

	// SupportsVerifyAddress reports whether VerifyAddress is implemented.
	SupportsVerifyAddress() bool
	// SupportsEnumerateAuthorized reports whether EnumerateAuthorized is
	// implemented (WebUSB-style transports only).
	SupportsEnumerateAuthorized() bool

	// IsConnected reports whether the adapter's session is open.
	IsConnected() bool
	// GetDevice returns the current device descriptor, or nil if not
	// connected.
	GetDevice() *Device

	// EnumerateAuthorized lists previously authorized devices without
	// opening a session. Returns ErrUnsupported if the capability query
	// above is false.
	EnumerateAuthorized(ctx context.Context) ([]Device, error)

	// Connect opens the transport, initializes the device, and reads its
	// version and master fingerprint.
	Connect(ctx context.Context) (*Device, error)
	// Disconnect closes the transport. It must be idempotent and safe to
	// call from any session state.
	Disconnect() error

	// GetXpub requests an extended public key at path.
	GetXpub(ctx context.Context, path string) (*XpubResult, error)

	// SignPSBT is the central operation; see each adapter's algorithm in
	// SPEC_FULL.md §1 (carried from spec.md §4.6).
	SignPSBT(ctx context.Context, req *SignRequest) (*SignResponse, error)

	// VerifyAddress displays a derived address on the device and returns
	// the user's confirmation. Returns ErrUnsupported if the capability
	// query above is false.
	VerifyAddress(ctx context.Context, path string, expected string) (bool, error)
}
