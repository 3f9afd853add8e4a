package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/hashicorp/go-hclog"

	"github.com/dan/hwal-core"
	"github.com/dan/hwal-core/psbtutil"
	"github.com/dan/hwal-core/transport"
)

const usbVendorID = 0x2c97

// Config holds Ledger-adapter construction options. No package-level
// globals: every adapter instance owns its own config and transport, per
// the re-architecture note against "vendor SDKs as implicit globals."
type Config struct {
	// RequireFingerprintMatch disables the default auto-rewrite of a
	// stale bip32Derivation master fingerprint to the connected device's
	// fingerprint; instead a mismatch becomes a hard ErrBadDerivation.
	RequireFingerprintMatch bool
}

// Adapter drives a Ledger device's Bitcoin app.
type Adapter struct {
	cfg Config
	log hclog.Logger
	tr  transport.Transport

	state  hwal.SessionState
	device *hwal.Device
}

func New(cfg Config, tr transport.Transport, log hclog.Logger) *Adapter {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Adapter{cfg: cfg, tr: tr, log: log, state: hwal.StateClosed}
}

func (a *Adapter) VendorType() hwal.VendorType { return hwal.VendorLedger }

func (a *Adapter) IsSupported() bool { return true }

func (a *Adapter) SupportsVerifyAddress() bool       { return true }
func (a *Adapter) SupportsEnumerateAuthorized() bool { return false }

func (a *Adapter) IsConnected() bool { return a.state == hwal.StateOpen }

func (a *Adapter) GetDevice() *hwal.Device {
	if a.state != hwal.StateOpen {
		return nil
	}
	return a.device
}

func (a *Adapter) EnumerateAuthorized(ctx context.Context) ([]hwal.Device, error) {
	return nil, hwal.ErrUnsupported
}

func (a *Adapter) Connect(ctx context.Context) (*hwal.Device, error) {
	a.state = hwal.StateOpening

	if err := a.tr.Open(ctx, transport.DeviceFilter{VendorID: usbVendorID}); err != nil {
		a.state = hwal.StateClosed
		return nil, err
	}

	version, err := a.getVersion(ctx)
	if err != nil {
		a.tr.Close()
		a.state = hwal.StateClosed
		return nil, err
	}
	fpr, err := a.getMasterFingerprint(ctx)
	if err != nil {
		a.tr.Close()
		a.state = hwal.StateClosed
		return nil, err
	}

	a.device = &hwal.Device{
		DeviceID:    "ledger-" + fpr,
		Vendor:      hwal.VendorLedger,
		Model:       version,
		Connected:   true,
		Fingerprint: fpr,
	}
	a.state = hwal.StateOpen
	a.log.Info("ledger connected", "fingerprint", fpr, "app_version", version)
	return a.device, nil
}

func (a *Adapter) Disconnect() error {
	if a.state == hwal.StateClosed {
		return nil
	}
	a.state = hwal.StateClosing
	err := a.tr.Close()
	a.state = hwal.StateClosed
	a.device = nil
	return err
}

func (a *Adapter) GetXpub(ctx context.Context, path string) (*hwal.XpubResult, error) {
	if a.state != hwal.StateOpen {
		return nil, hwal.ErrNotConnected
	}
	indices, err := hwal.ParsePath(path)
	if err != nil {
		return nil, err
	}

	xpub, err := a.getExtendedPubkey(ctx, indices)
	if err != nil {
		return nil, err
	}
	return &hwal.XpubResult{Xpub: xpub, MasterFingerprintHex: a.device.Fingerprint, Path: path}, nil
}

// SignPSBT resolves the account path and script type, builds a wallet
// policy descriptor, reconciles stale bip32Derivation fingerprints, and
// calls the device's signPsbt; returned signatures are handed to
// psbtutil for application and finalization.
func (a *Adapter) SignPSBT(ctx context.Context, req *hwal.SignRequest) (*hwal.SignResponse, error) {
	if a.state != hwal.StateOpen {
		return nil, hwal.ErrNotConnected
	}

	p, err := psbtutil.Parse(req.PSBTBytes)
	if err != nil {
		return nil, err
	}

	fpr, err := hex.DecodeString(a.device.Fingerprint)
	if err != nil || len(fpr) != 4 {
		return nil, hwal.New(hwal.KindInternal, "device fingerprint %q is not 4 bytes of hex", a.device.Fingerprint)
	}
	deviceFpr := uint32(fpr[0])<<24 | uint32(fpr[1])<<16 | uint32(fpr[2])<<8 | uint32(fpr[3])

	accountPath, err := psbtutil.DeriveAccountPath(p, req.AccountPath, deviceFpr, true)
	if err != nil {
		return nil, err
	}

	if err := a.reconcileFingerprints(p, deviceFpr); err != nil {
		return nil, err
	}

	accountXpub, err := a.getExtendedPubkey(ctx, accountPath)
	if err != nil {
		return nil, err
	}
	policy := WalletPolicy(a.device.Fingerprint, accountPath, accountXpub, req.ScriptType)

	sigs, err := a.signPsbt(ctx, req.PSBTBytes, policy)
	if err != nil {
		return nil, err
	}

	for _, sig := range sigs {
		if sig.isSchnorr {
			if err := psbtutil.ApplyTaprootSignature(p, sig.inputIndex, sig.signature, p.Inputs[sig.inputIndex].SighashType); err != nil {
				return nil, err
			}
		} else {
			if err := psbtutil.ApplyECDSASignature(p, sig.inputIndex, sig.pubkey, sig.signature, true); err != nil {
				return nil, err
			}
		}
	}

	finalizeErr := psbtutil.FinalizeAll(p)
	out, serErr := psbtutil.Serialize(p)
	if serErr != nil {
		return nil, hwal.Wrap(hwal.KindInternal, serErr, "failed to re-serialize PSBT after signing")
	}

	resp := &hwal.SignResponse{
		PSBTBytes:           out,
		SignaturesCount:     len(sigs),
		SignatureCountExact: true,
	}
	if finalizeErr != nil {
		a.log.Debug("ledger sign: finalization incomplete, returning partial signatures", "error", finalizeErr)
	}
	return resp, nil
}

// reconcileFingerprints overwrites a stale bip32Derivation master
// fingerprint with the connected device's own, per §4.6's recovery rule
// for PSBTs produced against mock/stale fingerprints, unless the caller
// opted into the stricter RequireFingerprintMatch behavior. A missing
// bip32Derivation is a hard error for Ledger: unlike the fingerprint-only
// mismatch this recovers from, there is no derivation path to sign
// against at all.
func (a *Adapter) reconcileFingerprints(p *psbt.Packet, deviceFpr uint32) error {
	for i := range p.Inputs {
		if len(p.Inputs[i].Bip32Derivation) == 0 {
			return hwal.New(hwal.KindIncompletePSBT, "input %d has no bip32Derivation entries", i)
		}
		for _, d := range p.Inputs[i].Bip32Derivation {
			if d.MasterKeyFingerprint == deviceFpr {
				continue
			}
			if a.cfg.RequireFingerprintMatch {
				return hwal.New(hwal.KindBadDerivation, "input %d bip32Derivation fingerprint %08x does not match the connected device %08x", i, d.MasterKeyFingerprint, deviceFpr)
			}
			a.log.Debug("ledger: rewriting stale bip32Derivation fingerprint", "input", i, "from", d.MasterKeyFingerprint, "to", deviceFpr)
			d.MasterKeyFingerprint = deviceFpr
		}
	}
	return nil
}

func (a *Adapter) VerifyAddress(ctx context.Context, path string, expected string) (bool, error) {
	if a.state != hwal.StateOpen {
		return false, hwal.ErrNotConnected
	}
	indices, err := hwal.ParsePath(path)
	if err != nil {
		return false, err
	}
	return a.getAddressConfirmed(ctx, indices, expected)
}

// WalletPolicy builds Ledger's "[fpr/path]xpub" wallet policy key
// expression and wraps it in the descriptor template matching scriptType,
// generalizing the teacher's inline wpkh()/tr() descriptor string in
// path_wallet_xpub.go to all four script types Ledger's signing API
// supports.
func WalletPolicy(fingerprintHex string, accountPath []uint32, accountXpub string, scriptType hwal.ScriptType) string {
	pathStr := hwal.FormatPath(accountPath)
	key := fmt.Sprintf("[%s%s]%s", fingerprintHex, pathStr[1:], accountXpub)

	switch scriptType {
	case hwal.ScriptP2SHP2WPKH:
		return fmt.Sprintf("sh(wpkh(%s/**))", key)
	case hwal.ScriptP2PKH:
		return fmt.Sprintf("pkh(%s/**)", key)
	case hwal.ScriptP2TR:
		return fmt.Sprintf("tr(%s/**)", key)
	default:
		return fmt.Sprintf("wpkh(%s/**)", key)
	}
}

func (a *Adapter) deadline() time.Duration { return 60 * time.Second }
