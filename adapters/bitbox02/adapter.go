package bitbox02

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

// usbVendorID is BitBox02's USB vendor id.
const usbVendorID = 0x03eb

// SimpleType selects the overall script template btcSignSimple signs for,
// per §4.6's BitBox02 algorithm.
type SimpleType uint32

const (
	SimpleTypeP2WPKH      SimpleType = 0
	SimpleTypeP2WPKHP2SH SimpleType = 1
	SimpleTypeP2TR        SimpleType = 2
)

// Config holds BitBox02-adapter construction options.
type Config struct {
	CoinName string // defaults to "btc"
}

// Adapter drives a BitBox02 device's btc app over USB HID.
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
	if cfg.CoinName == "" {
		cfg.CoinName = "btc"
	}
	return &Adapter{cfg: cfg, tr: tr, log: log, state: hwal.StateClosed}
}

func (a *Adapter) VendorType() hwal.VendorType { return hwal.VendorBitBox2 }
func (a *Adapter) IsSupported() bool           { return true }

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

	version, fpr, err := a.getDeviceInfo(ctx)
	if err != nil {
		a.tr.Close()
		a.state = hwal.StateClosed
		return nil, err
	}

	a.device = &hwal.Device{
		DeviceID:    "bitbox02-" + fpr,
		Vendor:      hwal.VendorBitBox2,
		Model:       version,
		Connected:   true,
		Fingerprint: fpr,
	}
	a.state = hwal.StateOpen
	a.log.Info("bitbox02 connected", "fingerprint", fpr, "firmware_version", version)
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

// SignPSBT implements §4.6's BitBox02 algorithm: build vendor-specific
// input/output records from the PSBT, call btcSignSimple, and apply the
// returned 64-byte (r||s) signatures with the input's declared sighash
// byte appended; C7 finalizes as usual.
func (a *Adapter) SignPSBT(ctx context.Context, req *hwal.SignRequest) (*hwal.SignResponse, error) {
	if a.state != hwal.StateOpen {
		return nil, hwal.ErrNotConnected
	}

	p, err := psbtutil.Parse(req.PSBTBytes)
	if err != nil {
		return nil, err
	}

	deviceFpr, err := fingerprintFromHex(a.device.Fingerprint)
	if err != nil {
		return nil, err
	}

	accountPath, err := psbtutil.DeriveAccountPath(p, req.AccountPath, deviceFpr, true)
	if err != nil {
		return nil, err
	}

	inputs := make([]btcSignInput, len(p.Inputs))
	pubkeys := make([][]byte, len(p.Inputs))
	for i := range p.Inputs {
		in := p.Inputs[i]
		path, pubkey, err := selectOwnDerivation(in.Bip32Derivation, deviceFpr)
		if err != nil {
			return nil, err
		}

		var amount int64
		if in.WitnessUtxo != nil {
			amount = in.WitnessUtxo.Value
		} else if in.NonWitnessUtxo != nil {
			idx := p.UnsignedTx.TxIn[i].PreviousOutPoint.Index
			amount = in.NonWitnessUtxo.TxOut[idx].Value
		}

		inputs[i] = btcSignInput{
			PrevHash:  reverseBytes(p.UnsignedTx.TxIn[i].PreviousOutPoint.Hash[:]),
			PrevIndex: p.UnsignedTx.TxIn[i].PreviousOutPoint.Index,
			PrevValue: fmt.Sprintf("%d", amount),
			Sequence:  p.UnsignedTx.TxIn[i].Sequence,
			Keypath:   path,
		}
		pubkeys[i] = pubkey
	}

	outputs := make([]btcSignOutput, len(p.Outputs))
	for i := range p.Outputs {
		out := p.Outputs[i]
		txOut := p.UnsignedTx.TxOut[i]
		if len(out.Bip32Derivation) > 0 {
			outputs[i] = btcSignOutput{Ours: true, Keypath: out.Bip32Derivation[0].Bip32Path, Value: fmt.Sprintf("%d", txOut.Value)}
			continue
		}
		typ, payload, err := classifyOutputScript(txOut.PkScript)
		if err != nil {
			return nil, err
		}
		outputs[i] = btcSignOutput{Ours: false, Type: typ, Payload: payload, Value: fmt.Sprintf("%d", txOut.Value)}
	}

	simpleType := simpleTypeForScript(req.ScriptType)
	sigs, err := a.signSimple(ctx, a.cfg.CoinName, uint32(simpleType), accountPath, inputs, outputs, p.UnsignedTx.Version, p.UnsignedTx.LockTime)
	if err != nil {
		return nil, err
	}
	if len(sigs) != len(p.Inputs) {
		return nil, hwal.New(hwal.KindProtocol, "bitbox02 returned %d signatures for %d inputs", len(sigs), len(p.Inputs))
	}

	for i, sig := range sigs {
		if err := psbtutil.ApplyECDSASignature(p, i, pubkeys[i], sig.signature, false); err != nil {
			return nil, err
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
		a.log.Debug("bitbox02 sign: finalization incomplete, returning partial signatures", "error", finalizeErr)
	}
	return resp, nil
}

// selectOwnDerivation picks the bip32Derivation entry whose master
// fingerprint matches the connected device, returning its path and pubkey.
func selectOwnDerivation(derivations []*psbt.Bip32Derivation, deviceFpr uint32) ([]uint32, []byte, error) {
	var expected []string
	for _, d := range derivations {
		if d.MasterKeyFingerprint == deviceFpr {
			return d.Bip32Path, d.PubKey, nil
		}
		expected = append(expected, hexFingerprint(d.MasterKeyFingerprint))
	}
	if len(derivations) == 0 {
		return nil, nil, hwal.New(hwal.KindIncompletePSBT, "input has no bip32Derivation entries")
	}
	return nil, nil, hwal.NotACosigner(expected)
}

func simpleTypeForScript(st hwal.ScriptType) SimpleType {
	switch st {
	case hwal.ScriptP2SHP2WPKH:
		return SimpleTypeP2WPKHP2SH
	case hwal.ScriptP2TR:
		return SimpleTypeP2TR
	default:
		return SimpleTypeP2WPKH
	}
}

// classifyOutputScript recognizes the standard script templates and
// returns a vendor-neutral type tag plus the raw hash/program payload,
// avoiding any dependency on network-specific address encoding (the
// device only needs the script's own bytes to reconstruct it).
func classifyOutputScript(pkScript []byte) (uint32, []byte, error) {
	switch {
	case len(pkScript) == 25 && pkScript[0] == 0x76 && pkScript[1] == 0xa9 && pkScript[2] == 0x14:
		return 0, pkScript[3:23], nil // P2PKH
	case len(pkScript) == 23 && pkScript[0] == 0xa9 && pkScript[1] == 0x14:
		return 1, pkScript[2:22], nil // P2SH
	case len(pkScript) == 22 && pkScript[0] == 0x00 && pkScript[1] == 0x14:
		return 2, pkScript[2:22], nil // P2WPKH
	case len(pkScript) == 34 && pkScript[0] == 0x00 && pkScript[1] == 0x20:
		return 3, pkScript[2:34], nil // P2WSH
	case len(pkScript) == 34 && pkScript[0] == 0x51 && pkScript[1] == 0x20:
		return 4, pkScript[2:34], nil // P2TR
	default:
		return 0, nil, hwal.New(hwal.KindProtocol, "unrecognized output script template")
	}
}

func fingerprintFromHex(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return 0, hwal.New(hwal.KindInternal, "device fingerprint %q is not 4 bytes of hex", s)
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func hexFingerprint(fpr uint32) string {
	return fmt.Sprintf("%08x", fpr)
}

func reverseBytes(b []byte) []byte {
	rev := make([]byte, len(b))
	for i, v := range b {
		rev[len(b)-1-i] = v
	}
	return rev
}

func (a *Adapter) deadline() time.Duration { return 60 * time.Second }
