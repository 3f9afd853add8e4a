package trezor

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	"github.com/dan/hwal-core"
	"github.com/dan/hwal-core/psbtutil"
	"github.com/dan/hwal-core/transport"
)

// Config holds Trezor-adapter construction options.
type Config struct {
	CoinName     string // defaults to "Bitcoin"
	RefTxFetcher RefTxFetcher
}

// Adapter drives a Trezor device over the Trezor Bridge daemon.
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
		cfg.CoinName = "Bitcoin"
	}
	return &Adapter{cfg: cfg, tr: tr, log: log, state: hwal.StateClosed}
}

func (a *Adapter) VendorType() hwal.VendorType { return hwal.VendorTrezor }
func (a *Adapter) IsSupported() bool           { return true }
func (a *Adapter) SupportsVerifyAddress() bool { return true }
func (a *Adapter) SupportsEnumerateAuthorized() bool { return false }
func (a *Adapter) IsConnected() bool           { return a.state == hwal.StateOpen }

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
	if err := a.tr.Open(ctx, transport.DeviceFilter{}); err != nil {
		a.state = hwal.StateClosed
		return nil, err
	}

	var feat featuresResponse
	if err := call(ctx, a.tr, featuresRequest{Type: "GetFeatures"}, &feat); err != nil {
		a.tr.Close()
		a.state = hwal.StateClosed
		return nil, err
	}

	fpr, err := a.masterFingerprint(ctx)
	if err != nil {
		a.tr.Close()
		a.state = hwal.StateClosed
		return nil, err
	}

	a.device = &hwal.Device{
		DeviceID:    "trezor-" + feat.DeviceID,
		Vendor:      hwal.VendorTrezor,
		Model:       fmt.Sprintf("%d.%d.%d", feat.MajorVersion, feat.MinorVersion, feat.PatchVersion),
		Connected:   true,
		Fingerprint: fpr,
	}
	a.state = hwal.StateOpen
	a.log.Info("trezor connected", "fingerprint", fpr, "firmware", a.device.Model)
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

// masterFingerprint fetches the pubkey at m/0' and returns its parent
// fingerprint as hex, per §4.6's "Master fingerprint is obtained by
// fetching the pubkey at m/0' and taking its parent fingerprint; unsigned
// 32-bit conversion must be used."
func (a *Adapter) masterFingerprint(ctx context.Context) (string, error) {
	var resp publicKeyResponse
	req := getPublicKeyRequest{Type: "GetPublicKey", AddressN: []uint32{0 | hwal.HardenedBit}}
	if err := call(ctx, a.tr, req, &resp); err != nil {
		return "", err
	}
	fpr := resp.Node.Fingerprint
	if fpr == 0 {
		fpr = resp.RootFingerprint
	}
	return fmt.Sprintf("%08x", uint32(fpr)), nil
}

func (a *Adapter) GetXpub(ctx context.Context, path string) (*hwal.XpubResult, error) {
	if a.state != hwal.StateOpen {
		return nil, hwal.ErrNotConnected
	}
	indices, err := hwal.ParsePath(path)
	if err != nil {
		return nil, err
	}
	var resp publicKeyResponse
	if err := call(ctx, a.tr, getPublicKeyRequest{Type: "GetPublicKey", AddressN: indices}, &resp); err != nil {
		return nil, err
	}
	return &hwal.XpubResult{Xpub: resp.Xpub, MasterFingerprintHex: a.device.Fingerprint, Path: path}, nil
}

func (a *Adapter) VerifyAddress(ctx context.Context, path string, expected string) (bool, error) {
	if a.state != hwal.StateOpen {
		return false, hwal.ErrNotConnected
	}
	indices, err := hwal.ParsePath(path)
	if err != nil {
		return false, err
	}
	var resp addressResponse
	req := getAddressRequest{Type: "GetAddress", AddressN: indices, ShowDisplay: true}
	if err := call(ctx, a.tr, req, &resp); err != nil {
		if hwErr, ok := hwal.AsError(err); ok && hwErr.Kind == hwal.KindUserAbort {
			return false, nil
		}
		return false, err
	}
	return resp.Address == expected, nil
}

// SignPSBT implements §4.6's Trezor algorithm: Trezor signs structured
// input/output records, not a PSBT, and returns a fully serialized raw
// transaction that bypasses C7 finalization entirely.
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

	inputs := make([]TrezorInput, len(p.Inputs))
	refTxids := map[string]bool{}
	for i := range p.Inputs {
		in, err := a.buildInput(p, i, deviceFpr, req.MultisigXpubs)
		if err != nil {
			return nil, err
		}
		inputs[i] = in
		if psbtutil.ClassifyInput(p, i) == psbtutil.ClassLegacy {
			refTxids[reverseHex(p.UnsignedTx.TxIn[i].PreviousOutPoint.Hash[:])] = true
		}
	}

	if len(refTxids) > 0 && a.cfg.RefTxFetcher == nil {
		return nil, hwal.New(hwal.KindIncompletePSBT, "legacy inputs require a reference-transaction fetcher, none was configured")
	}
	for txid := range refTxids {
		rawHex, err := a.cfg.RefTxFetcher(ctx, txid)
		if err != nil {
			return nil, hwal.Wrap(hwal.KindIncompletePSBT, err, "failed to fetch reference transaction %s", txid)
		}
		rawBytes, err := hex.DecodeString(rawHex)
		if err != nil {
			return nil, hwal.Wrap(hwal.KindProtocol, err, "reference transaction %s is not valid hex", txid)
		}
		if _, err := decodeReferenceTx(rawBytes); err != nil {
			return nil, err
		}
	}

	outputs := make([]TrezorOutput, len(p.Outputs))
	for i := range p.Outputs {
		out, err := a.buildOutput(p, i)
		if err != nil {
			return nil, err
		}
		outputs[i] = out
	}

	signReq := signTxRequest{
		Type:     "SignTx",
		CoinName: a.cfg.CoinName,
		Version:  p.UnsignedTx.Version,
		LockTime: p.UnsignedTx.LockTime,
		Inputs:   inputs,
		Outputs:  outputs,
	}
	var resp signTxResponse
	if err := call(ctx, a.tr, signReq, &resp); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(resp.Serialized)
	if err != nil {
		return nil, hwal.Wrap(hwal.KindProtocol, err, "trezor returned non-hex serialized_tx")
	}

	return &hwal.SignResponse{
		RawTx:               raw,
		SignaturesCount:     len(inputs),
		SignatureCountExact: true,
	}, nil
}

func (a *Adapter) buildInput(p *psbt.Packet, i int, deviceFpr uint32, multisigXpubs map[string]string) (TrezorInput, error) {
	in := p.Inputs[i]
	path, err := selectCosignerPath(in.Bip32Derivation, deviceFpr)
	if err != nil {
		return TrezorInput{}, err
	}

	var amount int64
	if in.WitnessUtxo != nil {
		amount = in.WitnessUtxo.Value
	} else if in.NonWitnessUtxo != nil {
		idx := p.UnsignedTx.TxIn[i].PreviousOutPoint.Index
		amount = in.NonWitnessUtxo.TxOut[idx].Value
	}

	ti := TrezorInput{
		AddressN:   path,
		PrevHash:   reverseHex(p.UnsignedTx.TxIn[i].PreviousOutPoint.Hash[:]),
		PrevIndex:  p.UnsignedTx.TxIn[i].PreviousOutPoint.Index,
		Sequence:   p.UnsignedTx.TxIn[i].Sequence,
		ScriptType: scriptTypeForPath(path),
		Amount:     fmt.Sprintf("%d", amount),
	}

	if len(in.WitnessScript) > 0 {
		policy, err := psbtutil.ReconstructMultisig(in.WitnessScript, in.Bip32Derivation, multisigXpubs)
		if err == nil {
			ti.Multisig = multisigToWire(policy, path)
		}
	}
	return ti, nil
}

func (a *Adapter) buildOutput(p *psbt.Packet, i int) (TrezorOutput, error) {
	txOut := p.UnsignedTx.TxOut[i]
	out := p.Outputs[i]

	if len(out.Bip32Derivation) > 0 {
		path := out.Bip32Derivation[0].Bip32Path
		return TrezorOutput{
			AddressN:   path,
			Amount:     fmt.Sprintf("%d", txOut.Value),
			ScriptType: outputScriptTypeForPath(path),
		}, nil
	}

	params := &chaincfg.MainNetParams
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(txOut.PkScript, params)
	if err != nil || len(addrs) == 0 {
		return TrezorOutput{}, hwal.New(hwal.KindProtocol, "unable to derive an address for output %d", i)
	}
	return TrezorOutput{
		Address:    addrs[0].EncodeAddress(),
		Amount:     fmt.Sprintf("%d", txOut.Value),
		ScriptType: PayToAddress,
	}, nil
}

func outputScriptTypeForPath(path []uint32) OutputScriptType {
	switch scriptTypeForPath(path) {
	case SpendP2SHWitness:
		return PayToP2SHWitness
	case SpendWitness:
		return PayToWitness
	case SpendTaproot:
		return PayToTaproot
	case SpendMultisig:
		return PayToMultisig
	default:
		return PayToAddress
	}
}

// selectCosignerPath implements §4.6's "if multiple bip32Derivation entries
// exist per input (multisig), select the one whose master fingerprint
// matches the connected device; if none matches, fail with
// ErrNotACosigner."
func selectCosignerPath(derivations []*psbt.Bip32Derivation, deviceFpr uint32) ([]uint32, error) {
	if len(derivations) == 0 {
		return nil, hwal.New(hwal.KindIncompletePSBT, "input has no bip32Derivation entries")
	}
	var expected []string
	for _, d := range derivations {
		if d.MasterKeyFingerprint == deviceFpr {
			return d.Bip32Path, nil
		}
		expected = append(expected, fmt.Sprintf("%08x", d.MasterKeyFingerprint))
	}
	return nil, hwal.NotACosigner(expected)
}

func fingerprintFromHex(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return 0, hwal.New(hwal.KindInternal, "device fingerprint %q is not 4 bytes of hex", s)
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func reverseHex(b []byte) string {
	rev := make([]byte, len(b))
	for i, v := range b {
		rev[len(b)-1-i] = v
	}
	return hex.EncodeToString(rev)
}

func multisigToWire(policy *psbtutil.MultisigPolicy, path []uint32) *MultisigRedeemScript {
	cosigners := make([]MultisigCosigner, len(policy.Cosigners))
	for i, c := range policy.Cosigners {
		key := c.Node
		if !c.IsXpub {
			key = hex.EncodeToString(c.PubKey)
		}
		cosigners[i] = MultisigCosigner{XpubOrPubkey: key, AddressN: path}
	}
	return &MultisigRedeemScript{M: policy.M, Cosigners: cosigners}
}

func decodeReferenceTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, hwal.Wrap(hwal.KindProtocol, err, "failed to decode reference transaction")
	}
	return tx, nil
}
