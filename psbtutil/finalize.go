package psbtutil

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"

	"github.com/dan/hwal-core"
)

// ApplyECDSASignature appends sigBytes to the input's partialSig list,
// replacing any existing entry for the same pubkey. hasSighashByte tells
// the function whether the vendor already appended the sighash byte to
// sigBytes (Ledger does); when false, the input's declared
// sighash is appended, defaulting to SIGHASH_ALL (see §4.7 and the
// BitBox02 algorithm in §4.6, which returns raw signatures without one).
func ApplyECDSASignature(p *psbt.Packet, inputIndex int, pubkey, sigBytes []byte, hasSighashByte bool) error {
	if inputIndex < 0 || inputIndex >= len(p.Inputs) {
		return hwal.New(hwal.KindInternal, "input index %d out of range", inputIndex)
	}
	in := &p.Inputs[inputIndex]

	sig := append([]byte(nil), sigBytes...)
	if !hasSighashByte {
		sh := in.SighashType
		if sh == 0 {
			sh = txscript.SigHashAll
		}
		sig = append(sig, byte(sh))
	}

	replacePartialSig(in, pubkey, sig)
	return nil
}

// ApplyTaprootSignature stores a schnorr key-path signature. Per §4.7, the
// sighash byte is only appended when sighashType is non-default; the
// default-sighash case stores the bare 64-byte schnorr signature.
func ApplyTaprootSignature(p *psbt.Packet, inputIndex int, sigBytes []byte, sighashType txscript.SigHashType) error {
	if inputIndex < 0 || inputIndex >= len(p.Inputs) {
		return hwal.New(hwal.KindInternal, "input index %d out of range", inputIndex)
	}
	if len(sigBytes) != 64 {
		return hwal.New(hwal.KindBadSignature, "schnorr signature has length %d, want 64", len(sigBytes))
	}

	in := &p.Inputs[inputIndex]
	sig := append([]byte(nil), sigBytes...)
	if sighashType != txscript.SigHashDefault {
		sig = append(sig, byte(sighashType))
	}
	in.TaprootKeySpendSig = sig
	return nil
}

func replacePartialSig(in *psbt.PInput, pubkey, sig []byte) {
	for i, existing := range in.PartialSigs {
		if bytes.Equal(existing.PubKey, pubkey) {
			in.PartialSigs[i] = &psbt.PartialSig{PubKey: pubkey, Signature: sig}
			return
		}
	}
	in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{PubKey: pubkey, Signature: sig})
}

// FinalizeAll builds finalScriptSig/finalScriptWitness for every input that
// has enough partial signatures to satisfy its script, per BIP-174
// finalizer rules. Finalization is atomic across inputs: if any input
// cannot be finalized, the packet is restored to its pre-call state (partial
// signatures intact, no finalScript* fields) so the caller can re-sign on
// another device.
func FinalizeAll(p *psbt.Packet) error {
	var backup bytes.Buffer
	if err := p.Serialize(&backup); err != nil {
		return hwal.Wrap(hwal.KindInternal, err, "failed to snapshot PSBT before finalization")
	}

	var failed []string
	for i := range p.Inputs {
		if err := psbt.Finalize(p, i); err != nil {
			failed = append(failed, fmt.Sprintf("input %d: %v", i, err))
		}
	}

	if len(failed) == 0 {
		return nil
	}

	restored, err := psbt.NewFromRawBytes(bytes.NewReader(backup.Bytes()), false)
	if err != nil {
		return hwal.Wrap(hwal.KindInternal, err, "failed to restore PSBT after a failed finalization")
	}
	p.Inputs = restored.Inputs
	p.Outputs = restored.Outputs
	p.Unknowns = restored.Unknowns

	return hwal.New(hwal.KindIncompletePSBT, "finalization incomplete: %v", failed)
}

// Serialize re-encodes a packet to raw PSBT bytes, for returning a
// partially or fully signed PSBT back to the caller.
func Serialize(p *psbt.Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return nil, hwal.Wrap(hwal.KindInternal, err, "failed to serialize PSBT")
	}
	return buf.Bytes(), nil
}

// Extract returns the fully signed wire transaction from a completely
// finalized PSBT.
func Extract(p *psbt.Packet) ([]byte, error) {
	tx, err := psbt.Extract(p)
	if err != nil {
		return nil, hwal.Wrap(hwal.KindIncompletePSBT, err, "failed to extract final transaction")
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, hwal.Wrap(hwal.KindInternal, err, "failed to serialize final transaction")
	}
	return buf.Bytes(), nil
}
