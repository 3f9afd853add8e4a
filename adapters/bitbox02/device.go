package bitbox02

import (
	"context"
	"encoding/hex"

	"github.com/dan/hwal-core"
)

// signResult mirrors the ledger package's sigResult: one (input, pubkey,
// signature) triple ready for psbtutil to apply. BitBox02 does not return
// a pubkey alongside each signature (it signs in input order, one
// signature per input), so pubkey is resolved by the caller from the
// input's own bip32Derivation before ApplyECDSASignature is called.
type signResult struct {
	signature []byte
}

// exchange writes a framed request and reads back a reassembled response,
// verifying the response op byte matches the request.
func (a *Adapter) exchange(ctx context.Context, kind op, payload []byte) ([]byte, error) {
	frames := hwwFrames(kind, payload)
	for _, f := range frames {
		if err := a.tr.Write(ctx, f); err != nil {
			return nil, err
		}
	}

	var r hwwReassembler
	for {
		frame, err := a.tr.Read(ctx, a.deadline())
		if err != nil {
			return nil, err
		}
		done, err := r.feed(frame)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}

	respKind, payload, err := r.result()
	if err != nil {
		return nil, err
	}
	if respKind != kind {
		return nil, hwal.New(hwal.KindProtocol, "bitbox02 response op %02x did not match request op %02x", respKind, kind)
	}
	return payload, nil
}

func (a *Adapter) getDeviceInfo(ctx context.Context) (version string, fingerprintHex string, err error) {
	payload, err := a.exchange(ctx, opDeviceInfo, nil)
	if err != nil {
		return "", "", err
	}
	version, fpr, err := decodeDeviceInfoResponse(payload)
	if err != nil {
		return "", "", err
	}
	return version, hex.EncodeToString(fpr), nil
}

func (a *Adapter) getExtendedPubkey(ctx context.Context, path []uint32) (string, error) {
	req := encodeXpubRequest(path, "tpub")
	payload, err := a.exchange(ctx, opXpub, req)
	if err != nil {
		return "", err
	}
	return decodeXpubResponse(payload)
}

// getAddressConfirmed requests xpub derivation of an address-bearing node
// with on-device confirmation implied by the vendor firmware whenever a
// non-account-depth keypath is requested for display; the driver signals
// that intent with the "address-display" xpub type distinct from the silent
// "tpub"/"xpub" account fetch in getExtendedPubkey.
func (a *Adapter) getAddressConfirmed(ctx context.Context, path []uint32, expected string) (bool, error) {
	req := encodeXpubRequest(path, "address-display")
	payload, err := a.exchange(ctx, opXpub, req)
	if err != nil {
		if hwErr, ok := hwal.AsError(err); ok && hwErr.Kind == hwal.KindUserAbort {
			return false, nil
		}
		return false, err
	}
	addr, err := decodeXpubResponse(payload)
	if err != nil {
		return false, err
	}
	return addr == expected, nil
}

func (a *Adapter) signSimple(ctx context.Context, coin string, simpleType uint32, accountKeypath []uint32, inputs []btcSignInput, outputs []btcSignOutput, version int32, locktime uint32) ([]signResult, error) {
	req := encodeSignSimpleRequest(coin, simpleType, accountKeypath, inputs, outputs, version, locktime)
	payload, err := a.exchange(ctx, opSignSimple, req)
	if err != nil {
		return nil, err
	}
	sigs, err := decodeSignSimpleResponse(payload)
	if err != nil {
		return nil, err
	}
	results := make([]signResult, len(sigs))
	for i, s := range sigs {
		if len(s) != 64 {
			return nil, hwal.New(hwal.KindBadSignature, "bitbox02 signature %d has length %d, want 64", i, len(s))
		}
		results[i] = signResult{signature: s}
	}
	return results, nil
}
