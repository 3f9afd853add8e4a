package psbtutil

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/dan/hwal-core"
)

// InputClass is the result of classifying a PSBT input's signing shape.
type InputClass int

const (
	ClassLegacy InputClass = iota
	ClassSegwitV0
	ClassSegwitV1Taproot
)

func (c InputClass) String() string {
	switch c {
	case ClassSegwitV0:
		return "segwit_v0"
	case ClassSegwitV1Taproot:
		return "segwit_v1_taproot"
	default:
		return "legacy"
	}
}

// Parse BIP-174-decodes raw PSBT bytes, tolerant of unknown keys (the
// underlying psbt.NewFromRawBytes already ignores proprietary/unknown
// key-value pairs it doesn't recognize).
func Parse(raw []byte) (*psbt.Packet, error) {
	p, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, hwal.Wrap(hwal.KindIncompletePSBT, err, "failed to parse PSBT")
	}
	return p, nil
}

// ClassifyInput reports an input's signing shape from the presence of
// witnessUtxo and its script template.
func ClassifyInput(p *psbt.Packet, i int) InputClass {
	in := p.Inputs[i]
	if in.WitnessUtxo == nil {
		return ClassLegacy
	}
	pk := in.WitnessUtxo.PkScript
	if len(pk) == 34 && pk[0] == 0x51 && pk[1] == 0x20 {
		return ClassSegwitV1Taproot
	}
	return ClassSegwitV0
}

// DeriveAccountPath implements §4.3's derive_account_path rule: prefer an
// explicit request path; otherwise take the first input's first
// bip32Derivation whose master fingerprint matches the connected device,
// truncated to its first four components; otherwise fall back to
// m/84'/0'/0' when allowDefault is set.
//
// "First match wins" is a documented quirk: if more than one
// bip32Derivation entry on the chosen input matches the device fingerprint,
// only the first encountered (in PSBT iteration order) is used.
func DeriveAccountPath(p *psbt.Packet, requestPath string, deviceFingerprint uint32, allowDefault bool) ([]uint32, error) {
	if requestPath != "" {
		return hwal.ParsePath(requestPath)
	}

	for _, in := range p.Inputs {
		for _, d := range in.Bip32Derivation {
			if d.MasterKeyFingerprint != deviceFingerprint {
				continue
			}
			path := d.Bip32Path
			if len(path) > 4 {
				path = path[:4]
			}
			return path, nil
		}
	}

	if allowDefault {
		return hwal.ParsePath("m/84'/0'/0'")
	}
	return nil, hwal.New(hwal.KindBadDerivation, "no account path derivable from the PSBT and none was supplied")
}

// DetectNetwork implements §4.3's detect_network rule: the second hardened
// component of the chosen account path selects mainnet (0') or testnet
// (1'); request-supplied hints are ignored when they contradict the
// PSBT-encoded path.
func DetectNetwork(accountPath []uint32) (string, error) {
	if len(accountPath) < 2 {
		return "", hwal.New(hwal.KindBadDerivation, "account path %v too short to carry a coin-type component", accountPath)
	}
	switch accountPath[1] &^ hwal.HardenedBit {
	case 0:
		return "mainnet", nil
	case 1:
		return "testnet", nil
	default:
		return "", hwal.New(hwal.KindBadDerivation, "unrecognized coin type in account path %v", accountPath)
	}
}
