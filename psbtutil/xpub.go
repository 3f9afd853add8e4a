// Package psbtutil implements the PSBT-adjacent plumbing shared by every
// adapter: normalizing a wallet-supplied PSBT into vendor-neutral signing
// instructions (C3), canonicalizing SLIP-132 extended public keys (C4),
// reconstructing multisig witness scripts (C5), and applying/finalizing the
// signatures a device returns (C7).
package psbtutil

import (
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/dan/hwal-core"
)

// slip132Version is the 4-byte version prefix of a BIP-32 extended key.
// btcutil/base58's CheckEncode/CheckDecode only carry a single version byte
// (sized for Bitcoin address types), so extended keys decode and checksum
// by hand here, the same way btcutil/hdkeychain does internally.
type slip132Version [4]byte

// Canonical xpub/tpub version bytes, per BIP-32.
var (
	versionXpub = slip132Version{0x04, 0x88, 0xb2, 0x1e}
	versionTpub = slip132Version{0x04, 0x35, 0x87, 0xcf}
)

// slip132Table maps every SLIP-0132 version byte prefix this layer
// recognizes to the canonical xpub/tpub version it rewrites to. Unknown
// prefixes pass through untouched, per spec §4.4.
var slip132Table = map[slip132Version]slip132Version{
	// mainnet
	versionXpub:              versionXpub,
	{0x04, 0x9d, 0x7c, 0xb2}: versionXpub, // ypub: BIP49 p2sh-p2wpkh
	{0x04, 0xb2, 0x47, 0x46}: versionXpub, // zpub: BIP84 p2wpkh
	{0x02, 0x95, 0xb4, 0x3f}: versionXpub, // Ypub: BIP49 multisig p2wsh-in-p2sh
	{0x02, 0xaa, 0x7e, 0xd3}: versionXpub, // Zpub: BIP84 multisig p2wsh

	// testnet
	versionTpub:              versionTpub,
	{0x04, 0x4a, 0x52, 0x62}: versionTpub, // upub: BIP49 p2sh-p2wpkh
	{0x04, 0x5f, 0x1c, 0xf6}: versionTpub, // vpub: BIP84 p2wpkh
	{0x02, 0x42, 0x89, 0xef}: versionTpub, // Upub: BIP49 multisig p2wsh-in-p2sh
	{0x02, 0x57, 0x54, 0x83}: versionTpub, // Vpub: BIP84 multisig p2wsh
}

// CanonicalizeXpub rewrites any recognized SLIP-0132 extended public key
// (ypub/zpub/Ypub/Zpub/upub/vpub/Upub/Vpub) to the standard xpub or tpub
// form a caller can feed into bip32Derivation matching. Depth, parent
// fingerprint, child number, chain code, and the public key itself are
// retained verbatim; only the 4-byte version prefix changes.
//
// A prefix this table does not recognize is returned unchanged, per
// spec §4.4. Malformed base58 or a wrong-length payload after decode
// returns ErrInvalidXpub.
func CanonicalizeXpub(xpub string) (string, error) {
	payload, version, err := decodeExtendedKey(xpub)
	if err != nil {
		return "", err
	}

	canonical, recognized := slip132Table[version]
	if !recognized {
		return xpub, nil
	}

	return encodeExtendedKey(payload, canonical), nil
}

// decodeExtendedKey base58check-decodes an extended key string and splits
// out its 4-byte version prefix. The remaining payload must be exactly 74
// bytes: depth(1) + parent fingerprint(4) + child number(4) + chain
// code(32) + key(33).
func decodeExtendedKey(xpub string) ([]byte, slip132Version, error) {
	decoded := base58.Decode(xpub)
	if len(decoded) < 4+4 {
		return nil, slip132Version{}, hwal.New(hwal.KindInvalidXpub, "xpub %q decodes too short", xpub)
	}

	body, checksum := decoded[:len(decoded)-4], decoded[len(decoded)-4:]
	want := chainhash.DoubleHashB(body)[:4]
	for i := range checksum {
		if checksum[i] != want[i] {
			return nil, slip132Version{}, hwal.New(hwal.KindInvalidXpub, "xpub %q failed checksum validation", xpub)
		}
	}

	if len(body) != 4+74 {
		return nil, slip132Version{}, hwal.New(hwal.KindInvalidXpub, "decoded extended key has payload length %d, want 74", len(body)-4)
	}

	var v slip132Version
	copy(v[:], body[:4])
	return body[4:], v, nil
}

// encodeExtendedKey base58check-encodes payload (the 74 trailing bytes of
// an extended key) under the given version prefix.
func encodeExtendedKey(payload []byte, version slip132Version) string {
	body := make([]byte, 0, 4+len(payload))
	body = append(body, version[:]...)
	body = append(body, payload...)

	checksum := chainhash.DoubleHashB(body)[:4]
	body = append(body, checksum...)

	return base58.Encode(body)
}

// ExtendedKeyNetwork reports whether a decoded extended key's version byte
// belongs to the mainnet or testnet family, independent of which SLIP-132
// variant it arrived in. It does not canonicalize the key.
func ExtendedKeyNetwork(xpub string) (string, error) {
	_, version, err := decodeExtendedKey(xpub)
	if err != nil {
		return "", err
	}
	canonical, recognized := slip132Table[version]
	if !recognized {
		return "", hwal.New(hwal.KindInvalidXpub, "unrecognized extended key version %x", version)
	}
	if canonical == versionXpub {
		return "mainnet", nil
	}
	return "testnet", nil
}
