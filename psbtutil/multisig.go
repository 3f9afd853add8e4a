package psbtutil

import (
	"bytes"
	"encoding/hex"
	"sort"

	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/dan/hwal-core"
)

// Cosigner is one signer in a reconstructed multisig policy. Node carries
// either the canonical xpub (preferred) or, when no fingerprint match was
// found in the caller-supplied key table, the raw compressed pubkey as a
// fallback — some vendors reject the fallback outright, and that rejection
// is surfaced unmodified by the adapter that attempted it.
type Cosigner struct {
	Node         string
	IsXpub       bool
	PubKey       []byte
	ChildPath    []uint32
	MasterFinger string
}

// MultisigPolicy is the reconstructed m-of-n witness script description
// used to drive vendors that need full node keys to re-derive the script
// themselves (see §4.5: "multisig-aware devices will only validate and
// sign when they can re-derive the full script independently").
type MultisigPolicy struct {
	M, N      int
	Cosigners []Cosigner
}

// ReconstructMultisig parses witnessScript as
// OP_M <pubkey>×n OP_N OP_CHECKMULTISIG, validates 1 <= m <= n <= 16, and
// builds a BIP-67-sorted cosigner list. xpubsByFingerprint maps a
// lowercased-hex master fingerprint to a canonical xpub string; derivations
// supply each cosigner's bip32 path so the right fingerprint and child path
// can be attached to the pubkey that script parsing alone cannot provide.
func ReconstructMultisig(witnessScript []byte, derivations []*psbt.Bip32Derivation, xpubsByFingerprint map[string]string) (*MultisigPolicy, error) {
	m, n, pubkeys, err := parseMultisigScript(witnessScript)
	if err != nil {
		return nil, err
	}
	if len(pubkeys) != n {
		return nil, hwal.New(hwal.KindPolicyMismatch, "witness script declares n=%d but contains %d pubkeys", n, len(pubkeys))
	}

	sort.Slice(pubkeys, func(i, j int) bool {
		return bytes.Compare(pubkeys[i], pubkeys[j]) < 0
	})

	cosigners := make([]Cosigner, 0, len(pubkeys))
	for _, pk := range pubkeys {
		cs := Cosigner{PubKey: pk, Node: hex.EncodeToString(pk)}

		if deriv := matchDerivationForPubkey(derivations, pk); deriv != nil {
			fpr := fingerprintHex(deriv.MasterKeyFingerprint)
			cs.MasterFinger = fpr
			cs.ChildPath = lastTwoComponents(deriv.Bip32Path)
			if xpub, ok := xpubsByFingerprint[fpr]; ok {
				cs.Node = xpub
				cs.IsXpub = true
			}
		}
		cosigners = append(cosigners, cs)
	}

	return &MultisigPolicy{M: m, N: n, Cosigners: cosigners}, nil
}

// parseMultisigScript reads m and n from the script's first and
// second-to-last opcodes (OP_1..OP_16 are 0x51..0x60, i.e. 0x50 + N) and
// collects every compressed-pubkey push in between, grounded on the
// teacher's extractPubKeysFromScript byte walk.
func parseMultisigScript(script []byte) (m, n int, pubkeys [][]byte, err error) {
	if len(script) < 3 {
		return 0, 0, nil, hwal.New(hwal.KindPolicyMismatch, "witness script too short to be multisig")
	}

	const opBase = 0x50 // OP_1..OP_16 are opBase+1 .. opBase+16
	m = int(script[0]) - opBase
	n = int(script[len(script)-2]) - opBase
	if m < 1 || n > 16 || m > n {
		return 0, 0, nil, hwal.New(hwal.KindPolicyMismatch, "invalid multisig threshold m=%d n=%d", m, n)
	}

	for i := 1; i < len(script)-2; {
		opcode := script[i]
		i++
		switch {
		case opcode == 0x21 && i+33 <= len(script):
			pk := script[i : i+33]
			if pk[0] == 0x02 || pk[0] == 0x03 {
				pubkeys = append(pubkeys, append([]byte(nil), pk...))
			}
			i += 33
		case opcode >= 0x01 && opcode <= 0x4b:
			i += int(opcode)
		}
	}

	return m, n, pubkeys, nil
}

func matchDerivationForPubkey(derivations []*psbt.Bip32Derivation, pubkey []byte) *psbt.Bip32Derivation {
	for _, d := range derivations {
		if bytes.Equal(d.PubKey, pubkey) {
			return d
		}
	}
	return nil
}

// lastTwoComponents returns the change and index components of a
// derivation path, per §4.5's "child path: the last two unhardened
// components."
func lastTwoComponents(path []uint32) []uint32 {
	if len(path) < 2 {
		return nil
	}
	return path[len(path)-2:]
}

func fingerprintHex(fpr uint32) string {
	b := []byte{byte(fpr >> 24), byte(fpr >> 16), byte(fpr >> 8), byte(fpr)}
	return hex.EncodeToString(b)
}
