// Package trezor drives a Trezor device over the Trezor Bridge daemon's
// HTTP JSON-RPC transport. Unlike Ledger/BitBox02/Jade, Trezor does not
// accept a PSBT directly; it signs from structured input/output records
// and returns a fully serialized raw transaction, bypassing C7
// finalization entirely.
package trezor

import (
	"context"

	"github.com/dan/hwal-core"
)

// InputScriptType mirrors Trezor's enum for how an input should be signed.
type InputScriptType string

const (
	SpendAddress      InputScriptType = "SPENDADDRESS"
	SpendP2SHWitness   InputScriptType = "SPENDP2SHWITNESS"
	SpendWitness       InputScriptType = "SPENDWITNESS"
	SpendTaproot       InputScriptType = "SPENDTAPROOT"
	SpendMultisig      InputScriptType = "SPENDMULTISIG"
)

// OutputScriptType mirrors Trezor's enum for change outputs.
type OutputScriptType string

const (
	PayToAddress     OutputScriptType = "PAYTOADDRESS"
	PayToP2SHWitness OutputScriptType = "PAYTOP2SHWITNESS"
	PayToWitness     OutputScriptType = "PAYTOWITNESS"
	PayToTaproot     OutputScriptType = "PAYTOTAPROOT"
	PayToMultisig    OutputScriptType = "PAYTOMULTISIG"
)

// MultisigCosigner is the wire shape of one §4.5-reconstructed cosigner,
// as Trezor's HDNodePathType / multisig redeem-script field expects it.
type MultisigCosigner struct {
	XpubOrPubkey string `json:"node"`
	AddressN     []uint32 `json:"address_n"`
}

// MultisigRedeemScript describes an m-of-n policy for SPENDMULTISIG inputs.
type MultisigRedeemScript struct {
	M         int                `json:"m"`
	Cosigners []MultisigCosigner `json:"pubkeys"`
}

// TrezorInput is one signed-tx input record, per §4.6's Trezor algorithm.
type TrezorInput struct {
	AddressN       []uint32              `json:"address_n"`
	PrevHash       string                `json:"prev_hash"` // hex, byte-reversed (display order)
	PrevIndex      uint32                `json:"prev_index"`
	ScriptType     InputScriptType       `json:"script_type"`
	Sequence       uint32                `json:"sequence"`
	Amount         string                `json:"amount"` // satoshis, string-encoded
	Multisig       *MultisigRedeemScript `json:"multisig,omitempty"`
}

// TrezorOutput is one signed-tx output record.
type TrezorOutput struct {
	AddressN   []uint32         `json:"address_n,omitempty"`
	Address    string           `json:"address,omitempty"`
	Amount     string           `json:"amount"`
	ScriptType OutputScriptType `json:"script_type"`
}

// ReferenceTx is the JSON shape of a previous transaction in the device's
// reference-transaction exchange. SignPSBT does not build a ReferenceTx and
// does not send one to the device; see RefTxFetcher.
type ReferenceTx struct {
	Hash     string              `json:"hash"`
	Version  int32               `json:"version"`
	LockTime uint32              `json:"lock_time"`
	Inputs   []ReferenceTxInput  `json:"inputs"`
	Outputs  []ReferenceTxOutput `json:"bin_outputs"`
}

type ReferenceTxInput struct {
	PrevHash  string `json:"prev_hash"`
	PrevIndex uint32 `json:"prev_index"`
	ScriptSig string `json:"script_sig"`
	Sequence  uint32 `json:"sequence"`
}

type ReferenceTxOutput struct {
	Amount      string `json:"amount"`
	ScriptPubKey string `json:"script_pubkey"`
}

// RefTxFetcher fetches the raw hex of a previous transaction by txid.
// SignPSBT calls it once per legacy input's previous transaction and fails
// if the fetch fails or the hex does not decode as a transaction; the
// decoded transaction is not converted into a ReferenceTx and is not sent
// to the device. The caller owns how this is sourced
// (Electrum, a local node, a block explorer) — outside this module's scope.
type RefTxFetcher func(ctx context.Context, txid string) (string, error)

// scriptTypeForPath implements §4.6's BIP-purpose-to-script-type mapping.
// The 48'-prefixed multisig case additionally keys off the script-type
// component at index 3 (2' => witness, 1' => p2sh-witness), per the BIP-48
// convention.
func scriptTypeForPath(path []uint32) InputScriptType {
	if len(path) == 0 {
		return SpendAddress
	}
	purpose := path[0] &^ hwal.HardenedBit
	switch purpose {
	case 44:
		return SpendAddress
	case 49:
		return SpendP2SHWitness
	case 84:
		return SpendWitness
	case 86:
		return SpendTaproot
	case 48:
		if len(path) > 3 {
			switch path[3] &^ hwal.HardenedBit {
			case 2:
				return SpendWitness
			case 1:
				return SpendP2SHWitness
			}
		}
		return SpendMultisig
	default:
		return SpendAddress
	}
}
