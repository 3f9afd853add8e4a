// Package refimpl is a pure-software reference key and address deriver used
// only by this module's tests. spec.md places "address derivation by pure
// software" out of scope for the core: real signing always happens on a
// hardware device. This package exists so tests can obtain expected
// addresses that are known to be correct, without driving real hardware; it
// has no signing function.
package refimpl

import (
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// SeedLength is the recommended seed length (256 bits).
	SeedLength = 32

	// PurposeP2WPKH is the BIP84 purpose for native SegWit (P2WPKH).
	PurposeP2WPKH = 84
	// PurposeP2TR is the BIP86 purpose for Taproot (P2TR).
	PurposeP2TR = 86

	CoinTypeMainnet = 0
	CoinTypeTestnet = 1

	ScriptTypeP2WPKH = "p2wpkh"
	ScriptTypeP2TR   = "p2tr"
)

// NetworkParams returns the chain configuration for the given network name.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	default:
		return nil, fmt.Errorf("unknown network: %s (supported: mainnet, testnet)", network)
	}
}

// GenerateSeed creates a cryptographically secure random seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedLength)
	n, err := rand.Read(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to generate seed: %w", err)
	}
	if n != SeedLength {
		return nil, fmt.Errorf("insufficient random bytes: got %d, need %d", n, SeedLength)
	}
	return seed, nil
}

// DeriveAccountKey derives the account extended key from a seed.
// Path: m/purpose'/coin_type'/account'
func DeriveAccountKey(seed []byte, network string, account uint32, scriptType string) (*hdkeychain.ExtendedKey, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	var purpose uint32
	switch scriptType {
	case ScriptTypeP2TR:
		purpose = PurposeP2TR
	case ScriptTypeP2WPKH:
		purpose = PurposeP2WPKH
	default:
		return nil, fmt.Errorf("unknown script type: %s", scriptType)
	}

	purposeKey, err := masterKey.Derive(hdkeychain.HardenedKeyStart + purpose)
	if err != nil {
		return nil, fmt.Errorf("failed to derive purpose key: %w", err)
	}

	coinType := uint32(CoinTypeMainnet)
	if network == "testnet" {
		coinType = CoinTypeTestnet
	}
	coinTypeKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + coinType)
	if err != nil {
		return nil, fmt.Errorf("failed to derive coin type key: %w", err)
	}

	accountKey, err := coinTypeKey.Derive(hdkeychain.HardenedKeyStart + account)
	if err != nil {
		return nil, fmt.Errorf("failed to derive account key: %w", err)
	}

	return accountKey, nil
}

// DeriveAddressKey derives a key for a specific change/index pair.
// Path: m/purpose'/coin_type'/account'/change/index
func DeriveAddressKey(accountKey *hdkeychain.ExtendedKey, change, index uint32) (*hdkeychain.ExtendedKey, error) {
	changeKey, err := accountKey.Derive(change)
	if err != nil {
		return nil, fmt.Errorf("failed to derive change key: %w", err)
	}
	addressKey, err := changeKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address key: %w", err)
	}
	return addressKey, nil
}

// DeriveReceivingKey derives m/purpose'/coin'/0'/0/index.
func DeriveReceivingKey(seed []byte, network string, index uint32, scriptType string) (*hdkeychain.ExtendedKey, error) {
	accountKey, err := DeriveAccountKey(seed, network, 0, scriptType)
	if err != nil {
		return nil, err
	}
	return DeriveAddressKey(accountKey, 0, index)
}

// DeriveChangeKey derives m/purpose'/coin'/0'/1/index.
func DeriveChangeKey(seed []byte, network string, index uint32, scriptType string) (*hdkeychain.ExtendedKey, error) {
	accountKey, err := DeriveAccountKey(seed, network, 0, scriptType)
	if err != nil {
		return nil, err
	}
	return DeriveAddressKey(accountKey, 1, index)
}

// GetPrivateKey extracts the EC private key from an extended key.
func GetPrivateKey(key *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	if !key.IsPrivate() {
		return nil, fmt.Errorf("extended key is not private")
	}
	return key.ECPrivKey()
}

// GetPublicKey extracts the EC public key from an extended key.
func GetPublicKey(key *hdkeychain.ExtendedKey) (*btcec.PublicKey, error) {
	return key.ECPubKey()
}

// DerivationPath returns the canonical string form of a derivation path.
func DerivationPath(network string, change, index uint32, scriptType string) string {
	coinType := CoinTypeMainnet
	if network == "testnet" {
		coinType = CoinTypeTestnet
	}
	purpose := PurposeP2WPKH
	if scriptType == ScriptTypeP2TR {
		purpose = PurposeP2TR
	}
	return fmt.Sprintf("m/%d'/%d'/0'/%d/%d", purpose, coinType, change, index)
}

// MasterFingerprint computes HASH160(master pubkey)[:4], the value a real
// device reports as its master fingerprint.
func MasterFingerprint(seed []byte, network string) ([4]byte, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return [4]byte{}, err
	}
	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return [4]byte{}, fmt.Errorf("failed to create master key: %w", err)
	}
	pub, err := masterKey.ECPubKey()
	if err != nil {
		return [4]byte{}, fmt.Errorf("failed to get master public key: %w", err)
	}
	var fpr [4]byte
	copy(fpr[:], btcutil.Hash160(pub.SerializeCompressed())[:4])
	return fpr, nil
}
