package refimpl

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
)

// GenerateP2WPKHAddress generates a native SegWit (bech32) address from an extended key.
func GenerateP2WPKHAddress(key *hdkeychain.ExtendedKey, network string) (string, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return "", err
	}

	pubKey, err := key.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("failed to get public key: %w", err)
	}

	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2WPKH address: %w", err)
	}

	return addr.EncodeAddress(), nil
}

// GenerateP2TRAddress generates a Taproot (bech32m) address from an extended key.
// Uses BIP86 key-path only spending (no script tree).
func GenerateP2TRAddress(key *hdkeychain.ExtendedKey, network string) (string, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return "", err
	}

	pubKey, err := key.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("failed to get public key: %w", err)
	}

	taprootKey := txscript.ComputeTaprootKeyNoScript(pubKey)
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(taprootKey), params)
	if err != nil {
		return "", fmt.Errorf("failed to create P2TR address: %w", err)
	}

	return addr.EncodeAddress(), nil
}

// GenerateAddressFromSeed generates a receiving address for a specific index and script type.
func GenerateAddressFromSeed(seed []byte, network string, index uint32, scriptType string) (string, error) {
	key, err := DeriveReceivingKey(seed, network, index, scriptType)
	if err != nil {
		return "", err
	}

	switch scriptType {
	case ScriptTypeP2TR:
		return GenerateP2TRAddress(key, network)
	case ScriptTypeP2WPKH:
		return GenerateP2WPKHAddress(key, network)
	default:
		return "", fmt.Errorf("unsupported script type: %s", scriptType)
	}
}

// GetScriptPubKey returns the scriptPubKey for an address.
func GetScriptPubKey(address string, network string) ([]byte, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}

	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create scriptPubKey: %w", err)
	}

	return script, nil
}

// ValidateAddress checks if an address is valid for the given network.
func ValidateAddress(address string, network string) error {
	params, err := NetworkParams(network)
	if err != nil {
		return err
	}

	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}

	if !addr.IsForNet(params) {
		return fmt.Errorf("address is not for %s network", network)
	}

	return nil
}

// GetAddressType returns the script-type classification of an address.
func GetAddressType(address string, network string) (string, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return "", err
	}

	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return "", fmt.Errorf("invalid address: %w", err)
	}

	switch addr.(type) {
	case *btcutil.AddressPubKeyHash:
		return "p2pkh", nil
	case *btcutil.AddressScriptHash:
		return "p2sh", nil
	case *btcutil.AddressWitnessPubKeyHash:
		return "p2wpkh", nil
	case *btcutil.AddressWitnessScriptHash:
		return "p2wsh", nil
	case *btcutil.AddressTaproot:
		return "p2tr", nil
	default:
		return "unknown", nil
	}
}
