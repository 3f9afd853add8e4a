package trezor

import (
	"context"
	"encoding/json"

	"github.com/dan/hwal-core"
	"github.com/dan/hwal-core/transport"
)

// call marshals req to JSON, writes it to tr, reads the single JSON
// response back, and unmarshals into resp. The Trezor Bridge HTTP
// transport already makes each Write/Read pair one request/response
// round trip, so no id correlation is needed at this layer.
func call(ctx context.Context, tr transport.Transport, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return hwal.Wrap(hwal.KindInternal, err, "failed to marshal trezor request")
	}
	if err := tr.Write(ctx, body); err != nil {
		return err
	}
	raw, err := tr.Read(ctx, 0)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		return hwal.Wrap(hwal.KindProtocol, err, "failed to decode trezor response")
	}
	return nil
}

type featuresRequest struct {
	Type string `json:"type"`
}

type featuresResponse struct {
	MajorVersion int    `json:"major_version"`
	MinorVersion int    `json:"minor_version"`
	PatchVersion int    `json:"patch_version"`
	DeviceID     string `json:"device_id"`
}

type getPublicKeyRequest struct {
	Type      string   `json:"type"`
	AddressN  []uint32 `json:"address_n"`
	ScriptType string  `json:"script_type,omitempty"`
}

type publicKeyResponse struct {
	Xpub              string `json:"xpub"`
	RootFingerprint    uint32 `json:"root_fingerprint"`
	Node               struct {
		Fingerprint uint32 `json:"fingerprint"`
	} `json:"node"`
}

type getAddressRequest struct {
	Type       string   `json:"type"`
	AddressN   []uint32 `json:"address_n"`
	ScriptType string   `json:"script_type,omitempty"`
	ShowDisplay bool    `json:"show_display"`
}

type addressResponse struct {
	Address string `json:"address"`
}

type signTxRequest struct {
	Type     string         `json:"type"`
	CoinName string         `json:"coin_name"`
	Version  int32          `json:"version"`
	LockTime uint32         `json:"lock_time"`
	Inputs   []TrezorInput  `json:"inputs"`
	Outputs  []TrezorOutput `json:"outputs"`
}

type signTxResponse struct {
	Serialized string `json:"serialized_tx"` // hex
}
