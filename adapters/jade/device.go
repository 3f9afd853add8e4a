package jade

import (
	"context"
	"encoding/hex"

	"github.com/fxamacker/cbor/v2"

	"github.com/dan/hwal-core"
)

// call writes a CBOR-encoded request and accumulates response bytes until a
// complete CBOR message decodes with a matching id, per §4.2's CBOR framing
// rule. Bytes belonging to a later message are never expected mid-call
// since a session serializes one outstanding roundtrip at a time.
func (a *Adapter) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := newRequestID()
	body, err := cbor.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return hwal.Wrap(hwal.KindInternal, err, "failed to encode jade request")
	}
	if err := a.tr.Write(ctx, body); err != nil {
		return err
	}

	var buf []byte
	for {
		chunk, err := a.tr.Read(ctx, a.deadline())
		if err != nil {
			return err
		}
		buf = append(buf, chunk...)

		resp, _, ok := decodeFrame(buf)
		if !ok {
			continue
		}
		if resp.ID != id {
			// A stray reply from a prior call; Jade sessions are
			// serialized so this should not occur, but drop it and
			// keep listening rather than misattribute a response.
			buf = nil
			continue
		}
		if resp.Error != nil {
			return hwal.New(statusToKind(resp.Error.Code), "jade: %s", resp.Error.Message)
		}
		if result == nil {
			return nil
		}
		if err := cbor.Unmarshal(resp.Result, result); err != nil {
			return hwal.Wrap(hwal.KindProtocol, err, "failed to decode jade result for %s", method)
		}
		return nil
	}
}

type versionInfoResult struct {
	JadeVersion string `cbor:"JADE_VERSION"`
}

type fingerprintResult struct {
	Fingerprint []byte `cbor:"fingerprint"`
}

type xpubResult struct {
	Xpub string `cbor:"xpub"`
}

type addressResult struct {
	Address string `cbor:"address"`
}

type signPSBTResult struct {
	PSBT string `cbor:"psbt"`
}

func (a *Adapter) getVersionInfo(ctx context.Context) (string, error) {
	var res versionInfoResult
	if err := a.call(ctx, "get_version_info", nil, &res); err != nil {
		return "", err
	}
	return res.JadeVersion, nil
}

func (a *Adapter) getMasterFingerprint(ctx context.Context, network string) (string, error) {
	var res fingerprintResult
	if err := a.call(ctx, "get_master_fingerprint", map[string]interface{}{"network": network}, &res); err != nil {
		return "", err
	}
	if len(res.Fingerprint) != 4 {
		return "", hwal.New(hwal.KindProtocol, "jade master fingerprint response had %d bytes, want 4", len(res.Fingerprint))
	}
	return hex.EncodeToString(res.Fingerprint), nil
}

func (a *Adapter) getExtendedPubkey(ctx context.Context, network string, path []uint32) (string, error) {
	var res xpubResult
	params := map[string]interface{}{"network": network, "path": path}
	if err := a.call(ctx, "get_xpub", params, &res); err != nil {
		return "", err
	}
	return res.Xpub, nil
}

func (a *Adapter) getAddressConfirmed(ctx context.Context, network string, path []uint32, expected string) (bool, error) {
	var res addressResult
	params := map[string]interface{}{"network": network, "path": path, "variant": "sh(wpkh(k))"}
	if err := a.call(ctx, "get_receive_address", params, &res); err != nil {
		if hwErr, ok := hwal.AsError(err); ok && hwErr.Kind == hwal.KindUserAbort {
			return false, nil
		}
		return false, err
	}
	return res.Address == expected, nil
}

func (a *Adapter) signPSBT(ctx context.Context, network string, psbtBase64 string) (string, error) {
	var res signPSBTResult
	params := map[string]interface{}{"network": network, "psbt": psbtBase64}
	if err := a.call(ctx, "sign_psbt", params, &res); err != nil {
		return "", err
	}
	return res.PSBT, nil
}
