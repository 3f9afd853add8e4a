package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/dan/hwal-core"
)

// sigResult is one (input, pubkey, signature) triple out of a signPsbt
// exchange, handed to psbtutil.ApplyECDSASignature/ApplyTaprootSignature by
// the caller.
type sigResult struct {
	inputIndex int
	pubkey     []byte
	signature  []byte
	isSchnorr  bool
}

// exchange writes a chunked APDU and reads back a reassembled response,
// returning its data payload with the status word checked against 0x9000.
func (a *Adapter) exchange(ctx context.Context, ins op, p1, p2 byte, data []byte) ([]byte, error) {
	frames := encodeAPDU(ins, p1, p2, data)
	for _, f := range frames {
		if err := a.tr.Write(ctx, f); err != nil {
			return nil, err
		}
	}

	var r apduReassembler
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

	payload, sw, err := r.result()
	if err != nil {
		return nil, err
	}
	if sw != 0x9000 {
		kind := statusToKind(sw)
		return nil, hwal.New(kind, "ledger returned status word %04x", sw)
	}
	return payload, nil
}

func encodePath(indices []uint32) []byte {
	out := make([]byte, 1+4*len(indices))
	out[0] = byte(len(indices))
	for i, idx := range indices {
		binary.BigEndian.PutUint32(out[1+4*i:], idx)
	}
	return out
}

func (a *Adapter) getVersion(ctx context.Context) (string, error) {
	data, err := a.exchange(ctx, opGetVersion, 0, 0, nil)
	if err != nil {
		return "", err
	}
	if len(data) < 3 {
		return "", hwal.New(hwal.KindProtocol, "ledger version response too short")
	}
	return fmt.Sprintf("%d.%d.%d", data[0], data[1], data[2]), nil
}

func (a *Adapter) getMasterFingerprint(ctx context.Context) (string, error) {
	data, err := a.exchange(ctx, opGetMasterFingerprint, 0x00, 0x00, nil)
	if err != nil {
		return "", err
	}
	if len(data) < 4 {
		return "", hwal.New(hwal.KindProtocol, "ledger master fingerprint response too short")
	}
	return hex.EncodeToString(data[:4]), nil
}

func (a *Adapter) getExtendedPubkey(ctx context.Context, path []uint32) (string, error) {
	data, err := a.exchange(ctx, opGetExtendedPubkey, 0x00, 0x00, encodePath(path))
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", hwal.New(hwal.KindProtocol, "ledger extended pubkey response was empty")
	}
	n := int(data[0])
	if len(data) < 1+n {
		return "", hwal.New(hwal.KindProtocol, "ledger extended pubkey response truncated")
	}
	return string(data[1 : 1+n]), nil
}

// getAddressConfirmed requests the device display the address derived
// from path and waits for on-device user confirmation (p1=0x01 requests
// display; without it the app would return the address silently, which
// VerifyAddress must never do).
func (a *Adapter) getAddressConfirmed(ctx context.Context, path []uint32, expected string) (bool, error) {
	data, err := a.exchange(ctx, opGetExtendedPubkey, 0x01, 0x00, encodePath(path))
	if err != nil {
		if hwErr, ok := hwal.AsError(err); ok && hwErr.Kind == hwal.KindUserAbort {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return false, hwal.New(hwal.KindProtocol, "ledger address confirmation response was empty")
	}
	n := int(data[0])
	if len(data) < 1+n {
		return false, hwal.New(hwal.KindProtocol, "ledger address confirmation response truncated")
	}
	return string(data[1:1+n]) == expected, nil
}

// signPsbt drives the device through signing every input the wallet policy
// covers, returning one sigResult per signature the device produced. The
// wire shape here flattens Ledger's real multi-round client/device PSBT
// interpreter exchange into a single streamed response of fixed-shape
// records (index, pubkey, signature, schnorr-flag), which is what this
// driver's codec actually frames on the transport.
func (a *Adapter) signPsbt(ctx context.Context, psbtBytes []byte, policy string) ([]sigResult, error) {
	req := make([]byte, 0, len(psbtBytes)+len(policy)+8)
	req = appendLP(req, []byte(policy))
	req = appendLP(req, psbtBytes)

	data, err := a.exchange(ctx, opSignPsbt, 0x00, 0x00, req)
	if err != nil {
		return nil, err
	}

	var results []sigResult
	cursor := 0
	for cursor < len(data) {
		if cursor+1 > len(data) {
			return nil, hwal.New(hwal.KindProtocol, "truncated signPsbt response")
		}
		idx := int(data[cursor])
		cursor++

		pubkey, n, err := readLP(data, cursor)
		if err != nil {
			return nil, err
		}
		cursor = n

		sig, n, err := readLP(data, cursor)
		if err != nil {
			return nil, err
		}
		cursor = n

		if cursor >= len(data) {
			return nil, hwal.New(hwal.KindProtocol, "signPsbt response missing schnorr flag")
		}
		isSchnorr := data[cursor] != 0
		cursor++

		results = append(results, sigResult{inputIndex: idx, pubkey: pubkey, signature: sig, isSchnorr: isSchnorr})
	}
	return results, nil
}

func appendLP(dst, data []byte) []byte {
	dst = append(dst, byte(len(data)))
	return append(dst, data...)
}

func readLP(data []byte, cursor int) ([]byte, int, error) {
	if cursor >= len(data) {
		return nil, 0, hwal.New(hwal.KindProtocol, "truncated length-prefixed field")
	}
	n := int(data[cursor])
	cursor++
	if cursor+n > len(data) {
		return nil, 0, hwal.New(hwal.KindProtocol, "length-prefixed field overruns response")
	}
	return data[cursor : cursor+n], cursor + n, nil
}
