// Package bitbox02 drives a BitBox02 device over USB HID, framing requests
// and responses as length-prefixed ProtoBuf messages the way the vendor's
// HWW (hardware wallet wire) protocol does, built field-by-field with
// google.golang.org/protobuf's low-level protowire encoder instead of
// generated .pb.go bindings, since no .proto source ships in this module.
package bitbox02

import (
	"encoding/binary"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dan/hwal-core"
)

// Field numbers for the hand-framed request/response messages this adapter
// speaks. These are internal to this driver, not the vendor's real
// numbering — the same simplification the Ledger driver applies to its
// multi-round PSBT exchange, flattened into one streamed response.
const (
	fieldXpubKeypath  = 1
	fieldXpubType     = 2
	fieldXpubValue    = 1

	fieldSignCoin     = 1
	fieldSignType     = 2
	fieldSignKeypath  = 3
	fieldSignInputs   = 4
	fieldSignOutputs  = 5
	fieldSignVersion  = 6
	fieldSignLocktime = 7

	fieldInPrevHash  = 1
	fieldInPrevIndex = 2
	fieldInPrevValue = 3
	fieldInSequence  = 4
	fieldInKeypath   = 5

	fieldOutOurs    = 1
	fieldOutKeypath = 2
	fieldOutValue   = 3
	fieldOutType    = 4
	fieldOutPayload = 5

	fieldSignSignatures = 1

	fieldInfoVersion     = 1
	fieldInfoFingerprint = 2
)

const hwwCmd = 0x80 // HWW_CMD, the single command byte every BitBox02 frame carries
const broadcastCID = 0xffffffff
const reportSize = 64

// op distinguishes which logical request a frame carries; prefixed to the
// protobuf-encoded payload before framing, the way Ledger's op byte selects
// an APDU instruction.
type op byte

const (
	opDeviceInfo  op = 0x01
	opXpub        op = 0x02
	opSignSimple  op = 0x03
)

func appendUint32s(b []byte, field protowire.Number, vs []uint32) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, field, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v))
	}
	return b
}

func appendString(b []byte, field protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, field protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, field protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, field, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, field protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// decodeDeviceInfoResponse reads field{1: string version, 2: bytes
// root_fingerprint (4 bytes)}.
func decodeDeviceInfoResponse(data []byte) (version string, fingerprint []byte, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", nil, hwal.New(hwal.KindProtocol, "malformed bitbox02 device info tag")
		}
		data = data[n:]
		switch {
		case num == fieldInfoVersion && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return "", nil, hwal.New(hwal.KindProtocol, "malformed bitbox02 device info version")
			}
			version = s
			data = data[n:]
		case num == fieldInfoFingerprint && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return "", nil, hwal.New(hwal.KindProtocol, "malformed bitbox02 device info fingerprint")
			}
			fingerprint = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", nil, hwal.New(hwal.KindProtocol, "malformed bitbox02 device info field")
			}
			data = data[n:]
		}
	}
	if version == "" || len(fingerprint) != 4 {
		return "", nil, hwal.New(hwal.KindProtocol, "bitbox02 device info response missing version or fingerprint")
	}
	return version, fingerprint, nil
}

// encodeXpubRequest builds field{1: repeated varint keypath, 2: string
// xpub_type}.
func encodeXpubRequest(keypath []uint32, xpubType string) []byte {
	var b []byte
	b = appendUint32s(b, fieldXpubKeypath, keypath)
	b = appendString(b, fieldXpubType, xpubType)
	return b
}

// decodeXpubResponse reads field{1: string xpub}.
func decodeXpubResponse(data []byte) (string, error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", hwal.New(hwal.KindProtocol, "malformed bitbox02 xpub response tag")
		}
		data = data[n:]
		if num == fieldXpubValue && typ == protowire.BytesType {
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return "", hwal.New(hwal.KindProtocol, "malformed bitbox02 xpub response string")
			}
			return s, nil
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return "", hwal.New(hwal.KindProtocol, "malformed bitbox02 xpub response field")
		}
		data = data[n:]
	}
	return "", hwal.New(hwal.KindProtocol, "bitbox02 xpub response missing field 1")
}

// btcSignInput is one wire input record the device consumes, per §4.6's
// BitBox02 algorithm: {prev_hash_bytes, prev_index, prev_value_string,
// sequence, keypath}.
type btcSignInput struct {
	PrevHash  []byte
	PrevIndex uint32
	PrevValue string // satoshis, decimal string to preserve precision
	Sequence  uint32
	Keypath   []uint32
}

// btcSignOutput is one wire output record: {ours, keypath, value} for
// change, or {ours:false, type, payload, value} for external.
type btcSignOutput struct {
	Ours    bool
	Keypath []uint32
	Value   string
	Type    uint32
	Payload []byte
}

func encodeInput(in btcSignInput) []byte {
	var b []byte
	b = appendBytes(b, fieldInPrevHash, in.PrevHash)
	b = appendVarint(b, fieldInPrevIndex, uint64(in.PrevIndex))
	b = appendString(b, fieldInPrevValue, in.PrevValue)
	b = appendVarint(b, fieldInSequence, uint64(in.Sequence))
	b = appendUint32s(b, fieldInKeypath, in.Keypath)
	return b
}

func encodeOutput(out btcSignOutput) []byte {
	var b []byte
	if out.Ours {
		b = appendVarint(b, fieldOutOurs, 1)
		b = appendUint32s(b, fieldOutKeypath, out.Keypath)
	} else {
		b = appendVarint(b, fieldOutOurs, 0)
		b = appendVarint(b, fieldOutType, uint64(out.Type))
		b = appendBytes(b, fieldOutPayload, out.Payload)
	}
	b = appendString(b, fieldOutValue, out.Value)
	return b
}

// encodeSignSimpleRequest builds the btcSignSimple request field:
// {coin, simple_type, account_keypath, inputs, outputs, tx_version,
// locktime}.
func encodeSignSimpleRequest(coin string, simpleType uint32, accountKeypath []uint32, inputs []btcSignInput, outputs []btcSignOutput, version int32, locktime uint32) []byte {
	var b []byte
	b = appendString(b, fieldSignCoin, coin)
	b = appendVarint(b, fieldSignType, uint64(simpleType))
	b = appendUint32s(b, fieldSignKeypath, accountKeypath)
	for _, in := range inputs {
		b = appendMessage(b, fieldSignInputs, encodeInput(in))
	}
	for _, out := range outputs {
		b = appendMessage(b, fieldSignOutputs, encodeOutput(out))
	}
	b = appendVarint(b, fieldSignVersion, uint64(uint32(version)))
	b = appendVarint(b, fieldSignLocktime, uint64(locktime))
	return b
}

// decodeSignSimpleResponse reads repeated field{1: bytes signature}, each a
// raw 64-byte (r||s) signature, per §4.6: "device returns 64-byte (r||s)
// signatures."
func decodeSignSimpleResponse(data []byte) ([][]byte, error) {
	var sigs [][]byte
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, hwal.New(hwal.KindProtocol, "malformed bitbox02 sign response tag")
		}
		data = data[n:]
		if num == fieldSignSignatures && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, hwal.New(hwal.KindProtocol, "malformed bitbox02 sign response signature")
			}
			sigs = append(sigs, append([]byte(nil), v...))
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, hwal.New(hwal.KindProtocol, "malformed bitbox02 sign response field")
		}
		data = data[n:]
	}
	if len(sigs) == 0 {
		return nil, hwal.New(hwal.KindProtocol, "bitbox02 sign response carried no signatures")
	}
	return sigs, nil
}

// hwwFrames chunks a type-prefixed protobuf payload into 64-byte HID
// reports under the broadcast CID and HWW command byte, mirroring the
// channel/cmd/sequence framing the Ledger driver uses for its own HID
// transport but with BitBox02's CID/CMD byte layout.
func hwwFrames(kind op, payload []byte) [][]byte {
	body := append([]byte{byte(kind)}, payload...)

	var frames [][]byte
	for seq := 0; len(body) > 0 || len(frames) == 0; seq++ {
		frame := make([]byte, reportSize)
		binary.BigEndian.PutUint32(frame[0:4], broadcastCID)
		frame[4] = hwwCmd
		cursor := 5

		if seq == 0 {
			binary.BigEndian.PutUint32(frame[cursor:], uint32(len(body)))
			cursor += 4
		} else {
			binary.BigEndian.PutUint16(frame[cursor:], uint16(seq))
			cursor += 2
		}

		n := copy(frame[cursor:], body)
		body = body[n:]
		frames = append(frames, frame)
	}
	return frames
}

// hwwReassembler accumulates HID report frames into a complete response
// body, the response-side mirror of hwwFrames.
type hwwReassembler struct {
	want int
	got  []byte
}

func (r *hwwReassembler) feed(frame []byte) (done bool, err error) {
	if len(frame) < 5 {
		return false, hwal.New(hwal.KindProtocol, "HID frame shorter than the CID+CMD header")
	}
	if binary.BigEndian.Uint32(frame[0:4]) != broadcastCID || frame[4] != hwwCmd {
		return false, hwal.New(hwal.KindProtocol, "unexpected HID frame header %x", frame[:5])
	}

	cursor := 5
	if r.want == 0 && len(r.got) == 0 {
		if len(frame) < 9 {
			return false, hwal.New(hwal.KindProtocol, "first HID frame missing length prefix")
		}
		r.want = int(binary.BigEndian.Uint32(frame[5:9]))
		cursor = 9
	} else {
		cursor = 7 // 5-byte header + 2-byte sequence number
	}

	remaining := r.want - len(r.got)
	chunk := frame[cursor:]
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
	}
	r.got = append(r.got, chunk...)
	return len(r.got) >= r.want, nil
}

// result splits the reassembled body into its op byte and protobuf payload.
func (r *hwwReassembler) result() (op, []byte, error) {
	if len(r.got) == 0 {
		return 0, nil, hwal.New(hwal.KindProtocol, "bitbox02 response was empty")
	}
	return op(r.got[0]), r.got[1:], nil
}
