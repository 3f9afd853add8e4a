// Package ledger drives a Ledger device over USB HID, speaking the APDU
// framing Ledger's Bitcoin app uses for GetVersion/GetExtendedPubkey/
// SignPsbt exchanges.
package ledger

import (
	"encoding/binary"

	"github.com/dan/hwal-core"
)

// op is a Ledger Bitcoin-app APDU instruction byte.
type op byte

const (
	opGetVersion         op = 0x01
	opGetExtendedPubkey  op = 0x05
	opGetMasterFingerprint op = 0x05 // same APDU family; distinguished by payload shape
	opSignPsbt           op = 0x06
)

const (
	channelID   = 0x0101
	commandTag  = 0x05
	reportSize  = 64
)

// encodeAPDU chunks a logical APDU (class/ins/p1/p2/data) into HID report
// frames, grounded on the channel-id/command-tag/sequence header the
// go-ethereum Ledger driver's exchange() builds for the same Ledger
// transport family.
func encodeAPDU(ins op, p1, p2 byte, data []byte) [][]byte {
	payload := make([]byte, 0, 5+len(data))
	payload = append(payload, 0xe0, byte(ins), p1, p2, byte(len(data)))
	payload = append(payload, data...)

	var frames [][]byte
	for seq := 0; len(payload) > 0 || len(frames) == 0; seq++ {
		header := make([]byte, 5)
		binary.BigEndian.PutUint16(header[0:], channelID)
		header[2] = commandTag
		binary.BigEndian.PutUint16(header[3:], uint16(seq))

		frame := make([]byte, reportSize)
		copy(frame, header)
		cursor := len(header)

		if seq == 0 {
			binary.BigEndian.PutUint16(frame[cursor:], uint16(len(payload)))
			cursor += 2
		}

		n := copy(frame[cursor:], payload)
		payload = payload[n:]
		frames = append(frames, frame)
	}
	return frames
}

// apduReassembler accumulates HID report frames until a complete APDU
// response has been read, per the channel-id/command-tag/sequence framing
// above in reverse.
type apduReassembler struct {
	want int
	got  []byte
}

func (r *apduReassembler) feed(frame []byte) (done bool, err error) {
	if len(frame) < 5 {
		return false, hwal.New(hwal.KindProtocol, "HID frame shorter than the 5-byte header")
	}
	if binary.BigEndian.Uint16(frame[0:2]) != channelID || frame[2] != commandTag {
		return false, hwal.New(hwal.KindProtocol, "unexpected HID frame header %x", frame[:3])
	}

	seq := binary.BigEndian.Uint16(frame[3:5])
	cursor := 5
	if seq == 0 {
		if len(frame) < 7 {
			return false, hwal.New(hwal.KindProtocol, "first HID frame missing length prefix")
		}
		r.want = int(binary.BigEndian.Uint16(frame[5:7]))
		cursor = 7
	}

	remaining := r.want - len(r.got)
	chunk := frame[cursor:]
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
	}
	r.got = append(r.got, chunk...)
	return len(r.got) >= r.want, nil
}

// result splits the reassembled APDU response into its data payload and
// two-byte status word.
func (r *apduReassembler) result() (data []byte, sw uint16, err error) {
	if len(r.got) < 2 {
		return nil, 0, hwal.New(hwal.KindProtocol, "APDU response shorter than the status word")
	}
	sw = binary.BigEndian.Uint16(r.got[len(r.got)-2:])
	return r.got[:len(r.got)-2], sw, nil
}

// statusToKind translates a Ledger status word into this module's error
// taxonomy. This is the one place substring/code matching is allowed, per
// the re-architecture note against ad hoc error-string duck typing.
func statusToKind(sw uint16) hwal.Kind {
	switch sw {
	case 0x9000:
		return hwal.KindInternal // caller should treat 0x9000 as success, not construct an error
	case 0x6985:
		return hwal.KindUserAbort
	case 0x6982, 0x6faa:
		return hwal.KindDeviceLocked
	case 0x6d00, 0x6e00:
		return hwal.KindWrongApp
	case 0x6a80, 0x6a86:
		return hwal.KindBadDerivation
	default:
		return hwal.KindProtocol
	}
}
