// Package jade drives a Blockstream Jade device over its USB-serial port,
// speaking the CBOR-RPC protocol Jade's firmware exposes: a CBOR-encoded
// request map carrying an id/method/params, answered by a CBOR-encoded
// response map correlated by that same id.
package jade

import (
	"bytes"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"

	"github.com/dan/hwal-core"
)

// request is the CBOR-RPC envelope Jade expects for every call.
type request struct {
	ID     string      `cbor:"id"`
	Method string      `cbor:"method"`
	Params interface{} `cbor:"params,omitempty"`
}

// jadeError is Jade's CBOR-RPC error shape.
type jadeError struct {
	Code    int    `cbor:"code"`
	Message string `cbor:"message"`
}

// response is the generic CBOR-RPC reply envelope; Result is decoded again
// into a typed struct by the caller once the id has been matched.
type response struct {
	ID     string      `cbor:"id"`
	Result cbor.RawMessage `cbor:"result"`
	Error  *jadeError  `cbor:"error"`
}

var nextID atomic.Uint64

// newRequestID returns a small monotonic id unique within this process,
// sufficient for matching a single outstanding request/response pair per
// session (Jade sessions are serialized, never pipelined).
func newRequestID() string {
	n := nextID.Add(1)
	return "hwal-" + itoa(n)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// decodeFrame attempts to CBOR-decode a complete response from buf. It
// returns (resp, consumed, true) on success; (zero, 0, false) when buf
// holds an incomplete message so the caller should keep reading, per
// §4.2's "CBOR uses streaming decode that errors on incomplete input and
// succeeds on full."
func decodeFrame(buf []byte) (response, int, bool) {
	dec := cbor.NewDecoder(bytes.NewReader(buf))
	var resp response
	if err := dec.Decode(&resp); err != nil {
		return response{}, 0, false
	}
	return resp, int(dec.NumBytesRead()), true
}

// statusToKind classifies a Jade CBOR-RPC error code into this module's
// error taxonomy. Substring/code matching is confined to this one table,
// per the re-architecture note against ad hoc error-string duck typing.
func statusToKind(code int) hwal.Kind {
	switch code {
	case -32000:
		return hwal.KindUserAbort
	case -32001:
		return hwal.KindDeviceLocked
	case -32002:
		return hwal.KindTimeout
	default:
		return hwal.KindProtocol
	}
}
