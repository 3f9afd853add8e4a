package jade

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestDecodeFrameIncompleteInput(t *testing.T) {
	full, err := cbor.Marshal(response{ID: "hwal-1", Result: cbor.RawMessage{0xa0}})
	if err != nil {
		t.Fatalf("cbor.Marshal() error = %v", err)
	}

	if _, _, ok := decodeFrame(full[:len(full)-1]); ok {
		t.Error("decodeFrame() succeeded on truncated input")
	}

	resp, n, ok := decodeFrame(full)
	if !ok {
		t.Fatal("decodeFrame() failed on complete input")
	}
	if resp.ID != "hwal-1" {
		t.Errorf("resp.ID = %q, want hwal-1", resp.ID)
	}
	if n != len(full) {
		t.Errorf("consumed = %d, want %d", n, len(full))
	}
}

func TestDecodeFrameReportsError(t *testing.T) {
	full, err := cbor.Marshal(response{ID: "hwal-2", Error: &jadeError{Code: -32000, Message: "user declined"}})
	if err != nil {
		t.Fatalf("cbor.Marshal() error = %v", err)
	}
	resp, _, ok := decodeFrame(full)
	if !ok {
		t.Fatal("decodeFrame() failed on an error response")
	}
	if resp.Error == nil || resp.Error.Code != -32000 {
		t.Errorf("resp.Error = %+v, want code -32000", resp.Error)
	}
}

func TestStatusToKindMapsKnownCodes(t *testing.T) {
	cases := map[int]string{
		-32000: "user_abort",
		-32001: "device_locked",
		-32002: "timeout",
		-1:     "protocol",
	}
	for code, want := range cases {
		if got := statusToKind(code).String(); got != want {
			t.Errorf("statusToKind(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestNewRequestIDIsUnique(t *testing.T) {
	a := newRequestID()
	b := newRequestID()
	if a == b {
		t.Errorf("newRequestID() returned the same id twice: %q", a)
	}
}
