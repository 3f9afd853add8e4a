// Package transport implements the raw byte-level link to a hardware
// signing device (C1): HID, USB interrupt/APDU framing, serial, and the
// Trezor bridge daemon's HTTP JSON-RPC. Transports deliver bytes in the
// order the device produced them; reassembling those bytes into logical
// messages is the wire codec's job (see the adapters/*/codec.go files).
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/dan/hwal-core"
)

// DeviceFilter narrows which physical device open() should attach to, when
// more than one candidate is present.
type DeviceFilter struct {
	VendorID  uint16
	ProductID uint16
	// SerialNumber, when non-empty, requires an exact match.
	SerialNumber string
}

// Transport is the capability set every backend implements, per spec §4.1.
type Transport interface {
	// Open acquires the underlying handle, applying filter if the backend
	// can enumerate multiple candidates.
	Open(ctx context.Context, filter DeviceFilter) error
	// Write sends bytes to the device. Callers must serialize Write/Read;
	// a transport does not queue overlapping requests.
	Write(ctx context.Context, p []byte) error
	// Read blocks for up to deadline for the next chunk of bytes.
	Read(ctx context.Context, deadline time.Duration) ([]byte, error)
	// Close releases the handle. It must be idempotent and safe to call
	// from any state, including after a failed Open.
	Close() error
	// ListAuthorized enumerates previously authorized devices without
	// opening a session (WebUSB-style transports only).
	ListAuthorized(ctx context.Context) ([]DeviceInfo, error)
}

// DeviceInfo is the transport-level device identity surfaced by
// ListAuthorized, before any vendor protocol has run.
type DeviceInfo struct {
	VendorID     uint16
	ProductID    uint16
	SerialNumber string
	Path         string
}

// sessionGuard serializes Write/Read pairs on a transport and turns a
// second concurrent attempt into ErrConcurrentUse instead of corrupting
// the wire, per §4.1 ("overlapping outstanding requests are a programming
// error").
type sessionGuard struct {
	mu   sync.Mutex
	busy bool
}

func (g *sessionGuard) enter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return hwal.ErrConcurrentUse
	}
	g.busy = true
	return nil
}

func (g *sessionGuard) leave() {
	g.mu.Lock()
	g.busy = false
	g.mu.Unlock()
}
