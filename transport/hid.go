package transport

import (
	"context"
	"time"

	"github.com/karalabe/hid"

	"github.com/dan/hwal-core"
)

// HIDTransport drives a USB HID device (Ledger, BitBox02) through
// karalabe/hid, reading and writing fixed-size HID reports. Framing above
// the raw report bytes (APDU chunk headers, length-prefix accounting) is
// each vendor's codec.go, not this file's concern.
type HIDTransport struct {
	guard sessionGuard

	dev *hid.Device
}

// ReportSize is the fixed HID report length these devices use.
const ReportSize = 64

func NewHIDTransport() *HIDTransport {
	return &HIDTransport{}
}

// Open enumerates attached HID devices matching filter and opens the first
// match. VendorID is required; ProductID and SerialNumber narrow further.
func (t *HIDTransport) Open(ctx context.Context, filter DeviceFilter) error {
	if filter.VendorID == 0 {
		return hwal.New(hwal.KindUnsupported, "HID transport requires a vendor ID filter")
	}

	infos := hid.Enumerate(filter.VendorID, filter.ProductID)
	for _, info := range infos {
		if filter.SerialNumber != "" && info.Serial != filter.SerialNumber {
			continue
		}
		dev, err := info.Open()
		if err != nil {
			return hwal.Wrap(hwal.KindTransportLost, err, "failed to open HID device %04x:%04x", info.VendorID, info.ProductID)
		}
		t.dev = dev
		return nil
	}
	return hwal.New(hwal.KindUnsupported, "no HID device matched vendor %04x product %04x", filter.VendorID, filter.ProductID)
}

func (t *HIDTransport) Write(ctx context.Context, p []byte) error {
	if err := t.guard.enter(); err != nil {
		return err
	}
	defer t.guard.leave()

	if t.dev == nil {
		return hwal.ErrNotConnected
	}
	if _, err := t.dev.Write(p); err != nil {
		return hwal.Wrap(hwal.KindTransportLost, err, "HID write failed")
	}
	return nil
}

func (t *HIDTransport) Read(ctx context.Context, deadline time.Duration) ([]byte, error) {
	if err := t.guard.enter(); err != nil {
		return nil, err
	}
	defer t.guard.leave()

	if t.dev == nil {
		return nil, hwal.ErrNotConnected
	}

	buf := make([]byte, ReportSize)
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := t.dev.Read(buf)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, hwal.Wrap(hwal.KindTransportLost, r.err, "HID read failed")
		}
		return buf[:r.n], nil
	case <-time.After(deadline):
		return nil, hwal.ErrTimeout
	case <-ctx.Done():
		return nil, hwal.Wrap(hwal.KindTransportLost, ctx.Err(), "HID read cancelled")
	}
}

// Close is idempotent: closing an already-closed or never-opened
// transport succeeds.
func (t *HIDTransport) Close() error {
	if t.dev == nil {
		return nil
	}
	dev := t.dev
	t.dev = nil
	return dev.Close()
}

// ListAuthorized is unsupported for HID: the OS does not distinguish
// "previously authorized" from "currently enumerable" the way WebUSB does.
func (t *HIDTransport) ListAuthorized(ctx context.Context) ([]DeviceInfo, error) {
	return nil, hwal.ErrUnsupported
}
