// Package hwal is the Hardware Wallet Signing Abstraction Layer: a uniform,
// vendor-agnostic interface that drives Ledger, Trezor, BitBox02, and Jade
// signing devices through a common lifecycle — discovery, pairing, xpub
// retrieval, PSBT signing, and address verification.
package hwal

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Registry is the adapter registry / service façade (C8). It holds a
// mapping from device type to adapter and owns at-most-one active session
// across the process lifetime; no hidden globals, per the re-architecture
// note against "vendor SDKs as implicit globals."
type Registry struct {
	log hclog.Logger

	mu       sync.Mutex
	adapters map[VendorType]Adapter
	active   Adapter
}

// NewRegistry constructs an empty registry. A nil logger is replaced with a
// null logger so every call site can log unconditionally.
func NewRegistry(log hclog.Logger) *Registry {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Registry{
		log:      log,
		adapters: make(map[VendorType]Adapter),
	}
}

// RegisterAdapter adds an adapter under its vendor type. Adapters are
// registered once at service construction; re-registering the same vendor
// type replaces the prior entry (it must not be the active one).
func (r *Registry) RegisterAdapter(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vt := a.VendorType()
	if r.active != nil && r.active.VendorType() == vt {
		return newErr(KindInternal, "cannot replace adapter %q while it is the active session", vt)
	}
	r.adapters[vt] = a
	r.log.Debug("adapter registered", "vendor", vt)
	return nil
}

// Connect resolves the adapter either from an explicit device type, the
// sole registered adapter, or ErrAmbiguous when more than one is registered
// and none was named. Connecting to a different type transparently
// disconnects any previously active session.
func (r *Registry) Connect(ctx context.Context, deviceType VendorType) (*Device, error) {
	r.mu.Lock()
	adapter, err := r.resolveAdapterLocked(deviceType)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	prior := r.active
	r.mu.Unlock()

	if prior != nil && prior != adapter {
		r.log.Info("switching active adapter", "from", prior.VendorType(), "to", adapter.VendorType())
		if derr := prior.Disconnect(); derr != nil {
			r.log.Warn("error disconnecting previous adapter", "vendor", prior.VendorType(), "error", derr)
		}
	}

	dev, err := adapter.Connect(ctx)
	if err != nil {
		r.log.Warn("connect failed", "vendor", adapter.VendorType(), "error", err)
		return nil, err
	}

	r.mu.Lock()
	r.active = adapter
	r.mu.Unlock()

	r.log.Info("connected", "vendor", dev.Vendor, "device_id", dev.DeviceID, "fingerprint", dev.Fingerprint)
	return dev, nil
}

func (r *Registry) resolveAdapterLocked(deviceType VendorType) (Adapter, error) {
	if deviceType != "" {
		a, ok := r.adapters[deviceType]
		if !ok {
			return nil, newErr(KindUnsupported, "no adapter registered for device type %q", deviceType)
		}
		return a, nil
	}
	if len(r.adapters) == 1 {
		for _, a := range r.adapters {
			return a, nil
		}
	}
	if len(r.adapters) == 0 {
		return nil, newErr(KindUnsupported, "no adapters registered")
	}
	return nil, ErrAmbiguous
}

// Disconnect closes the active session, if any. It is a no-op when there is
// no active adapter.
func (r *Registry) Disconnect() error {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()

	if active == nil {
		return nil
	}
	err := active.Disconnect()

	r.mu.Lock()
	if r.active == active {
		r.active = nil
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("disconnect error", "vendor", active.VendorType(), "error", err)
		return err
	}
	r.log.Info("disconnected", "vendor", active.VendorType())
	return nil
}

// GetDevice returns the active adapter's device descriptor, or nil if there
// is no active session.
func (r *Registry) GetDevice() *Device {
	active := r.activeAdapter()
	if active == nil {
		return nil
	}
	return active.GetDevice()
}

// EnumerateDevices lists authorized devices across every registered adapter
// that supports the capability; adapters that don't are skipped silently
// rather than erroring, matching the capability-query design in spec §9.
func (r *Registry) EnumerateDevices(ctx context.Context) ([]Device, error) {
	r.mu.Lock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.Unlock()

	var all []Device
	for _, a := range adapters {
		if !a.SupportsEnumerateAuthorized() {
			continue
		}
		devices, err := a.EnumerateAuthorized(ctx)
		if err != nil {
			r.log.Warn("enumerate failed", "vendor", a.VendorType(), "error", err)
			continue
		}
		all = append(all, devices...)
	}
	return all, nil
}

// GetXpub delegates to the active adapter, failing with ErrNotConnected if
// there is none.
func (r *Registry) GetXpub(ctx context.Context, path string) (*XpubResult, error) {
	active := r.activeAdapter()
	if active == nil {
		return nil, ErrNotConnected
	}
	return active.GetXpub(ctx, path)
}

// SignPSBT delegates to the active adapter, failing with ErrNotConnected if
// there is none. Adapter errors propagate unmodified.
func (r *Registry) SignPSBT(ctx context.Context, req *SignRequest) (*SignResponse, error) {
	active := r.activeAdapter()
	if active == nil {
		return nil, ErrNotConnected
	}
	return active.SignPSBT(ctx, req)
}

// VerifyAddress delegates to the active adapter, failing with
// ErrNotConnected if there is none.
func (r *Registry) VerifyAddress(ctx context.Context, path string, expected string) (bool, error) {
	active := r.activeAdapter()
	if active == nil {
		return false, ErrNotConnected
	}
	return active.VerifyAddress(ctx, path, expected)
}

func (r *Registry) activeAdapter() Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
