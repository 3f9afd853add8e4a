package hwal

import (
	"context"
	"testing"
)

// fakeAdapter is an in-memory Adapter used to exercise the registry without
// any real transport, matching the teacher's table-driven test style.
type fakeAdapter struct {
	vendor            VendorType
	supportsVerify    bool
	supportsEnumerate bool

	state      SessionState
	dev        *Device
	connectErr error
	signErr    error
	authorized []Device
}

func newFakeAdapter(vendor VendorType) *fakeAdapter {
	return &fakeAdapter{vendor: vendor, state: StateClosed}
}

func (f *fakeAdapter) VendorType() VendorType { return f.vendor }
func (f *fakeAdapter) IsSupported() bool      { return true }

func (f *fakeAdapter) SupportsVerifyAddress() bool       { return f.supportsVerify }
func (f *fakeAdapter) SupportsEnumerateAuthorized() bool { return f.supportsEnumerate }

func (f *fakeAdapter) IsConnected() bool { return f.state == StateOpen }
func (f *fakeAdapter) GetDevice() *Device {
	if f.state != StateOpen {
		return nil
	}
	return f.dev
}

func (f *fakeAdapter) EnumerateAuthorized(ctx context.Context) ([]Device, error) {
	if !f.supportsEnumerate {
		return nil, ErrUnsupported
	}
	return f.authorized, nil
}

func (f *fakeAdapter) Connect(ctx context.Context) (*Device, error) {
	f.state = StateOpening
	if f.connectErr != nil {
		f.state = StateClosed
		return nil, f.connectErr
	}
	f.dev = &Device{DeviceID: "fake-1", Vendor: f.vendor, Connected: true, Fingerprint: "deadbeef"}
	f.state = StateOpen
	return f.dev, nil
}

func (f *fakeAdapter) Disconnect() error {
	f.state = StateClosed
	f.dev = nil
	return nil
}

func (f *fakeAdapter) GetXpub(ctx context.Context, path string) (*XpubResult, error) {
	if f.state != StateOpen {
		return nil, ErrNotConnected
	}
	return &XpubResult{Xpub: "xpub000", MasterFingerprintHex: "deadbeef", Path: path}, nil
}

func (f *fakeAdapter) SignPSBT(ctx context.Context, req *SignRequest) (*SignResponse, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	return &SignResponse{PSBTBytes: req.PSBTBytes, SignaturesCount: 1, SignatureCountExact: true}, nil
}

func (f *fakeAdapter) VerifyAddress(ctx context.Context, path string, expected string) (bool, error) {
	if !f.supportsVerify {
		return false, ErrUnsupported
	}
	return true, nil
}

func TestRegistryConnectSoleAdapter(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeAdapter(VendorLedger)
	if err := r.RegisterAdapter(a); err != nil {
		t.Fatalf("RegisterAdapter() error = %v", err)
	}

	dev, err := r.Connect(context.Background(), "")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if dev.Vendor != VendorLedger {
		t.Errorf("Vendor = %v, want %v", dev.Vendor, VendorLedger)
	}
}

func TestRegistryConnectAmbiguousWithoutType(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterAdapter(newFakeAdapter(VendorLedger))
	r.RegisterAdapter(newFakeAdapter(VendorTrezor))

	_, err := r.Connect(context.Background(), "")
	if err != ErrAmbiguous {
		t.Errorf("Connect() error = %v, want ErrAmbiguous", err)
	}
}

func TestRegistryConnectExplicitType(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterAdapter(newFakeAdapter(VendorLedger))
	r.RegisterAdapter(newFakeAdapter(VendorTrezor))

	dev, err := r.Connect(context.Background(), VendorTrezor)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if dev.Vendor != VendorTrezor {
		t.Errorf("Vendor = %v, want %v", dev.Vendor, VendorTrezor)
	}
}

func TestRegistryConnectUnknownType(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterAdapter(newFakeAdapter(VendorLedger))

	_, err := r.Connect(context.Background(), VendorJade)
	if err == nil {
		t.Fatal("Connect() should fail for an unregistered device type")
	}
}

func TestRegistrySwitchingActiveAdapterDisconnectsPrevious(t *testing.T) {
	r := NewRegistry(nil)
	ledger := newFakeAdapter(VendorLedger)
	trezor := newFakeAdapter(VendorTrezor)
	r.RegisterAdapter(ledger)
	r.RegisterAdapter(trezor)

	if _, err := r.Connect(context.Background(), VendorLedger); err != nil {
		t.Fatalf("Connect(ledger) error = %v", err)
	}
	if !ledger.IsConnected() {
		t.Fatal("ledger should be connected")
	}

	if _, err := r.Connect(context.Background(), VendorTrezor); err != nil {
		t.Fatalf("Connect(trezor) error = %v", err)
	}
	if ledger.IsConnected() {
		t.Error("ledger should have been disconnected when switching to trezor")
	}
	if !trezor.IsConnected() {
		t.Error("trezor should be connected")
	}
}

func TestRegistryOperationsFailWithoutActiveAdapter(t *testing.T) {
	r := NewRegistry(nil)

	if _, err := r.GetXpub(context.Background(), "m/84'/0'/0'"); err != ErrNotConnected {
		t.Errorf("GetXpub() error = %v, want ErrNotConnected", err)
	}
	if _, err := r.SignPSBT(context.Background(), &SignRequest{}); err != ErrNotConnected {
		t.Errorf("SignPSBT() error = %v, want ErrNotConnected", err)
	}
	if _, err := r.VerifyAddress(context.Background(), "m/84'/0'/0'/0/0", "bc1q..."); err != ErrNotConnected {
		t.Errorf("VerifyAddress() error = %v, want ErrNotConnected", err)
	}
	if d := r.GetDevice(); d != nil {
		t.Errorf("GetDevice() = %v, want nil", d)
	}
}

func TestRegistryDisconnectIdempotentFromAnyState(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeAdapter(VendorLedger)
	r.RegisterAdapter(a)

	// Disconnect before ever connecting.
	if err := r.Disconnect(); err != nil {
		t.Fatalf("Disconnect() before connect error = %v", err)
	}

	if _, err := r.Connect(context.Background(), VendorLedger); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := r.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := r.Disconnect(); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}
}

func TestRegistryPropagatesAdapterErrors(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeAdapter(VendorLedger)
	a.signErr = ErrBadSignature
	r.RegisterAdapter(a)
	r.Connect(context.Background(), VendorLedger)

	_, err := r.SignPSBT(context.Background(), &SignRequest{PSBTBytes: []byte("psbt")})
	if err != ErrBadSignature {
		t.Errorf("SignPSBT() error = %v, want ErrBadSignature", err)
	}
}

func TestRegistryEnumerateSkipsUnsupportedAdapters(t *testing.T) {
	r := NewRegistry(nil)
	ledger := newFakeAdapter(VendorLedger)
	ledger.supportsEnumerate = true
	ledger.authorized = []Device{{DeviceID: "l1", Vendor: VendorLedger}}
	trezor := newFakeAdapter(VendorTrezor) // no enumerate support
	r.RegisterAdapter(ledger)
	r.RegisterAdapter(trezor)

	devices, err := r.EnumerateDevices(context.Background())
	if err != nil {
		t.Fatalf("EnumerateDevices() error = %v", err)
	}
	if len(devices) != 1 || devices[0].DeviceID != "l1" {
		t.Errorf("EnumerateDevices() = %v, want one device from ledger", devices)
	}
}

func TestRegistryVerifyAddressCapabilityQuery(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeAdapter(VendorLedger)
	a.supportsVerify = true
	r.RegisterAdapter(a)
	r.Connect(context.Background(), VendorLedger)

	ok, err := r.VerifyAddress(context.Background(), "m/84'/0'/0'/0/0", "bc1q...")
	if err != nil {
		t.Fatalf("VerifyAddress() error = %v", err)
	}
	if !ok {
		t.Error("VerifyAddress() = false, want true")
	}
}
