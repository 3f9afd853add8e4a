package jade

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dan/hwal-core"
	"github.com/dan/hwal-core/psbtutil"
	"github.com/dan/hwal-core/transport"
)

// Config holds Jade-adapter construction options.
type Config struct {
	// DefaultNetwork is used to fetch the master fingerprint at Connect
	// time, before any PSBT-derived network is known; it does not affect
	// which keys the device reports, only which coin-type prompt (if any)
	// the firmware shows.
	DefaultNetwork string
}

// Adapter drives a Blockstream Jade device over its USB-serial CBOR-RPC
// interface.
type Adapter struct {
	cfg Config
	log hclog.Logger
	tr  transport.Transport

	state  hwal.SessionState
	device *hwal.Device
}

func New(cfg Config, tr transport.Transport, log hclog.Logger) *Adapter {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if cfg.DefaultNetwork == "" {
		cfg.DefaultNetwork = "mainnet"
	}
	return &Adapter{cfg: cfg, tr: tr, log: log, state: hwal.StateClosed}
}

func (a *Adapter) VendorType() hwal.VendorType { return hwal.VendorJade }
func (a *Adapter) IsSupported() bool           { return true }

func (a *Adapter) SupportsVerifyAddress() bool       { return true }
func (a *Adapter) SupportsEnumerateAuthorized() bool { return false }

func (a *Adapter) IsConnected() bool { return a.state == hwal.StateOpen }

func (a *Adapter) GetDevice() *hwal.Device {
	if a.state != hwal.StateOpen {
		return nil
	}
	return a.device
}

func (a *Adapter) EnumerateAuthorized(ctx context.Context) ([]hwal.Device, error) {
	return nil, hwal.ErrUnsupported
}

func (a *Adapter) Connect(ctx context.Context) (*hwal.Device, error) {
	a.state = hwal.StateOpening

	if err := a.tr.Open(ctx, transport.DeviceFilter{}); err != nil {
		a.state = hwal.StateClosed
		return nil, err
	}

	version, err := a.getVersionInfo(ctx)
	if err != nil {
		a.tr.Close()
		a.state = hwal.StateClosed
		return nil, err
	}
	fpr, err := a.getMasterFingerprint(ctx, a.cfg.DefaultNetwork)
	if err != nil {
		a.tr.Close()
		a.state = hwal.StateClosed
		return nil, err
	}

	a.device = &hwal.Device{
		DeviceID:    "jade-" + fpr,
		Vendor:      hwal.VendorJade,
		Model:       version,
		Connected:   true,
		Fingerprint: fpr,
	}
	a.state = hwal.StateOpen
	a.log.Info("jade connected", "fingerprint", fpr, "firmware_version", version)
	return a.device, nil
}

func (a *Adapter) Disconnect() error {
	if a.state == hwal.StateClosed {
		return nil
	}
	a.state = hwal.StateClosing
	err := a.tr.Close()
	a.state = hwal.StateClosed
	a.device = nil
	return err
}

func (a *Adapter) GetXpub(ctx context.Context, path string) (*hwal.XpubResult, error) {
	if a.state != hwal.StateOpen {
		return nil, hwal.ErrNotConnected
	}
	indices, err := hwal.ParsePath(path)
	if err != nil {
		return nil, err
	}
	network, err := psbtutil.DetectNetwork(padToAccountDepth(indices))
	if err != nil {
		network = a.cfg.DefaultNetwork
	}
	xpub, err := a.getExtendedPubkey(ctx, network, indices)
	if err != nil {
		return nil, err
	}
	return &hwal.XpubResult{Xpub: xpub, MasterFingerprintHex: a.device.Fingerprint, Path: path}, nil
}

func (a *Adapter) VerifyAddress(ctx context.Context, path string, expected string) (bool, error) {
	if a.state != hwal.StateOpen {
		return false, hwal.ErrNotConnected
	}
	indices, err := hwal.ParsePath(path)
	if err != nil {
		return false, err
	}
	network, err := psbtutil.DetectNetwork(padToAccountDepth(indices))
	if err != nil {
		network = a.cfg.DefaultNetwork
	}
	return a.getAddressConfirmed(ctx, network, indices, expected)
}

// SignPSBT implements §4.6's Jade algorithm: a CBOR sign_psbt{network,
// psbt_base64} request, accumulated until a complete CBOR response decodes
// with a matching id; the result is a base64 signed PSBT. Jade's response
// carries no signature tally, so SignaturesCount is reported as the input
// count and flagged inexact via SignatureCountExact, per §9's open
// question.
func (a *Adapter) SignPSBT(ctx context.Context, req *hwal.SignRequest) (*hwal.SignResponse, error) {
	if a.state != hwal.StateOpen {
		return nil, hwal.ErrNotConnected
	}

	p, err := psbtutil.Parse(req.PSBTBytes)
	if err != nil {
		return nil, err
	}

	deviceFpr, err := fingerprintFromHex(a.device.Fingerprint)
	if err != nil {
		return nil, err
	}

	accountPath, err := psbtutil.DeriveAccountPath(p, req.AccountPath, deviceFpr, true)
	if err != nil {
		return nil, err
	}
	network, err := psbtutil.DetectNetwork(accountPath)
	if err != nil {
		return nil, err
	}

	psbtB64 := base64.StdEncoding.EncodeToString(req.PSBTBytes)
	signedB64, err := a.signPSBT(ctx, network, psbtB64)
	if err != nil {
		return nil, err
	}
	signedBytes, err := base64.StdEncoding.DecodeString(signedB64)
	if err != nil {
		return nil, hwal.Wrap(hwal.KindProtocol, err, "jade returned a non-base64 signed PSBT")
	}

	return &hwal.SignResponse{
		PSBTBytes:           signedBytes,
		SignaturesCount:     len(p.Inputs),
		SignatureCountExact: false,
	}, nil
}

// padToAccountDepth truncates or accepts a path as-is for network
// detection, which only inspects the first two components.
func padToAccountDepth(path []uint32) []uint32 {
	if len(path) > 4 {
		return path[:4]
	}
	return path
}

func fingerprintFromHex(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return 0, hwal.New(hwal.KindInternal, "device fingerprint %q is not 4 bytes of hex", s)
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func (a *Adapter) deadline() time.Duration { return 60 * time.Second }
