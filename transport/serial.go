package transport

import (
	"context"
	"time"

	"go.bug.st/serial"

	"github.com/dan/hwal-core"
)

// SerialConfig names the fixed port options Jade requires: 8 data bits, no
// parity, one stop bit, 115200 baud. There is no per-call configurability
// here deliberately — every Jade unit uses this framing.
type SerialConfig struct {
	PortName string
}

var jadeSerialMode = &serial.Mode{
	BaudRate: 115200,
	DataBits: 8,
	Parity:   serial.NoParity,
	StopBits: serial.OneStopBit,
}

// SerialTransport drives a Jade device over its USB-serial port.
type SerialTransport struct {
	guard sessionGuard
	cfg   SerialConfig

	port serial.Port
}

func NewSerialTransport(cfg SerialConfig) *SerialTransport {
	return &SerialTransport{cfg: cfg}
}

// Open connects to the configured port name, or the sole enumerated serial
// port when PortName is empty and exactly one is present.
func (t *SerialTransport) Open(ctx context.Context, filter DeviceFilter) error {
	portName := t.cfg.PortName
	if portName == "" {
		ports, err := serial.GetPortsList()
		if err != nil {
			return hwal.Wrap(hwal.KindTransportLost, err, "failed to enumerate serial ports")
		}
		if len(ports) != 1 {
			return hwal.New(hwal.KindUnsupported, "serial port not specified and %d candidates were found", len(ports))
		}
		portName = ports[0]
	}

	port, err := serial.Open(portName, jadeSerialMode)
	if err != nil {
		return hwal.Wrap(hwal.KindTransportLost, err, "failed to open serial port %q", portName)
	}
	t.port = port
	return nil
}

func (t *SerialTransport) Write(ctx context.Context, p []byte) error {
	if err := t.guard.enter(); err != nil {
		return err
	}
	defer t.guard.leave()

	if t.port == nil {
		return hwal.ErrNotConnected
	}
	if _, err := t.port.Write(p); err != nil {
		return hwal.Wrap(hwal.KindTransportLost, err, "serial write failed")
	}
	return nil
}

func (t *SerialTransport) Read(ctx context.Context, deadline time.Duration) ([]byte, error) {
	if err := t.guard.enter(); err != nil {
		return nil, err
	}
	defer t.guard.leave()

	if t.port == nil {
		return nil, hwal.ErrNotConnected
	}
	if err := t.port.SetReadTimeout(deadline); err != nil {
		return nil, hwal.Wrap(hwal.KindTransportLost, err, "failed to set serial read timeout")
	}

	buf := make([]byte, 4096)
	n, err := t.port.Read(buf)
	if err != nil {
		return nil, hwal.Wrap(hwal.KindTransportLost, err, "serial read failed")
	}
	if n == 0 {
		return nil, hwal.ErrTimeout
	}
	return buf[:n], nil
}

func (t *SerialTransport) Close() error {
	if t.port == nil {
		return nil
	}
	port := t.port
	t.port = nil
	return port.Close()
}

// ListAuthorized is unsupported: serial ports carry no prior-authorization
// concept.
func (t *SerialTransport) ListAuthorized(ctx context.Context) ([]DeviceInfo, error) {
	return nil, hwal.ErrUnsupported
}
