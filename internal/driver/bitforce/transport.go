package bitforce

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// Transport is the line-oriented byte pipe a BitForce session talks over.
// The real implementation is USBTransport; tests substitute a fake so the
// command/response state machine can be exercised without hardware, the
// same split guiperry-HASHER's USBDevice affords its callers.
type Transport interface {
	// Write sends raw bytes (a 3-byte ASCII command or a work frame).
	Write(p []byte) error
	// ReadLine blocks until a '\n'-terminated line arrives or timeout
	// elapses, returning the line with the terminator stripped.
	ReadLine(timeout time.Duration) (string, error)
	// Reset runs the FTDI initialization sequence spec.md §4.7 calls for on
	// detect, on comms error, on throttle, and on thread re-enable: chip
	// reset, data characteristics, baud rate, flow control, modem control,
	// then purge TX and purge RX.
	Reset() error
	Close() error
}

// USBTransport talks to a BitForce device over a USB bulk IN/OUT endpoint
// pair, grounded on guiperry-HASHER/internal/driver/device/usb_device.go's
// gousb.Context/Device/Config/Interface lifecycle.
type USBTransport struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	buf    bytes.Buffer
}

// OpenUSBTransport claims the first BitForce VID:PID device found on the
// USB bus. If serial is non-empty and that device reports a different serial
// number, it fails; other devices with the same VID:PID are not tried.
func OpenUSBTransport(serial string) (*USBTransport, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(USBVendorID), gousb.ID(USBProductID))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("bitforce: usb open: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("bitforce: no device matching vid:pid %04x:%04x", USBVendorID, USBProductID)
	}
	if serial != "" {
		if s, err := dev.SerialNumber(); err == nil && s != serial {
			dev.Close()
			ctx.Close()
			return nil, fmt.Errorf("bitforce: device serial %q does not match requested %q", s, serial)
		}
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("bitforce: set auto detach: %w", err)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("bitforce: claim config: %w", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("bitforce: claim interface: %w", err)
	}

	var inEP *gousb.InEndpoint
	var outEP *gousb.OutEndpoint
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn && inEP == nil {
			inEP, err = intf.InEndpoint(ep.Number)
			if err != nil {
				intf.Close()
				cfg.Close()
				dev.Close()
				ctx.Close()
				return nil, fmt.Errorf("bitforce: open in endpoint: %w", err)
			}
		}
		if ep.Direction == gousb.EndpointDirectionOut && outEP == nil {
			outEP, err = intf.OutEndpoint(ep.Number)
			if err != nil {
				intf.Close()
				cfg.Close()
				dev.Close()
				ctx.Close()
				return nil, fmt.Errorf("bitforce: open out endpoint: %w", err)
			}
		}
	}
	if inEP == nil || outEP == nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("bitforce: device exposes no bulk in/out endpoint pair")
	}

	return &USBTransport{ctx: ctx, dev: dev, cfg: cfg, intf: intf, in: inEP, out: outEP}, nil
}

// FTDI vendor control-request identifiers and values (AN232B-04 / libftdi's
// SIO_* command set), named to match the FTDI_REQUEST_*/FTDI_VALUE_*
// identifiers original_source/driver-bitforce.c's bitforce_initialise sends
// over usb_transfer's FTDI_TYPE_OUT control pipe.
const (
	ftdiRequestType = 0x40 // host-to-device | vendor | device recipient

	ftdiRequestReset = 0x00
	ftdiRequestModem = 0x01
	ftdiRequestFlow  = 0x02
	ftdiRequestBaud  = 0x03
	ftdiRequestData  = 0x04

	ftdiValueResetSIO  = 0x0000
	ftdiValuePurgeRX   = 0x0001
	ftdiValuePurgeTX   = 0x0002
	ftdiValueData8N1   = 0x0008 // 8 data bits, no parity, 1 stop bit
	ftdiValueFlowNone  = 0x0000
	ftdiValueModemDTR  = 0x0101 // DTR asserted (bit 0) with its mask bit (bit 8); RTS untouched
	ftdiValueBaud57600 = 0x0034 // BitForce's fixed link rate divisor
)

// Reset runs the FTDI initialization sequence (spec.md §4.7): chip reset,
// set data characteristics, set baud, set flow control, set modem control,
// purge TX, purge RX — each a single FTDI vendor control transfer, in the
// same order original_source/driver-bitforce.c's bitforce_initialise issues
// them.
func (t *USBTransport) Reset() error {
	steps := []struct {
		name    string
		request uint8
		value   uint16
	}{
		{"reset", ftdiRequestReset, ftdiValueResetSIO},
		{"set data characteristics", ftdiRequestData, ftdiValueData8N1},
		{"set baud rate", ftdiRequestBaud, ftdiValueBaud57600},
		{"set flow control", ftdiRequestFlow, ftdiValueFlowNone},
		{"set modem control", ftdiRequestModem, ftdiValueModemDTR},
		{"purge tx", ftdiRequestReset, ftdiValuePurgeTX},
		{"purge rx", ftdiRequestReset, ftdiValuePurgeRX},
	}
	for _, step := range steps {
		if _, err := t.dev.Control(ftdiRequestType, step.request, step.value, 0, nil); err != nil {
			return fmt.Errorf("bitforce: ftdi %s: %w", step.name, err)
		}
	}
	return nil
}

func (t *USBTransport) Write(p []byte) error {
	_, err := t.out.Write(p)
	if err != nil {
		return fmt.Errorf("bitforce: usb write: %w", err)
	}
	return nil
}

// ReadLine accumulates bytes from the IN endpoint into an internal buffer
// until a newline appears, returning everything up to it and retaining any
// remainder for the next call. Bounded by timeout end to end.
func (t *USBTransport) ReadLine(timeout time.Duration) (string, error) {
	if idx := bytes.IndexByte(t.buf.Bytes(), '\n'); idx >= 0 {
		return t.takeLine(idx), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	chunk := make([]byte, 512)
	for {
		n, err := t.in.ReadContext(ctx, chunk)
		if n > 0 {
			t.buf.Write(chunk[:n])
			if idx := bytes.IndexByte(t.buf.Bytes(), '\n'); idx >= 0 {
				return t.takeLine(idx), nil
			}
		}
		if err != nil {
			return "", fmt.Errorf("bitforce: usb read: %w", err)
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("bitforce: usb read: %w", ctx.Err())
		}
	}
}

func (t *USBTransport) takeLine(newlineIdx int) string {
	all := t.buf.Bytes()
	line := make([]byte, newlineIdx)
	copy(line, all[:newlineIdx])
	remainder := append([]byte(nil), all[newlineIdx+1:]...)
	t.buf.Reset()
	t.buf.Write(remainder)
	return string(bytes.TrimRight(line, "\r"))
}

func (t *USBTransport) Close() error {
	t.intf.Close()
	t.cfg.Close()
	err := t.dev.Close()
	t.ctx.Close()
	return err
}
