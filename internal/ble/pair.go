package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/decora-ble/internal/ble/protocol"
)

// ScanForDevices scans for switches advertising the Decora service.
func ScanForDevices(adapter Adapter, serviceUUID string, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	if serviceUUID == "" {
		serviceUUID = DefaultServiceUUID
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

// FindDevice scans until a switch with the given address shows up or the
// timeout expires. Addresses are compared case-insensitively.
func FindDevice(adapter Adapter, serviceUUID, address string, timeout time.Duration) (*Device, error) {
	devices, err := ScanForDevices(adapter, serviceUUID, timeout)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if strings.EqualFold(d.Address, address) {
			return &d, nil
		}
	}
	return nil, fmt.Errorf("ble: device %s not found within %s", address, timeout)
}

// FetchAPIKey asks the switch at address for its unlock key. The switch only
// answers while it is in pairing mode; otherwise ok is false and err is nil.
// The connection is opened for this call only and always closed before
// returning.
func FetchAPIKey(ctx context.Context, adapter Adapter, address string, channels Channels) (key string, ok bool, err error) {
	channels = channels.withDefaults()

	if err := adapter.Enable(); err != nil {
		return "", false, fmt.Errorf("ble: enable adapter: %w: %w", ErrTransport, err)
	}

	conn, err := adapter.Connect(ctx, address)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, fmt.Errorf("ble: connect for key fetch: %w", ctx.Err())
		}
		return "", false, fmt.Errorf("ble: connect for key fetch: %w: %w", ErrTransport, err)
	}
	defer func() {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[BLE] failed to close key fetch connection", "address", address, "error", err)
		}
	}()

	eventChar, err := conn.DiscoverCharacteristic(channels.ServiceUUID, channels.EventCharUUID)
	if err != nil {
		return "", false, fmt.Errorf("ble: discover event characteristic: %w: %w", ErrTransport, err)
	}

	if _, err := runCtx(ctx, func() error { return eventChar.Write(protocol.KeyFetchRequest()) }); err != nil {
		if ctx.Err() != nil {
			return "", false, fmt.Errorf("ble: write key request: %w", err)
		}
		return "", false, fmt.Errorf("ble: write key request: %w: %w", ErrTransport, err)
	}

	var raw []byte
	if _, err := runCtx(ctx, func() error {
		data, err := eventChar.Read()
		raw = data
		return err
	}); err != nil {
		if ctx.Err() != nil {
			return "", false, fmt.Errorf("ble: read key response: %w", err)
		}
		return "", false, fmt.Errorf("ble: read key response: %w: %w", ErrTransport, err)
	}
	slog.Debug("[BLE] key response", "address", address, "raw", fmt.Sprintf("%x", raw))

	key, ok, err = protocol.DecodeKeyFetchResponse(raw)
	if err != nil {
		return "", false, fmt.Errorf("ble: decode key response: %w", err)
	}
	return key, ok, nil
}
