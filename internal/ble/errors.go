package ble

import (
	"context"
	"errors"
)

// Session and provisioning errors. Use errors.Is() to check for these.
// Codec errors (malformed payloads, bad keys, bad brightness) come from the
// protocol package.
var (
	// ErrTransport wraps any failure reported by the BLE stack.
	ErrTransport = errors.New("ble: transport error")

	// ErrNotConnected is returned when an operation needs a synchronized session.
	ErrNotConnected = errors.New("ble: session not connected")

	// ErrNotInPairingMode signals that the switch refused to hand out its key.
	// FetchAPIKey reports this as ok == false; callers that need an error use this.
	ErrNotInPairingMode = errors.New("ble: device not in pairing mode, hold the switch until the light flashes green")
)

// runCtx runs a blocking transport call and returns early when ctx is done.
// The call keeps running in the background in that case; abandoned reports
// whether the caller gave up while it was in flight.
func runCtx(ctx context.Context, fn func() error) (abandoned bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ch := make(chan error, 1)
	go func() {
		ch <- fn()
	}()
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case err := <-ch:
		return false, err
	}
}
