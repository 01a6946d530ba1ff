// Package protocol implements the fixed-layout packets of the Decora BLE
// dimmer protocol: key fetch, unlock and the two-byte state record.
package protocol

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

// KeyLength is the size of the raw unlock key in bytes.
const KeyLength = 5

// Brightness bounds accepted by the switch.
const (
	MinBrightness = 0
	MaxBrightness = 100
)

// Packet opcodes written to the event characteristic.
const (
	opKeyFetch byte = 0x22
	opUnlock   byte = 0x11
	opMagic    byte = 0x53
)

const (
	keyFetchResponseLen = 7
	stateLen            = 2
)

// unpairedKey is what the switch returns in place of a key when it is not in
// pairing mode.
var unpairedKey = []byte{0x00, 0x00, 0x00, 0x00}

var (
	// ErrMalformedResponse is returned when a payload is too short or has an unexpected shape.
	ErrMalformedResponse = errors.New("protocol: malformed response")

	// ErrInvalidKeyFormat is returned when a key string is not 10 hex characters.
	ErrInvalidKeyFormat = errors.New("protocol: invalid key format")

	// ErrInvalidKeyLength is returned when a raw key is not KeyLength bytes.
	ErrInvalidKeyLength = errors.New("protocol: invalid key length")

	// ErrInvalidBrightness is returned for brightness levels outside 0-100.
	ErrInvalidBrightness = errors.New("protocol: invalid brightness")
)

// DeviceState is a snapshot of the switch output. The zero value is the
// state of a freshly reset session.
type DeviceState struct {
	On         bool
	Brightness int // 0-100, kept when the switch is off
}

func (s DeviceState) String() string {
	if s.On {
		return fmt.Sprintf("on (%d%%)", s.Brightness)
	}
	return fmt.Sprintf("off (%d%%)", s.Brightness)
}

// KeyFetchRequest returns the packet that asks a switch in pairing mode for
// its unlock key.
func KeyFetchRequest() []byte {
	return []byte{opKeyFetch, opMagic, 0x00, 0x00, 0x00, 0x00, 0x00}
}

// DecodeKeyFetchResponse extracts the hex-encoded key from a key fetch
// response. paired is false when the switch answered with the unpaired
// sentinel, which means it has to be put into pairing mode by hand.
func DecodeKeyFetchResponse(data []byte) (key string, paired bool, err error) {
	if len(data) < keyFetchResponseLen {
		return "", false, fmt.Errorf("%w: key response is %d bytes, want %d", ErrMalformedResponse, len(data), keyFetchResponseLen)
	}
	if bytes.Equal(data[2:6], unpairedKey) {
		return "", false, nil
	}
	return hex.EncodeToString(data[2:]), true, nil
}

// ParseKey decodes a hex key string (as returned by DecodeKeyFetchResponse)
// into its raw bytes.
func ParseKey(s string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyFormat, err)
	}
	if len(raw) != KeyLength {
		return nil, fmt.Errorf("%w: key decodes to %d bytes, want %d", ErrInvalidKeyFormat, len(raw), KeyLength)
	}
	return raw, nil
}

// EncodeUnlockRequest builds the unlock packet for a raw key.
//
//	byte 0: 0x11
//	byte 1: 0x53
//	bytes 2-6: key
func EncodeUnlockRequest(key []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyLength, len(key), KeyLength)
	}
	buf := make([]byte, 0, 2+KeyLength)
	buf = append(buf, opUnlock, opMagic)
	buf = append(buf, key...)
	return buf, nil
}

// ValidateBrightness reports whether level is a brightness the switch accepts.
func ValidateBrightness(level int) error {
	if level < MinBrightness || level > MaxBrightness {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidBrightness, level, MinBrightness, MaxBrightness)
	}
	return nil
}

// EncodeState builds the two-byte state record: on flag, then brightness.
func EncodeState(s DeviceState) ([]byte, error) {
	if err := ValidateBrightness(s.Brightness); err != nil {
		return nil, err
	}
	var on byte
	if s.On {
		on = 1
	}
	return []byte{on, byte(s.Brightness)}, nil
}

// DecodeState parses a state record read from or notified by the switch.
// Trailing bytes are ignored.
func DecodeState(data []byte) (DeviceState, error) {
	if len(data) < stateLen {
		return DeviceState{}, fmt.Errorf("%w: state is %d bytes, want %d", ErrMalformedResponse, len(data), stateLen)
	}
	return DeviceState{
		On:         data[0] == 1,
		Brightness: int(data[1]),
	}, nil
}
