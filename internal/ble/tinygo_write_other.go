//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// writeConfirmed issues a write request, which waits for the peripheral to
// acknowledge the value.
func writeConfirmed(char bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := char.Write(data)
	return err
}
