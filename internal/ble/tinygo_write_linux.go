//go:build linux

package ble

import "tinygo.org/x/bluetooth"

// writeConfirmed writes through BlueZ. WriteWithoutResponse is the only write
// the Linux stack exposes; it is a blocking WriteValue D-Bus call that
// returns once BlueZ has the peripheral's answer.
func writeConfirmed(char bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := char.WriteWithoutResponse(data)
	return err
}
