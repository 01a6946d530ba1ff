package ble

import "testing"

func TestTinygoAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*TinygoAdapter)(nil)
}

func TestTinygoConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*tinygoConnection)(nil)
}

// The confirmed write lives in per-platform files; this only builds when the
// one for the current platform is present.
func TestTinygoCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*tinygoCharacteristic)(nil)
}
