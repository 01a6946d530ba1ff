// Package ble drives a Decora BLE dimmer: key provisioning, the unlock
// handshake, state writes and fan-out of state notifications to listeners.
package ble

import "context"

// Decora GATT UUIDs
const (
	DefaultServiceUUID   = "19f8ade2-d0c6-4c0a-912a-30601d9b3060"
	DefaultEventCharUUID = "0000ff01-0000-1000-8000-00805f9b34fb"
	DefaultStateCharUUID = "0000ff02-0000-1000-8000-00805f9b34fb"
)

// Channels names the service and the two characteristics the protocol uses:
// the event channel carries key fetch and unlock, the state channel carries
// state reads, writes and notifications.
type Channels struct {
	ServiceUUID   string
	EventCharUUID string
	StateCharUUID string
}

// DefaultChannels returns the UUIDs advertised by Decora switches.
func DefaultChannels() Channels {
	return Channels{
		ServiceUUID:   DefaultServiceUUID,
		EventCharUUID: DefaultEventCharUUID,
		StateCharUUID: DefaultStateCharUUID,
	}
}

// withDefaults fills empty UUIDs from DefaultChannels.
func (c Channels) withDefaults() Channels {
	d := DefaultChannels()
	if c.ServiceUUID == "" {
		c.ServiceUUID = d.ServiceUUID
	}
	if c.EventCharUUID == "" {
		c.EventCharUUID = d.EventCharUUID
	}
	if c.StateCharUUID == "" {
		c.StateCharUUID = d.StateCharUUID
	}
	return c
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data and waits for the peripheral to acknowledge it.
	Write(data []byte) error
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops,
	// replacing any earlier one. A nil callback clears it.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
