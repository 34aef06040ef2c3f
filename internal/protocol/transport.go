// Package protocol implements the command/response protocol spoken by Motion
// BLE motorized blinds: an event-driven state machine that takes a fresh
// connection through discovery, notification subscription, MTU negotiation,
// user-key registration and time sync, after which arbitrary commands can be
// sent. The package owns no radio; it consumes a Transport and is driven by
// the transport's events.
package protocol

import "context"

// GATT UUIDs used by the blinds.
const (
	ServiceUUID    = "0000fe50-0000-1000-8000-00805f9b34fb"
	WriteCharUUID  = "0000fe51-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID = "0000fe52-0000-1000-8000-00805f9b34fb"
	CCCDUUID       = "00002902-0000-1000-8000-00805f9b34fb"
)

// WantedMTU is the ATT MTU requested after subscribing; user-record answers
// from the blind do not fit the 23-byte default.
const WantedMTU = 512

// PhoneUserSignature prefixes the decoded notification the blind sends when
// it wants to register the calling controller as a phone user.
const PhoneUserSignature = "0cc0060505"

// cccdEnable is the client characteristic configuration value that turns
// notifications on, little-endian 0x0001.
var cccdEnable = []byte{0x01, 0x00}

// Characteristic describes one discovered GATT characteristic.
type Characteristic struct {
	Handle uint16
	// Notify reports whether the characteristic advertises the notify
	// property.
	Notify bool
}

// Transport abstracts the BLE link for the state machine and for testing.
// Calls are fire-and-forget: each outcome arrives later as an Event delivered
// to Client.Handle. Implementations must deliver events one at a time; the
// client performs no locking of its own.
type Transport interface {
	// IsConnected reports whether the link is currently up.
	IsConnected() bool
	// Connect opens the link. Readiness is reported by a Connected event.
	Connect(ctx context.Context) error
	// Disconnect tears the link down, producing a Disconnected event.
	Disconnect() error
	// Characteristic looks up a discovered characteristic.
	Characteristic(serviceUUID, charUUID string) (Characteristic, bool)
	// Descriptor looks up a descriptor handle under a characteristic.
	Descriptor(charHandle uint16, descUUID string) (uint16, bool)
	// SubscribeNotifications registers for notifications on a characteristic.
	// Confirmation arrives as a NotifySubscribed event.
	SubscribeNotifications(charHandle uint16) error
	// WriteDescriptor writes a descriptor value.
	WriteDescriptor(descHandle uint16, value []byte) error
	// WriteCharacteristic writes an encrypted payload. Completion arrives as
	// a WriteAck event.
	WriteCharacteristic(charHandle uint16, payload []byte) error
	// RequestMTU asks the peer for a larger ATT MTU. The negotiated value
	// arrives as an MTUChanged event.
	RequestMTU(mtu uint16) error
}
