package protocol

// Event is a transport occurrence delivered to Client.Handle. The set is
// closed: adapters translate their stack's callbacks into exactly these
// types.
type Event interface {
	isEvent()
}

// Connected reports that the link to the blind is up and service discovery
// has started.
type Connected struct{}

// DiscoveryComplete reports that GATT discovery finished and characteristic
// lookups may be performed.
type DiscoveryComplete struct{}

// NotifySubscribed confirms that a notification subscription became active.
type NotifySubscribed struct {
	Handle uint16
}

// MTUChanged carries the result of an ATT MTU exchange.
type MTUChanged struct {
	MTU uint16
}

// Notification carries an encrypted payload pushed by the blind.
type Notification struct {
	Handle uint16
	Value  []byte
}

// WriteAck confirms that a characteristic write completed on the device.
type WriteAck struct {
	Handle uint16
}

// Disconnected reports loss of the link. Reason is nil for a requested
// disconnect.
type Disconnected struct {
	Reason error
}

func (Connected) isEvent()         {}
func (DiscoveryComplete) isEvent() {}
func (NotifySubscribed) isEvent()  {}
func (MTUChanged) isEvent()        {}
func (Notification) isEvent()      {}
func (WriteAck) isEvent()          {}
func (Disconnected) isEvent()      {}
