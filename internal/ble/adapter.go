// Package ble adapts tinygo.org/x/bluetooth to the transport contract of the
// protocol package on Linux/BlueZ.
//
// The adapter translates stack callbacks into protocol events and hands them
// to a single dispatch goroutine, so the handler sees one event at a time and
// is never invoked reentrantly. Transport methods queue their completion
// events instead of running the handler on the caller's goroutine, which
// means callers may hold their own locks across transport calls.
// Characteristic handles handed out here are adapter-local identifiers;
// BlueZ does not expose raw ATT handles.
package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/edink84/blindctl/internal/protocol"
)

// Adapter drives one blind over the host's Bluetooth controller.
type Adapter struct {
	adapter *bluetooth.Adapter
	address string
	log     *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	handler func(protocol.Event)
	queue   []protocol.Event
	closed  bool

	device    bluetooth.Device
	connected bool
	closing   bool

	nextHandle uint16
	chars      map[uint16]bluetooth.DeviceCharacteristic
	byUUID     map[string]protocol.Characteristic
	cccds      map[uint16]uint16
}

// New returns an Adapter for the blind at address, using the default host
// controller. Call Close when done to stop event dispatch.
func New(address string, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		adapter: bluetooth.DefaultAdapter,
		address: address,
		log:     logger,
	}
	a.cond = sync.NewCond(&a.mu)
	go a.dispatchLoop()
	return a
}

// SetEventHandler registers the consumer of transport events, normally the
// protocol client's Handle method. Must be set before Connect.
func (a *Adapter) SetEventHandler(h func(protocol.Event)) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

// Enable powers the controller on and hooks disconnect reporting.
func (a *Adapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		a.handleStackDisconnect(device)
	})
	return nil
}

// IsConnected reports whether the link is up.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect opens the link and performs GATT discovery, emitting Connected and
// then DiscoveryComplete. The stack's blocking connect is raced against ctx.
func (a *Adapter) Connect(ctx context.Context) error {
	var addr bluetooth.Address
	addr.Set(a.address)

	type result struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{device, err}
	}()

	select {
	case <-ctx.Done():
		// The stack call cannot be cancelled from here; it times out or
		// succeeds on its own.
		return fmt.Errorf("ble: connect to %s: %w", a.address, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("ble: connect to %s: %w", a.address, r.err)
		}
		a.mu.Lock()
		a.device = r.device
		a.connected = true
		a.closing = false
		a.mu.Unlock()
	}

	a.log.Info("connected", zap.String("address", a.address))
	a.deliver(protocol.Connected{})
	a.discoverGATT()
	a.deliver(protocol.DiscoveryComplete{})
	return nil
}

// Disconnect asks the stack to drop the link. The Disconnected event arrives
// through the connect handler once BlueZ confirms.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	device := a.device
	a.mu.Unlock()

	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	return nil
}

// Characteristic looks up a discovered characteristic.
func (a *Adapter) Characteristic(serviceUUID, charUUID string) (protocol.Characteristic, bool) {
	if !strings.EqualFold(serviceUUID, protocol.ServiceUUID) {
		return protocol.Characteristic{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.byUUID[strings.ToLower(charUUID)]
	return ch, ok
}

// Descriptor looks up the notification configuration descriptor. The handle
// returned is adapter-local and only meaningful to WriteDescriptor.
func (a *Adapter) Descriptor(charHandle uint16, descUUID string) (uint16, bool) {
	if !strings.EqualFold(descUUID, protocol.CCCDUUID) {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.cccds[charHandle]
	return h, ok
}

// SubscribeNotifications turns notifications on. BlueZ writes the
// configuration descriptor itself as part of StartNotify; confirmation is
// emitted as a NotifySubscribed event.
func (a *Adapter) SubscribeNotifications(charHandle uint16) error {
	a.mu.Lock()
	ch, ok := a.chars[charHandle]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: unknown characteristic handle %#x", charHandle)
	}
	err := ch.EnableNotifications(func(buf []byte) {
		value := make([]byte, len(buf))
		copy(value, buf)
		a.deliver(protocol.Notification{Handle: charHandle, Value: value})
	})
	if err != nil {
		return fmt.Errorf("ble: enable notifications: %w", err)
	}
	a.deliver(protocol.NotifySubscribed{Handle: charHandle})
	return nil
}

// WriteDescriptor acknowledges the protocol layer's descriptor write. The
// CCCD was already written by the stack during SubscribeNotifications, so
// nothing further goes over the air.
func (a *Adapter) WriteDescriptor(descHandle uint16, value []byte) error {
	a.log.Debug("descriptor write satisfied by stack",
		zap.Uint16("handle", descHandle), zap.Binary("value", value))
	return nil
}

// WriteCharacteristic writes one encrypted command. BlueZ returns from the
// write after the bus operation completes, so the acknowledgement event is
// emitted here.
func (a *Adapter) WriteCharacteristic(charHandle uint16, payload []byte) error {
	a.mu.Lock()
	ch, ok := a.chars[charHandle]
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return errors.New("ble: not connected")
	}
	if !ok {
		return fmt.Errorf("ble: unknown characteristic handle %#x", charHandle)
	}
	if _, err := ch.WriteWithoutResponse(payload); err != nil {
		return fmt.Errorf("ble: write characteristic: %w", err)
	}
	a.deliver(protocol.WriteAck{Handle: charHandle})
	return nil
}

// RequestMTU reports the MTU BlueZ negotiated; the kernel performs the
// exchange on its own. The value is read back and emitted as MTUChanged.
func (a *Adapter) RequestMTU(mtu uint16) error {
	a.mu.Lock()
	var ch bluetooth.DeviceCharacteristic
	ok := false
	for _, c := range a.chars {
		ch = c
		ok = true
		break
	}
	a.mu.Unlock()
	if !ok {
		return errors.New("ble: no characteristic available for mtu query")
	}
	got, err := ch.GetMTU()
	if err != nil {
		return fmt.Errorf("ble: get mtu: %w", err)
	}
	if got != mtu {
		a.log.Debug("negotiated mtu differs from wanted",
			zap.Uint16("wanted", mtu), zap.Uint16("got", got))
	}
	a.deliver(protocol.MTUChanged{MTU: got})
	return nil
}

// discoverGATT resolves the blind service and its two characteristics,
// assigning adapter-local handles. Failures leave the lookup tables partial;
// the protocol layer treats missing entries as warnings.
func (a *Adapter) discoverGATT() {
	svcUUID, err := bluetooth.ParseUUID(protocol.ServiceUUID)
	if err != nil {
		a.log.Error("bad service uuid", zap.Error(err))
		return
	}
	svcs, err := a.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(svcs) == 0 {
		a.log.Warn("blind service not found", zap.Error(err))
		return
	}
	svc := svcs[0]

	a.mu.Lock()
	a.chars = make(map[uint16]bluetooth.DeviceCharacteristic)
	a.byUUID = make(map[string]protocol.Characteristic)
	a.cccds = make(map[uint16]uint16)
	a.nextHandle = 1
	a.mu.Unlock()

	for _, uuid := range []string{protocol.WriteCharUUID, protocol.NotifyCharUUID} {
		charUUID, err := bluetooth.ParseUUID(uuid)
		if err != nil {
			a.log.Error("bad characteristic uuid", zap.String("uuid", uuid), zap.Error(err))
			continue
		}
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{charUUID})
		if err != nil || len(chars) == 0 {
			a.log.Warn("characteristic not found", zap.String("uuid", uuid), zap.Error(err))
			continue
		}

		a.mu.Lock()
		handle := a.nextHandle
		a.nextHandle++
		a.chars[handle] = chars[0]
		// BlueZ does not expose property bits through this API, so only the
		// notify characteristic is reported as notifying.
		isNotify := uuid == protocol.NotifyCharUUID
		a.byUUID[uuid] = protocol.Characteristic{Handle: handle, Notify: isNotify}
		if isNotify {
			a.cccds[handle] = a.nextHandle
			a.nextHandle++
		}
		a.mu.Unlock()
	}
}

func (a *Adapter) handleStackDisconnect(device bluetooth.Device) {
	a.mu.Lock()
	if !a.connected || !strings.EqualFold(device.Address.String(), a.address) {
		a.mu.Unlock()
		return
	}
	requested := a.closing
	a.reset()
	a.mu.Unlock()

	a.log.Info("disconnected", zap.String("address", a.address), zap.Bool("requested", requested))
	if requested {
		a.deliver(protocol.Disconnected{})
		return
	}
	a.deliver(protocol.Disconnected{Reason: errors.New("ble: connection lost")})
}

// reset drops connection-scoped state. Caller holds mu.
func (a *Adapter) reset() {
	a.connected = false
	a.closing = false
	a.nextHandle = 0
	a.chars = nil
	a.byUUID = nil
	a.cccds = nil
}

// Close drops the link if still up and stops the dispatch goroutine.
// Events queued but not yet handled are discarded.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	connected := a.connected
	device := a.device
	a.reset()
	a.cond.Signal()
	a.mu.Unlock()

	if connected {
		if err := device.Disconnect(); err != nil {
			return fmt.Errorf("ble: disconnect: %w", err)
		}
	}
	return nil
}

// deliver queues ev for the dispatch goroutine. Never blocks and never runs
// the handler itself.
func (a *Adapter) deliver(ev protocol.Event) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.queue = append(a.queue, ev)
	a.cond.Signal()
	a.mu.Unlock()
}

// dispatchLoop hands queued events to the handler one at a time. It is the
// only goroutine that invokes the handler.
func (a *Adapter) dispatchLoop() {
	for {
		a.mu.Lock()
		for len(a.queue) == 0 && !a.closed {
			a.cond.Wait()
		}
		if a.closed {
			a.mu.Unlock()
			return
		}
		ev := a.queue[0]
		a.queue = a.queue[1:]
		handler := a.handler
		a.mu.Unlock()

		if handler != nil {
			handler(ev)
		}
	}
}

// Compile-time check that Adapter implements the transport contract.
var _ protocol.Transport = (*Adapter)(nil)
