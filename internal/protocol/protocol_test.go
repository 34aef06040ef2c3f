package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edink84/blindctl/internal/codec"
)

// testTime pins every command timestamp: 2024-03-15 (a Friday) 13:07:42.007.
var testTime = time.Date(2024, 3, 15, 13, 7, 42, 7*int(time.Millisecond), time.UTC)

// Wire text the client must produce for testTime.
const (
	wantQueryWire   = "02C00518030f0d072a0007"
	wantSetKeyWire  = "02C00118030f0d072a0007"
	wantSetTimeWire = "09A001050d072a18030f"
)

// phoneUserPayload is a decoded notification carrying the pairing prompt.
const phoneUserPayload = "0cc0060505112233"

type fixedClock struct {
	at time.Time
}

func (f fixedClock) Now() time.Time { return f.at }

func newTestClient(t *testing.T, mt *mockTransport, opts Options) *Client {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = fixedClock{at: testTime}
	}
	c, err := NewClient(mt, opts)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

// encryptText builds a device-side payload for feeding Notification events.
func encryptText(t *testing.T, text string) []byte {
	t.Helper()
	payload, err := codec.NewDefault().Encrypt(text)
	if err != nil {
		t.Fatalf("encrypt %q: %v", text, err)
	}
	return payload
}

// decodeWrite recovers the plaintext command from a recorded write.
func decodeWrite(t *testing.T, payload []byte) string {
	t.Helper()
	text, err := codec.NewDefault().Decrypt(payload)
	if err != nil {
		t.Fatalf("decrypt recorded write: %v", err)
	}
	return text
}

// driveToReady walks the client through the full handshake event sequence.
func driveToReady(t *testing.T, c *Client, mt *mockTransport) {
	t.Helper()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c.Handle(Connected{})
	c.Handle(DiscoveryComplete{})
	c.Handle(NotifySubscribed{Handle: mockNotifyHandle})
	c.Handle(MTUChanged{MTU: WantedMTU})
	c.Handle(WriteAck{Handle: mockWriteHandle}) // user query acknowledged
	c.Handle(Notification{Handle: mockNotifyHandle, Value: encryptText(t, phoneUserPayload)})
	c.Handle(WriteAck{Handle: mockWriteHandle}) // set-user-key acknowledged
	c.Handle(WriteAck{Handle: mockWriteHandle}) // set-time acknowledged
	if got := c.State(); got != StateReady {
		t.Fatalf("state after handshake = %v, want %v", got, StateReady)
	}
}

func TestHandshakeReachesReady(t *testing.T) {
	mt := newMockTransport()
	var notified []string
	var states []State
	c := newTestClient(t, mt, Options{
		OnNotify:      func(s string) { notified = append(notified, s) },
		OnStateChange: func(_, to State) { states = append(states, to) },
	})

	driveToReady(t, c, mt)

	wantStates := []State{
		StateConnecting, StateDiscovering, StateNegotiatingMTU,
		StateAuthenticating, StateSyncingTime, StateReady,
	}
	if len(states) != len(wantStates) {
		t.Fatalf("state transitions = %v, want %v", states, wantStates)
	}
	for i, want := range wantStates {
		if states[i] != want {
			t.Errorf("transition %d = %v, want %v", i, states[i], want)
		}
	}

	if len(mt.subscribes) != 1 || mt.subscribes[0] != mockNotifyHandle {
		t.Errorf("subscribes = %v, want exactly one on %#x", mt.subscribes, mockNotifyHandle)
	}
	if len(mt.descWrites) != 1 {
		t.Fatalf("descriptor writes = %d, want 1", len(mt.descWrites))
	}
	if mt.descWrites[0].handle != mockCCCDHandle {
		t.Errorf("descriptor write handle = %#x, want %#x", mt.descWrites[0].handle, mockCCCDHandle)
	}
	if got := mt.descWrites[0].value; len(got) != 2 || got[0] != 0x01 || got[1] != 0x00 {
		t.Errorf("descriptor write value = %v, want [1 0]", got)
	}
	if len(mt.mtuRequests) != 1 || mt.mtuRequests[0] != WantedMTU {
		t.Errorf("mtu requests = %v, want exactly one of %d", mt.mtuRequests, WantedMTU)
	}

	wantWrites := []string{wantQueryWire, wantSetKeyWire, wantSetTimeWire}
	if len(mt.charWrites) != len(wantWrites) {
		t.Fatalf("command writes = %d, want %d", len(mt.charWrites), len(wantWrites))
	}
	for i, want := range wantWrites {
		if got := decodeWrite(t, mt.charWrites[i].payload); got != want {
			t.Errorf("write %d = %q, want %q", i, got, want)
		}
		if mt.charWrites[i].handle != mockWriteHandle {
			t.Errorf("write %d handle = %#x, want %#x", i, mt.charWrites[i].handle, mockWriteHandle)
		}
	}

	if len(notified) != 0 {
		t.Errorf("OnNotify calls during handshake = %v, want none", notified)
	}
}

func TestPhoneUserPromptSendsUserKeyOnce(t *testing.T) {
	mt := newMockTransport()
	var notified []string
	c := newTestClient(t, mt, Options{
		OnNotify: func(s string) { notified = append(notified, s) },
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c.Handle(Connected{})
	c.Handle(DiscoveryComplete{})
	c.Handle(NotifySubscribed{Handle: mockNotifyHandle})
	c.Handle(MTUChanged{MTU: WantedMTU})

	writesBefore := len(mt.charWrites)
	c.Handle(Notification{Handle: mockNotifyHandle, Value: encryptText(t, phoneUserPayload)})

	if got := len(mt.charWrites) - writesBefore; got != 1 {
		t.Fatalf("writes triggered by prompt = %d, want 1", got)
	}
	if got := decodeWrite(t, mt.charWrites[len(mt.charWrites)-1].payload); got != wantSetKeyWire {
		t.Errorf("prompt response = %q, want %q", got, wantSetKeyWire)
	}
	if len(notified) != 0 {
		t.Errorf("OnNotify calls = %v, want none for the pairing prompt", notified)
	}
}

func TestNotificationDispatchedToHandler(t *testing.T) {
	mt := newMockTransport()
	var notified []string
	c := newTestClient(t, mt, Options{
		OnNotify: func(s string) { notified = append(notified, s) },
	})
	driveToReady(t, c, mt)

	const telemetry = "0d01002203"
	c.Handle(Notification{Handle: mockNotifyHandle, Value: encryptText(t, telemetry)})

	if len(notified) != 1 || notified[0] != telemetry {
		t.Errorf("OnNotify calls = %v, want [%q]", notified, telemetry)
	}
}

func TestNotificationWrongHandleIgnored(t *testing.T) {
	mt := newMockTransport()
	var notified []string
	c := newTestClient(t, mt, Options{
		OnNotify: func(s string) { notified = append(notified, s) },
	})
	driveToReady(t, c, mt)

	writesBefore := len(mt.charWrites)
	c.Handle(Notification{Handle: mockWriteHandle, Value: encryptText(t, phoneUserPayload)})

	if len(notified) != 0 {
		t.Errorf("OnNotify calls = %v, want none", notified)
	}
	if len(mt.charWrites) != writesBefore {
		t.Errorf("writes = %d, want unchanged %d", len(mt.charWrites), writesBefore)
	}
}

func TestMalformedNotificationNeverReachesHandler(t *testing.T) {
	mt := newMockTransport()
	var notified []string
	c := newTestClient(t, mt, Options{
		OnNotify: func(s string) { notified = append(notified, s) },
	})
	driveToReady(t, c, mt)

	// One full ciphertext block cut from a two-block payload decrypts to
	// text whose trailing byte is not valid padding.
	truncated := encryptText(t, wantQueryWire)[:16]

	tests := []struct {
		name  string
		value []byte
	}{
		{name: "partial_block", value: make([]byte, 10)},
		{name: "empty", value: nil},
		{name: "bad_padding", value: truncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.Handle(Notification{Handle: mockNotifyHandle, Value: tt.value})
			if len(notified) != 0 {
				t.Errorf("OnNotify calls = %v, want none", notified)
			}
		})
	}
}

func TestDisconnectResetsSession(t *testing.T) {
	mt := newMockTransport()
	disconnects := 0
	c := newTestClient(t, mt, Options{
		OnDisconnected: func() { disconnects++ },
	})
	driveToReady(t, c, mt)

	c.Handle(Disconnected{Reason: errors.New("supervision timeout")})

	if got := c.State(); got != StateIdle {
		t.Errorf("state = %v, want %v", got, StateIdle)
	}
	s := c.Session()
	if s.WriteHandle != 0 || s.NotifyHandle != 0 || s.MTUConfirmed || s.LastCommand != "" {
		t.Errorf("session after disconnect = %+v, want zero value", s)
	}
	if disconnects != 1 {
		t.Errorf("OnDisconnected calls = %d, want 1", disconnects)
	}
}

func TestDisconnectMidHandshake(t *testing.T) {
	mt := newMockTransport()
	disconnects := 0
	c := newTestClient(t, mt, Options{
		OnDisconnected: func() { disconnects++ },
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c.Handle(Connected{})
	c.Handle(DiscoveryComplete{})
	c.Handle(Disconnected{})

	if got := c.State(); got != StateIdle {
		t.Errorf("state = %v, want %v", got, StateIdle)
	}
	if disconnects != 1 {
		t.Errorf("OnDisconnected calls = %d, want 1", disconnects)
	}

	// The session is fresh, so a second connection attempt is allowed.
	if err := c.Connect(context.Background()); err != nil {
		t.Errorf("Connect() after disconnect error = %v", err)
	}
}

func TestMTUResultBeforeSubscriptionConfirmation(t *testing.T) {
	// BLE stacks may deliver the MTU exchange result before the
	// subscription confirmation. The query is then sent from both paths and
	// no MTU request is ever issued; the handshake still completes.
	mt := newMockTransport()
	c := newTestClient(t, mt, Options{})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c.Handle(Connected{})
	c.Handle(DiscoveryComplete{})
	c.Handle(MTUChanged{MTU: WantedMTU})
	c.Handle(NotifySubscribed{Handle: mockNotifyHandle})

	if len(mt.mtuRequests) != 0 {
		t.Errorf("mtu requests = %v, want none", mt.mtuRequests)
	}
	if len(mt.charWrites) != 2 {
		t.Fatalf("command writes = %d, want 2 queries", len(mt.charWrites))
	}
	for i := range mt.charWrites {
		if got := decodeWrite(t, mt.charWrites[i].payload); got != wantQueryWire {
			t.Errorf("write %d = %q, want %q", i, got, wantQueryWire)
		}
	}
	if got := c.State(); got != StateAuthenticating {
		t.Fatalf("state = %v, want %v", got, StateAuthenticating)
	}

	c.Handle(Notification{Handle: mockNotifyHandle, Value: encryptText(t, phoneUserPayload)})
	c.Handle(WriteAck{Handle: mockWriteHandle})
	c.Handle(WriteAck{Handle: mockWriteHandle})
	if got := c.State(); got != StateReady {
		t.Errorf("state = %v, want %v", got, StateReady)
	}
}

func TestMissingNotifyCharacteristic(t *testing.T) {
	mt := newMockTransport()
	delete(mt.chars, NotifyCharUUID)
	c := newTestClient(t, mt, Options{})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c.Handle(Connected{})
	c.Handle(DiscoveryComplete{})

	if len(mt.subscribes) != 0 {
		t.Errorf("subscribes = %v, want none", mt.subscribes)
	}
	if len(mt.descWrites) != 0 {
		t.Errorf("descriptor writes = %v, want none", mt.descWrites)
	}
	// The write characteristic is still picked up; the link stays open.
	if got := c.Session().WriteHandle; got != mockWriteHandle {
		t.Errorf("write handle = %#x, want %#x", got, mockWriteHandle)
	}
	if !mt.connected {
		t.Error("transport was disconnected, want link left open")
	}
}

func TestMissingWriteCharacteristic(t *testing.T) {
	mt := newMockTransport()
	delete(mt.chars, WriteCharUUID)
	c := newTestClient(t, mt, Options{})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c.Handle(Connected{})
	c.Handle(DiscoveryComplete{})

	if got := c.Session().WriteHandle; got != 0 {
		t.Errorf("write handle = %#x, want 0", got)
	}
	if err := c.SendCommand("0d01000240"); err == nil {
		t.Error("SendCommand() without a write characteristic should fail")
	}
}

func TestSubscribeFailureIsNonFatal(t *testing.T) {
	mt := newMockTransport()
	mt.subscribeErr = errors.New("att timeout")
	c := newTestClient(t, mt, Options{})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c.Handle(Connected{})
	c.Handle(DiscoveryComplete{})

	// Discovery results are still recorded and a later confirmation from
	// the stack resumes the sequence.
	if got := c.Session().WriteHandle; got != mockWriteHandle {
		t.Errorf("write handle = %#x, want %#x", got, mockWriteHandle)
	}
	c.Handle(NotifySubscribed{Handle: mockNotifyHandle})
	if got := c.State(); got != StateNegotiatingMTU {
		t.Errorf("state = %v, want %v", got, StateNegotiatingMTU)
	}
}

func TestSendCommandPassThrough(t *testing.T) {
	mt := newMockTransport()
	c := newTestClient(t, mt, Options{})
	driveToReady(t, c, mt)

	const motor = "0d01000240"
	if err := c.SendCommand(motor); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if got := decodeWrite(t, mt.charWrites[len(mt.charWrites)-1].payload); got != motor {
		t.Errorf("wire text = %q, want %q unchanged", got, motor)
	}

	c.Handle(WriteAck{Handle: mockWriteHandle})
	if got := c.State(); got != StateReady {
		t.Errorf("state after motor ack = %v, want %v", got, StateReady)
	}
}

func TestSendCommandExpandsBareOpcodes(t *testing.T) {
	mt := newMockTransport()
	c := newTestClient(t, mt, Options{})
	driveToReady(t, c, mt)

	if err := c.SendCommand("02C005"); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if got := decodeWrite(t, mt.charWrites[len(mt.charWrites)-1].payload); got != wantQueryWire {
		t.Errorf("wire text = %q, want %q", got, wantQueryWire)
	}
	if got := c.Session().LastCommand; got != "02C005" {
		t.Errorf("remembered command = %q, want pre-expansion %q", got, "02C005")
	}
}

func TestWriteAckMatchesSetUserKeyExactly(t *testing.T) {
	// Only the bare set-user-key opcode triggers the follow-up time sync; a
	// caller-built command that merely starts with it does not.
	mt := newMockTransport()
	c := newTestClient(t, mt, Options{})
	driveToReady(t, c, mt)

	if err := c.SendCommand("02C001aabb"); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	writesBefore := len(mt.charWrites)
	c.Handle(WriteAck{Handle: mockWriteHandle})

	if len(mt.charWrites) != writesBefore {
		t.Errorf("writes after ack = %d, want unchanged %d", len(mt.charWrites), writesBefore)
	}
	if got := c.State(); got != StateReady {
		t.Errorf("state = %v, want %v", got, StateReady)
	}
}

func TestSendCommandWhileDisconnected(t *testing.T) {
	mt := newMockTransport()
	mt.connected = false
	c := newTestClient(t, mt, Options{})

	if err := c.SendCommand("0d01000240"); err == nil {
		t.Error("SendCommand() while disconnected should fail")
	}
}

func TestConnectFailure(t *testing.T) {
	mt := newMockTransport()
	mt.connected = false
	mt.connectErr = errors.New("device out of range")
	c := newTestClient(t, mt, Options{})

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect() should fail when the transport fails")
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state after failed connect = %v, want %v", got, StateIdle)
	}
}

func TestConnectWhileActive(t *testing.T) {
	mt := newMockTransport()
	c := newTestClient(t, mt, Options{})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Error("second Connect() should fail while a session is active")
	}
}

func TestNewClientRequiresTransport(t *testing.T) {
	if _, err := NewClient(nil, Options{}); err == nil {
		t.Error("NewClient(nil) should fail")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateConnecting, "connecting"},
		{StateDiscovering, "discovering"},
		{StateNegotiatingMTU, "negotiating-mtu"},
		{StateAuthenticating, "authenticating"},
		{StateSyncingTime, "syncing-time"},
		{StateReady, "ready"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
