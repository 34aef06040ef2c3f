package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/edink84/blindctl/internal/codec"
	"github.com/edink84/blindctl/internal/command"
)

// State identifies where the client is in the connection handshake.
type State int

// Handshake states, in the order a successful connection moves through them.
const (
	StateIdle State = iota
	StateConnecting
	StateDiscovering
	StateNegotiatingMTU
	StateAuthenticating
	StateSyncingTime
	StateReady
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateNegotiatingMTU:
		return "negotiating-mtu"
	case StateAuthenticating:
		return "authenticating"
	case StateSyncingTime:
		return "syncing-time"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the per-connection protocol state. A Disconnected event zeroes
// it; nothing survives a link loss.
type Session struct {
	State State
	// WriteHandle and NotifyHandle are the characteristic handles found
	// during discovery; zero means not yet known.
	WriteHandle  uint16
	NotifyHandle uint16
	// MTUConfirmed records that the peer granted WantedMTU.
	MTUConfirmed bool
	// LastCommand is the pre-expansion text of the most recent write, kept
	// for write-ack matching.
	LastCommand string
}

// Options configures a Client. Zero fields get working defaults.
type Options struct {
	// Codec encrypts outgoing commands and decrypts notifications. Defaults
	// to the production vendor cipher.
	Codec *codec.Codec
	// Clock stamps handshake commands. Defaults to the system clock.
	Clock command.Clock
	// Logger receives protocol warnings and debug traces. Defaults to a nop
	// logger.
	Logger *zap.Logger

	// OnNotify receives every decoded notification not consumed by the
	// handshake itself.
	OnNotify func(decoded string)
	// OnDisconnected fires once per Disconnected event, after the session
	// has been reset.
	OnDisconnected func()
	// OnStateChange fires on every state transition.
	OnStateChange func(from, to State)
}

// Client drives the blind protocol over a Transport. It is single-threaded
// by contract: the transport delivers events one at a time, and methods must
// be called from that same delivery context (or before events start
// flowing). The client itself takes no locks.
type Client struct {
	transport Transport
	codec     *codec.Codec
	clock     command.Clock
	log       *zap.Logger

	onNotify       func(string)
	onDisconnected func()
	onStateChange  func(State, State)

	session Session
}

// NewClient returns a Client speaking through transport.
func NewClient(transport Transport, opts Options) (*Client, error) {
	if transport == nil {
		return nil, errors.New("protocol: transport is required")
	}
	if opts.Codec == nil {
		opts.Codec = codec.NewDefault()
	}
	if opts.Clock == nil {
		opts.Clock = command.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		transport:      transport,
		codec:          opts.Codec,
		clock:          opts.Clock,
		log:            opts.Logger,
		onNotify:       opts.OnNotify,
		onDisconnected: opts.OnDisconnected,
		onStateChange:  opts.OnStateChange,
	}, nil
}

// State returns the current handshake state.
func (c *Client) State() State {
	return c.session.State
}

// Session returns a copy of the current session state.
func (c *Client) Session() Session {
	return c.session
}

// Connect opens the link and starts the handshake. The handshake itself is
// event-driven; callers observe progress through OnStateChange and readiness
// as the transition to StateReady.
func (c *Client) Connect(ctx context.Context) error {
	if c.session.State != StateIdle {
		return fmt.Errorf("protocol: connect while %s", c.session.State)
	}
	c.setState(StateConnecting)
	if err := c.transport.Connect(ctx); err != nil {
		c.setState(StateIdle)
		return fmt.Errorf("protocol: connect: %w", err)
	}
	return nil
}

// Disconnect tears the link down. The session resets when the transport
// reports the resulting Disconnected event; that event is the only reset
// path.
func (c *Client) Disconnect() error {
	if err := c.transport.Disconnect(); err != nil {
		return fmt.Errorf("protocol: disconnect: %w", err)
	}
	return nil
}

// SendCommand encrypts and writes one command. The two bare handshake
// opcodes are expanded with the query timestamp before encryption; every
// other command, including caller-supplied motor commands, reaches the
// device exactly as given. The pre-expansion text is remembered for
// write-ack matching. Commands are never queued: a caller issuing
// overlapping sends interleaves that bookkeeping.
func (c *Client) SendCommand(cmd string) error {
	if !c.transport.IsConnected() {
		return errors.New("protocol: not connected")
	}
	if c.session.WriteHandle == 0 {
		return errors.New("protocol: write characteristic not discovered")
	}
	wire := cmd
	if cmd == command.OpUserQuery || cmd == command.OpSetUserKey {
		wire = command.BuildQuery(cmd, c.clock.Now())
	}
	payload, err := c.codec.Encrypt(wire)
	if err != nil {
		return fmt.Errorf("protocol: encrypt command: %w", err)
	}
	c.session.LastCommand = cmd
	if err := c.transport.WriteCharacteristic(c.session.WriteHandle, payload); err != nil {
		return fmt.Errorf("protocol: write command: %w", err)
	}
	c.log.Debug("command sent", zap.String("command", cmd))
	return nil
}

// Handle feeds one transport event through the state machine. The transport
// must invoke it from a single delivery context, one event at a time.
func (c *Client) Handle(ev Event) {
	switch e := ev.(type) {
	case Connected:
		c.handleConnected()
	case DiscoveryComplete:
		c.handleDiscoveryComplete()
	case NotifySubscribed:
		c.handleNotifySubscribed(e)
	case MTUChanged:
		c.handleMTUChanged(e)
	case Notification:
		c.handleNotification(e)
	case WriteAck:
		c.handleWriteAck(e)
	case Disconnected:
		c.handleDisconnected(e)
	}
}

func (c *Client) handleConnected() {
	c.setState(StateDiscovering)
}

// handleDiscoveryComplete locates the two blind characteristics and turns
// notifications on. A missing characteristic leaves the session unusable but
// does not tear the link down; consumer BLE stacks misreport discovery often
// enough that the lenient path is the useful one.
func (c *Client) handleDiscoveryComplete() {
	notify, ok := c.transport.Characteristic(ServiceUUID, NotifyCharUUID)
	if !ok {
		c.log.Warn("notify characteristic not found", zap.String("uuid", NotifyCharUUID))
	} else {
		c.session.NotifyHandle = notify.Handle
		if err := c.transport.SubscribeNotifications(notify.Handle); err != nil {
			c.log.Warn("subscribe failed", zap.Error(err))
		}
		if desc, found := c.transport.Descriptor(notify.Handle, CCCDUUID); found {
			if err := c.transport.WriteDescriptor(desc, cccdEnable); err != nil {
				c.log.Warn("enable notifications failed", zap.Error(err))
			}
		} else {
			c.log.Warn("notify descriptor not found", zap.Uint16("characteristic", notify.Handle))
		}
	}

	write, ok := c.transport.Characteristic(ServiceUUID, WriteCharUUID)
	if !ok {
		c.log.Warn("write characteristic not found", zap.String("uuid", WriteCharUUID))
		return
	}
	c.session.WriteHandle = write.Handle
	// Some firmware revisions answer on the write characteristic as well.
	if write.Notify {
		if err := c.transport.SubscribeNotifications(write.Handle); err != nil {
			c.log.Warn("subscribe on write characteristic failed", zap.Error(err))
		}
	}
}

// handleNotifySubscribed continues the handshake once notifications can
// reach us: with the MTU already raised the user query goes out directly,
// otherwise the MTU exchange starts.
func (c *Client) handleNotifySubscribed(e NotifySubscribed) {
	c.log.Debug("notifications active", zap.Uint16("handle", e.Handle))
	if c.session.MTUConfirmed {
		c.sendUserQuery()
		return
	}
	c.setState(StateNegotiatingMTU)
	if err := c.transport.RequestMTU(WantedMTU); err != nil {
		c.log.Warn("mtu request failed", zap.Error(err))
	}
}

func (c *Client) handleMTUChanged(e MTUChanged) {
	if e.MTU != WantedMTU {
		c.log.Warn("peer granted a different mtu", zap.Uint16("mtu", e.MTU))
		return
	}
	c.session.MTUConfirmed = true
	if c.session.WriteHandle != 0 {
		c.sendUserQuery()
	}
}

// handleNotification decrypts and routes one pushed payload. Packets on
// other handles and packets that fail to decode never reach OnNotify.
func (c *Client) handleNotification(e Notification) {
	if c.session.NotifyHandle == 0 || e.Handle != c.session.NotifyHandle {
		c.log.Debug("notification on unexpected handle", zap.Uint16("handle", e.Handle))
		return
	}
	decoded, err := c.codec.Decrypt(e.Value)
	if err != nil {
		c.log.Warn("undecodable notification", zap.Int("bytes", len(e.Value)), zap.Error(err))
		return
	}
	if strings.HasPrefix(decoded, PhoneUserSignature) {
		// The blind is asking to pair: answer with our user key.
		c.log.Debug("phone user prompt", zap.String("payload", decoded))
		if err := c.SendCommand(command.OpSetUserKey); err != nil {
			c.log.Warn("set user key failed", zap.Error(err))
		}
		return
	}
	if c.onNotify != nil {
		c.onNotify(decoded)
	}
}

// handleWriteAck advances the handshake off the two acknowledgements it
// cares about; acks for anything else are the caller's business.
func (c *Client) handleWriteAck(e WriteAck) {
	c.log.Debug("write acknowledged", zap.Uint16("handle", e.Handle))
	switch {
	case c.session.LastCommand == command.OpSetUserKey:
		c.sendSetTime()
	case strings.HasPrefix(c.session.LastCommand, command.OpSetTime):
		c.setState(StateReady)
	}
}

func (c *Client) handleDisconnected(e Disconnected) {
	if e.Reason != nil {
		c.log.Warn("link lost", zap.Error(e.Reason))
	}
	old := c.session.State
	c.session = Session{}
	if old != StateIdle && c.onStateChange != nil {
		c.onStateChange(old, StateIdle)
	}
	if c.onDisconnected != nil {
		c.onDisconnected()
	}
}

func (c *Client) sendUserQuery() {
	c.setState(StateAuthenticating)
	if err := c.SendCommand(command.OpUserQuery); err != nil {
		c.log.Warn("user query failed", zap.Error(err))
	}
}

func (c *Client) sendSetTime() {
	c.setState(StateSyncingTime)
	if err := c.SendCommand(command.BuildSetTime(command.OpSetTime, c.clock.Now())); err != nil {
		c.log.Warn("set time failed", zap.Error(err))
	}
}

func (c *Client) setState(s State) {
	if s == c.session.State {
		return
	}
	old := c.session.State
	c.session.State = s
	c.log.Debug("state change", zap.Stringer("from", old), zap.Stringer("to", s))
	if c.onStateChange != nil {
		c.onStateChange(old, s)
	}
}
