// Package bridge exposes a connected blind to home-automation consumers.
//
// The bridge owns the connection lifecycle: it dials the blind, drives the
// handshake, reconnects with capped exponential backoff when the link drops,
// and fans decoded notifications out to WebSocket clients and an optional
// NATS subject. Inbound commands arrive over WebSocket or NATS and are
// forwarded to the blind once the handshake has completed. The protocol
// client does no locking of its own, so the bridge serializes every call to
// it through one mutex.
package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/edink84/blindctl/internal/protocol"
)

// Link is the slice of the BLE adapter the bridge drives.
type Link interface {
	protocol.Transport
	SetEventHandler(func(protocol.Event))
}

// Options configures the bridge daemon. Zero values get defaults from New.
type Options struct {
	Listen         string // HTTP listen address for the WebSocket endpoint
	NATSURL        string // empty disables NATS
	SubjectPrefix  string // NATS subject prefix, e.g. "blinds"
	ConnectTimeout int    // seconds per connection attempt
	ReconnectMax   int    // max reconnect backoff in seconds
	Logger         *zap.Logger
}

// Frame is the JSON structure pushed to WebSocket clients and NATS.
type Frame struct {
	Type    string `json:"type"` // "notify", "state", "disconnected" or "error"
	Payload string `json:"payload,omitempty"`
	State   string `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
	Stamp   int64  `json:"stamp"` // Unix ms
}

// command is the JSON structure accepted from WebSocket clients.
type command struct {
	Command string `json:"command"`
}

// Bridge connects one blind to WebSocket and NATS consumers.
type Bridge struct {
	link   Link
	device string
	opts   Options
	log    *zap.Logger

	// mu serializes all access to the protocol client.
	mu     sync.Mutex
	client *protocol.Client

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}

	upgrader websocket.Upgrader
	nats     *nats.Conn
	linkDown chan struct{}
}

// New creates a Bridge for the blind at the given address.
func New(link Link, device string, opts Options) (*Bridge, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30
	}

	b := &Bridge{
		link:    link,
		device:  device,
		opts:    opts,
		log:     opts.Logger,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		linkDown: make(chan struct{}, 1),
	}

	client, err := protocol.NewClient(link, protocol.Options{
		Logger:         opts.Logger,
		OnNotify:       b.handleNotify,
		OnStateChange:  b.handleStateChange,
		OnDisconnected: b.handleLinkDown,
	})
	if err != nil {
		return nil, err
	}
	b.client = client
	link.SetEventHandler(b.handleEvent)
	return b, nil
}

// Run serves the WebSocket endpoint and maintains the BLE link until ctx is
// cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	if b.opts.NATSURL != "" {
		nc, err := nats.Connect(b.opts.NATSURL)
		if err != nil {
			return fmt.Errorf("bridge: connect nats: %w", err)
		}
		defer nc.Close()
		b.nats = nc

		subject := b.subject("command")
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			if err := b.SendCommand(string(msg.Data)); err != nil {
				b.log.Warn("nats command rejected", zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("bridge: subscribe %s: %w", subject, err)
		}
		defer sub.Unsubscribe()
		b.log.Info("nats connected",
			zap.String("url", b.opts.NATSURL), zap.String("command_subject", subject))
	}

	go b.maintainLink(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	mux.HandleFunc("/health", b.handleHealth)

	srv := &http.Server{
		Addr:    b.opts.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	b.log.Info("bridge listening", zap.String("addr", b.opts.Listen))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// SendCommand validates a hex command string and forwards it to the blind.
// Commands are rejected until the handshake has completed.
func (b *Bridge) SendCommand(cmd string) error {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return errors.New("bridge: empty command")
	}
	if _, err := hex.DecodeString(cmd); err != nil {
		return fmt.Errorf("bridge: command %q is not a hex string: %w", cmd, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if state := b.client.State(); state != protocol.StateReady {
		return fmt.Errorf("bridge: blind not ready (state %s)", state)
	}
	return b.client.SendCommand(cmd)
}

// maintainLink keeps the BLE connection alive, reconnecting with capped
// exponential backoff. The first retry after a drop is immediate.
func (b *Bridge) maintainLink(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			delay := backoffDelay(attempt-1, b.opts.ReconnectMax)
			b.log.Info("reconnect backoff", zap.Int("attempt", attempt+1), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		connectCtx, cancel := context.WithTimeout(ctx, time.Duration(b.opts.ConnectTimeout)*time.Second)
		b.mu.Lock()
		err := b.client.Connect(connectCtx)
		b.mu.Unlock()
		cancel()
		if err != nil {
			attempt++
			b.log.Warn("connect failed", zap.String("device", b.device), zap.Error(err))
			continue
		}
		attempt = 0

		select {
		case <-ctx.Done():
			b.mu.Lock()
			if err := b.client.Disconnect(); err != nil {
				b.log.Warn("disconnect failed", zap.Error(err))
			}
			b.mu.Unlock()
			return
		case <-b.linkDown:
			b.log.Warn("link down, reconnecting", zap.String("device", b.device))
		}
	}
}

// handleEvent feeds one transport event to the protocol client. The adapter
// delivers events from a single goroutine; the mutex keeps WebSocket and
// NATS command senders out of the client while an event is being handled.
func (b *Bridge) handleEvent(ev protocol.Event) {
	b.mu.Lock()
	b.client.Handle(ev)
	b.mu.Unlock()
}

// handleNotify fans a decoded notification out to WebSocket and NATS.
func (b *Bridge) handleNotify(payload string) {
	b.log.Info("notification", zap.String("payload", payload))
	frame := Frame{Type: "notify", Payload: payload, Stamp: time.Now().UnixMilli()}
	b.broadcast(frame)
	b.publish(b.subject("notify"), frame)
}

func (b *Bridge) handleStateChange(from, to protocol.State) {
	b.broadcast(Frame{Type: "state", State: to.String(), Stamp: time.Now().UnixMilli()})
	if to == protocol.StateReady {
		b.log.Info("blind ready", zap.String("device", b.device))
	}
}

func (b *Bridge) handleLinkDown() {
	b.broadcast(Frame{Type: "disconnected", Stamp: time.Now().UnixMilli()})
	select {
	case b.linkDown <- struct{}{}:
	default:
	}
}

// publish sends a frame to NATS when it is configured.
func (b *Bridge) publish(subject string, frame Frame) {
	if b.nats == nil {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := b.nats.Publish(subject, data); err != nil {
		b.log.Warn("nats publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// subject builds a NATS subject for this device. Colons would read as odd
// subject tokens, so the address is lowercased and stripped of them.
func (b *Bridge) subject(kind string) string {
	device := strings.ToLower(strings.ReplaceAll(b.device, ":", ""))
	return b.opts.SubjectPrefix + "." + device + "." + kind
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt >= 30 {
		// 1<<attempt would overflow; any sane cap is long exceeded by now.
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}
