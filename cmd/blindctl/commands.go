package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edink84/blindctl/internal/ble"
	"github.com/edink84/blindctl/internal/bridge"
	"github.com/edink84/blindctl/internal/config"
	"github.com/edink84/blindctl/internal/logging"
	"github.com/edink84/blindctl/internal/protocol"
)

var (
	configPath    string
	deviceAddress string
	logLevel      string
	scanTimeout   int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default ~/.config/blindctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&deviceAddress, "device", "", "Blind Bluetooth address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); silent when unset")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(bridgeCmd)
}

// loadConfig reads the config file named by --config, or the default path
// when it exists, or returns built-in defaults.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	path := config.DefaultConfigPath()
	if _, err := os.Stat(path); err != nil {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// resolveDevice returns the blind address from --device or the config.
func resolveDevice(cfg *config.Config) (string, error) {
	if deviceAddress != "" {
		return deviceAddress, nil
	}
	if cfg.Device.Address != "" {
		return cfg.Device.Address, nil
	}
	return "", errors.New("no device address: pass --device or set device.address in the config")
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Motion blinds",
	Long: `Scan for Motion blinds over Bluetooth LE.

Blinds are recognized by their advertised service or a MOTION-prefixed
device name. Each result shows the name, Bluetooth address and signal
strength; the address is what the other commands take via --device.`,
	Example: `  # Scan with the default timeout
  blindctl scan

  # Quick 3-second scan
  blindctl scan --timeout 3`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().IntVar(&scanTimeout, "timeout", 0, "Scan timeout in seconds (default from config)")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	timeout := cfg.Device.ScanTimeout
	if scanTimeout > 0 {
		timeout = scanTimeout
	}

	fmt.Printf("Scanning for blinds (timeout: %ds)...\n\n", timeout)

	devices, err := ble.ScanForBlinds(time.Duration(timeout) * time.Second)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if len(devices) == 0 {
		fmt.Println("No blinds found.")
		fmt.Println("\nTroubleshooting:")
		fmt.Println("  - Make sure the blind is powered and in range")
		fmt.Println("  - Close the vendor app; blinds accept one central at a time")
		fmt.Println("  - Try increasing --timeout")
		return nil
	}

	fmt.Printf("Found %d blind(s):\n\n", len(devices))
	for i, d := range devices {
		name := d.Name
		if name == "" {
			name = "(no name)"
		}
		fmt.Printf("%d. %s\n", i+1, name)
		fmt.Printf("   Address: %s\n", d.Address)
		fmt.Printf("   RSSI:    %d dBm\n", d.RSSI)
		fmt.Println()
	}
	fmt.Println("Use 'blindctl watch --device <address>' to connect")
	return nil
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect to a blind and print its notifications",
	Long: `Connect to a blind, run the handshake, and print every decoded
notification until interrupted.`,
	Example: `  blindctl watch --device AA:BB:CC:DD:EE:FF`,
	RunE:    runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	device, err := resolveDevice(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := dialBlind(ctx, cfg, device, func(payload string) {
		fmt.Printf("%s  %s\n", time.Now().Format("15:04:05.000"), payload)
	})
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Printf("Connected to %s, waiting for handshake...\n", device)
	if err := s.waitReady(ctx); err != nil {
		return err
	}
	fmt.Println("Handshake complete. Watching notifications (Ctrl-C to stop).")

	select {
	case <-ctx.Done():
		fmt.Println("\nStopping.")
		return nil
	case <-s.down:
		return errors.New("blind disconnected")
	}
}

var sendCmd = &cobra.Command{
	Use:   "send <hex-command>",
	Short: "Send one raw command to a blind",
	Long: `Connect to a blind, run the handshake, send a single raw hex
command, and exit.

The command is the plaintext hex string from the blind's command
vocabulary; blindctl encrypts it before transmission but does not
interpret it.`,
	Example: `  # Send a motor command
  blindctl send --device AA:BB:CC:DD:EE:FF 0d01000240

  # Re-run the status query
  blindctl send --device AA:BB:CC:DD:EE:FF 02C005`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	raw := args[0]
	if _, err := hex.DecodeString(raw); err != nil {
		return fmt.Errorf("command %q is not a hex string: %w", raw, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	device, err := resolveDevice(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := dialBlind(ctx, cfg, device, nil)
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Printf("Connected to %s, waiting for handshake...\n", device)
	if err := s.waitReady(ctx); err != nil {
		return err
	}
	if err := s.send(raw); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	fmt.Printf("Command %s written and acknowledged.\n", raw)
	return nil
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the WebSocket/NATS bridge daemon",
	Long: `Run a daemon that keeps a blind connected and exposes it to
home-automation consumers.

Decoded notifications are pushed to every WebSocket client on /ws and,
when bridge.nats_url is configured, published to NATS. Commands are
accepted from both directions and forwarded to the blind once the
handshake completes. The link is re-established automatically with
capped exponential backoff.`,
	Example: `  blindctl bridge --device AA:BB:CC:DD:EE:FF
  blindctl bridge --config ~/.config/blindctl/config.yaml`,
	RunE: runBridge,
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	device, err := resolveDevice(cfg)
	if err != nil {
		return err
	}

	// The daemon logs per the config unless the flag or env already chose.
	if logLevel == "" && os.Getenv(logging.LogLevelEnvVar) == "" {
		if err := logging.Initialize(cfg.LogLevel); err != nil {
			return err
		}
	}

	logger := logging.GetLogger()
	adapter := ble.New(device, logger)
	defer adapter.Close()
	if err := adapter.Enable(); err != nil {
		return err
	}

	b, err := bridge.New(adapter, device, bridge.Options{
		Listen:         cfg.Bridge.Listen,
		NATSURL:        cfg.Bridge.NATSURL,
		SubjectPrefix:  cfg.Bridge.SubjectPrefix,
		ConnectTimeout: cfg.Device.ConnectTimeout,
		ReconnectMax:   cfg.Device.ReconnectMax,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Bridging %s on %s (Ctrl-C to stop)\n", device, cfg.Bridge.Listen)
	return b.Run(ctx)
}

// blindSession ties an adapter to a protocol client for the one-shot
// commands. The adapter delivers events from its own goroutine, so every
// call into the client goes through one mutex.
type blindSession struct {
	adapter *ble.Adapter
	client  *protocol.Client

	mu    sync.Mutex
	ready chan struct{}
	down  chan struct{}
}

// dialBlind connects to the blind at device and starts the handshake.
// Readiness is observed with waitReady.
func dialBlind(ctx context.Context, cfg *config.Config, device string, onNotify func(string)) (*blindSession, error) {
	logger := logging.GetLogger()
	s := &blindSession{
		adapter: ble.New(device, logger),
		ready:   make(chan struct{}),
		down:    make(chan struct{}),
	}

	client, err := protocol.NewClient(s.adapter, protocol.Options{
		Logger:   logger,
		OnNotify: onNotify,
		OnStateChange: func(from, to protocol.State) {
			if to == protocol.StateReady {
				select {
				case <-s.ready:
				default:
					close(s.ready)
				}
			}
		},
		OnDisconnected: func() {
			select {
			case <-s.down:
			default:
				close(s.down)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	s.client = client
	s.adapter.SetEventHandler(func(ev protocol.Event) {
		s.mu.Lock()
		client.Handle(ev)
		s.mu.Unlock()
	})

	if err := s.adapter.Enable(); err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Device.ConnectTimeout)*time.Second)
	defer cancel()
	s.mu.Lock()
	err = client.Connect(connectCtx)
	s.mu.Unlock()
	if err != nil {
		s.adapter.Close()
		return nil, err
	}
	return s, nil
}

// waitReady blocks until the handshake reaches the ready state.
func (s *blindSession) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.down:
		return errors.New("blind disconnected during handshake")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send forwards one raw command to the blind.
func (s *blindSession) send(raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.SendCommand(raw)
}

func (s *blindSession) close() {
	s.client.Disconnect()
	s.adapter.Close()
}
