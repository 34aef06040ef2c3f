// Blindctl is a controller for Motion BLE motorized window blinds.
//
// It speaks the blinds' encrypted GATT command protocol: it can scan for
// nearby blinds, watch a blind's notifications, send raw commands, and run a
// bridge daemon exposing a blind over WebSocket and NATS.
//
// Usage:
//
//	blindctl [command] [flags]
//
// See 'blindctl --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edink84/blindctl/internal/logging"
	"github.com/edink84/blindctl/internal/version"
)

func main() {
	defer logging.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "blindctl",
	Short: "Motion BLE blind controller",
	Long: `Control Motion BLE motorized window blinds.

Blindctl drives the blinds' encrypted command protocol over Bluetooth LE:
scanning for devices, running the pairing and time-sync handshake, sending
raw commands, and bridging a blind to WebSocket/NATS consumers.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Initialize(logLevel)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("blindctl %s\n", version.Full())
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(versionCmd)
}
