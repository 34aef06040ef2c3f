package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/edink84/blindctl/internal/protocol"
)

// DeviceNamePrefix is the advertised local-name prefix of this blind family.
const DeviceNamePrefix = "MOTION"

// Device is one blind seen during a scan.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// ScanForBlinds powers on the default controller and scans for blinds until
// timeout. A device qualifies by advertising the blind service or a
// MOTION-prefixed name; results are deduplicated by address.
func ScanForBlinds(timeout time.Duration) ([]Device, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	serviceUUID, err := bluetooth.ParseUUID(protocol.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service uuid: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			adapter.StopScan()
		case <-done:
		}
	}()

	err = adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if !result.HasServiceUUID(serviceUUID) && !strings.HasPrefix(name, DeviceNamePrefix) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name:    name,
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}
