package ble

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vitaminmoo/pmlog/internal/config"

	"tinygo.org/x/bluetooth"
)

// ConnectOptions controls Connect.
type ConnectOptions struct {
	// NameFilter is matched case-insensitively as a substring of the
	// advertised name. Devices advertising the primary service match too.
	NameFilter  string
	ScanTimeout time.Duration
	Profile     Profile
	// OnStatus receives the connection status texts (StatusRequesting ...).
	OnStatus func(status string)
}

func (o ConnectOptions) status(s string) {
	config.Debugf("BLE status: %s", s)
	if o.OnStatus != nil {
		o.OnStatus(s)
	}
}

// Connect scans for the logger, connects, and discovers its
// characteristics. On any failure the status goes to StatusError.
func Connect(ctx context.Context, opts ConnectOptions) (*Session, error) {
	s, err := connect(ctx, opts)
	if err != nil {
		opts.status(StatusError)
		return nil, err
	}
	opts.status(StatusConnected)
	return s, nil
}

func connect(ctx context.Context, opts ConnectOptions) (*Session, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable Bluetooth: %w", err)
	}

	opts.status(StatusRequesting)
	result, err := scan(ctx, adapter, opts)
	if err != nil {
		return nil, err
	}

	address := result.Address.String()
	s := NewSession(nil, nil, nil, nil, nil)
	s.Address = address

	adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected || device.Address.String() != address {
			return
		}
		s.MarkDisconnected()
		opts.status(StatusOffline)
	})

	opts.status(StatusConnecting)
	config.Debugf("Connecting to %s (%s)...", result.LocalName(), address)
	device, err := adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	s.device = &device

	if err := discover(s, &device, opts); err != nil {
		_ = device.Disconnect()
		return nil, err
	}
	return s, nil
}

// scan blocks until a matching advertisement is seen, the scan timeout
// elapses, or ctx is cancelled.
func scan(ctx context.Context, adapter *bluetooth.Adapter, opts ConnectOptions) (bluetooth.ScanResult, error) {
	if opts.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ScanTimeout)
		defer cancel()
	}

	scanDone := make(chan struct{})
	defer close(scanDone)
	go func() {
		select {
		case <-ctx.Done():
			adapter.StopScan()
		case <-scanDone:
		}
	}()

	filter := strings.ToLower(opts.NameFilter)
	var found bluetooth.ScanResult
	var ok bool

	err := adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if name != "" {
			config.Debugf("  Found: '%s' (%s) rssi %d", name, result.Address.String(), result.RSSI)
		}
		if matches(name, filter) || result.HasServiceUUID(opts.Profile.Service) {
			found = result
			ok = true
			adapter.StopScan()
		}
	})
	if err != nil {
		return bluetooth.ScanResult{}, fmt.Errorf("scan failed: %w", err)
	}
	if !ok {
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			return bluetooth.ScanResult{}, ctx.Err()
		}
		return bluetooth.ScanResult{}, fmt.Errorf("device not found")
	}
	return found, nil
}

func matches(name, filter string) bool {
	return filter != "" && strings.Contains(strings.ToLower(name), filter)
}

// discover fills the session channels from the primary and OTA services.
func discover(s *Session, device *bluetooth.Device, opts ConnectOptions) error {
	opts.status(StatusDiscovering)
	services, err := device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("failed to discover services: %w", err)
	}

	var primary, ota *bluetooth.DeviceService
	for i := range services {
		switch {
		case services[i].UUID() == opts.Profile.Service:
			primary = &services[i]
			config.Debugf("Found primary service: %s", services[i].UUID().String())
		case opts.Profile.HasOTA() && services[i].UUID() == opts.Profile.OTAService:
			ota = &services[i]
			config.Debugf("Found OTA service: %s", services[i].UUID().String())
		}
	}
	if primary == nil {
		return fmt.Errorf("service %s not found", opts.Profile.Service.String())
	}

	opts.status(StatusGettingChars)
	chars, err := primary.DiscoverCharacteristics(nil)
	if err != nil {
		return fmt.Errorf("failed to discover characteristics: %w", err)
	}
	var status, logChar, command *bluetooth.DeviceCharacteristic
	for i := range chars {
		config.Debugf("Found characteristic: %s", chars[i].UUID().String())
		switch chars[i].UUID() {
		case opts.Profile.Status:
			status = &chars[i]
		case opts.Profile.Log:
			logChar = &chars[i]
		case opts.Profile.Command:
			command = &chars[i]
		}
	}
	if status == nil {
		return fmt.Errorf("status characteristic not found")
	}
	if logChar == nil {
		return fmt.Errorf("log characteristic not found")
	}
	if command == nil {
		return fmt.Errorf("command characteristic not found")
	}

	w, err := newWritable(s.Address)
	if err != nil {
		return err
	}
	for _, c := range []struct {
		dst *Channel
		src *bluetooth.DeviceCharacteristic
	}{
		{&s.Status, status},
		{&s.Log, logChar},
		{&s.Command, command},
	} {
		if *c.dst, err = w.channel(c.src); err != nil {
			return err
		}
	}

	if ota == nil {
		config.Debugf("No OTA service configured or found, firmware updates unavailable")
		return nil
	}
	otaChars, err := ota.DiscoverCharacteristics(nil)
	if err != nil {
		return fmt.Errorf("failed to discover OTA characteristics: %w", err)
	}
	for i := range otaChars {
		config.Debugf("Found OTA characteristic: %s", otaChars[i].UUID().String())
		var dst *Channel
		switch otaChars[i].UUID() {
		case opts.Profile.OTAData:
			dst = &s.OTAData
		case opts.Profile.OTACommand:
			dst = &s.OTACommand
		default:
			continue
		}
		if *dst, err = w.channel(&otaChars[i]); err != nil {
			return err
		}
	}
	return nil
}
