package ble

import (
	"fmt"
	"sync"

	"github.com/vitaminmoo/pmlog/internal/config"

	"tinygo.org/x/bluetooth"
)

// Profile names the GATT layout of the logger. The OTA UUIDs are zero
// when firmware updates are not configured.
type Profile struct {
	Service    bluetooth.UUID
	Status     bluetooth.UUID
	Log        bluetooth.UUID
	Command    bluetooth.UUID
	OTAService bluetooth.UUID
	OTAData    bluetooth.UUID
	OTACommand bluetooth.UUID
}

// DefaultProfile returns the built-in UUIDs.
func DefaultProfile() Profile {
	p, err := ProfileFromConfig(config.Default().Device)
	if err != nil {
		panic(err)
	}
	return p
}

// ProfileFromConfig parses the UUID strings of a device config.
func ProfileFromConfig(c config.DeviceConfig) (Profile, error) {
	type field struct {
		name string
		s    string
		dst  *bluetooth.UUID
	}
	var p Profile
	fields := []field{
		{"service", c.ServiceUUID, &p.Service},
		{"status", c.StatusUUID, &p.Status},
		{"log", c.LogUUID, &p.Log},
		{"command", c.CommandUUID, &p.Command},
	}
	if c.HasOTA() {
		fields = append(fields,
			field{"ota service", c.OTAServiceUUID, &p.OTAService},
			field{"ota data", c.OTADataUUID, &p.OTAData},
			field{"ota command", c.OTACommandUUID, &p.OTACommand},
		)
	}
	for _, f := range fields {
		u, err := bluetooth.ParseUUID(f.s)
		if err != nil {
			return Profile{}, fmt.Errorf("invalid %s uuid %q: %w", f.name, f.s, err)
		}
		*f.dst = u
	}
	return p, nil
}

// HasOTA reports whether the profile names an OTA service.
func (p Profile) HasOTA() bool {
	return p.OTAService != bluetooth.UUID{}
}

// Session groups the discovered characteristics of one connection.
// OTAData and OTACommand are nil when the peripheral has no OTA service.
type Session struct {
	Status     Channel
	Log        Channel
	Command    Channel
	OTAData    Channel
	OTACommand Channel

	// Address is the peer address, empty for sessions not backed by a device.
	Address string

	device   *bluetooth.Device
	done     chan struct{}
	doneOnce sync.Once
}

// NewSession wraps already-discovered channels. Connect uses it; tests
// pass fakes.
func NewSession(status, log, command, otaData, otaCommand Channel) *Session {
	return &Session{
		Status:     status,
		Log:        log,
		Command:    command,
		OTAData:    otaData,
		OTACommand: otaCommand,
		done:       make(chan struct{}),
	}
}

// Done is closed once the session is disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Connected reports whether Done has not been closed yet.
func (s *Session) Connected() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// HasOTA reports whether both OTA characteristics were discovered.
func (s *Session) HasOTA() bool {
	return s.OTAData != nil && s.OTACommand != nil
}

// MarkDisconnected closes Done. It is safe to call more than once.
func (s *Session) MarkDisconnected() {
	s.doneOnce.Do(func() {
		config.Debugf("Session %s marked disconnected", s.Address)
		close(s.done)
	})
}

// Disconnect tears down the link and closes Done.
func (s *Session) Disconnect() error {
	defer s.MarkDisconnected()
	if s.device == nil || !s.Connected() {
		return nil
	}
	if err := s.device.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}
