package ble

import "errors"

var (
	// ErrNotConnected is returned when an operation needs a channel that
	// is not available. Nothing is written.
	ErrNotConnected = errors.New("not connected to a device")

	// ErrDisconnected is returned by operations interrupted by the
	// peripheral going away.
	ErrDisconnected = errors.New("device disconnected")
)

// Channel is one GATT characteristic as the protocol code sees it.
// Connect wraps each *bluetooth.DeviceCharacteristic so Write is an
// acknowledged write on every platform; tests use bletest.Channel.
type Channel interface {
	// Read reads the current value.
	Read(p []byte) (int, error)
	// Write writes with acknowledgment (ATT write request).
	Write(p []byte) (int, error)
	// WriteWithoutResponse writes without acknowledgment (ATT write command).
	WriteWithoutResponse(p []byte) (int, error)
	// EnableNotifications installs the notification callback. The callback
	// runs on the transport's goroutine and must not block.
	EnableNotifications(callback func(buf []byte)) error
	// GetMTU returns the negotiated ATT MTU.
	GetMTU() (uint16, error)
}
