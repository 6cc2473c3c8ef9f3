package ota

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vitaminmoo/pmlog/internal/ble"
	"github.com/vitaminmoo/pmlog/internal/firmware"
)

// Phase is the state of the transfer state machine.
type Phase int

const (
	Idle Phase = iota
	AwaitingStartAck
	TransferringSectors
	Complete
	Error
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case AwaitingStartAck:
		return "awaiting start ack"
	case TransferringSectors:
		return "transferring"
	case Complete:
		return "complete"
	case Error:
		return "error"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

var (
	ErrNotConnected = ble.ErrNotConnected
	ErrDisconnected = ble.ErrDisconnected

	ErrRejected     = errors.New("peripheral rejected the firmware update")
	ErrMalformedAck = errors.New("malformed acknowledgment")
	ErrAckTimeout   = errors.New("timed out waiting for acknowledgment")
	ErrBusy         = errors.New("a firmware update is already in progress")
)

// Progress is one OTA progress event.
type Progress struct {
	Session   uuid.UUID
	Phase     Phase
	Sector    int // sectors completed
	Sectors   int
	BytesSent int64
	Total     int64
	Err       error
}

// Percent returns the fraction of firmware bytes sent (0.0 to 1.0).
func (p Progress) Percent() float64 {
	return firmware.TransferProgress{BytesSent: p.BytesSent, TotalBytes: p.Total}.Percent()
}

// Description is a human-readable summary of the event.
func (p Progress) Description() string {
	switch p.Phase {
	case AwaitingStartAck:
		return "Waiting for the logger to accept the update..."
	case TransferringSectors:
		return fmt.Sprintf("Sector %d/%d", p.Sector, p.Sectors)
	case Complete:
		return "Update sent, the logger will reboot"
	case Error:
		if p.Err != nil {
			return "Update failed: " + p.Err.Error()
		}
		return "Update failed"
	}
	return p.Phase.String()
}

// ReportTo adapts a firmware.ProgressCallback to OTA progress events.
func ReportTo(cb firmware.ProgressCallback) func(Progress) {
	if cb == nil {
		return nil
	}
	return func(p Progress) {
		cb(p.BytesSent, p.Total, p.Description())
	}
}
