//go:build !linux && !darwin && !windows

package ble

import (
	"github.com/vitaminmoo/pmlog/internal/config"

	"tinygo.org/x/bluetooth"
)

// commandChannel sends acknowledged writes as write commands on stacks
// without write requests.
type commandChannel struct {
	*bluetooth.DeviceCharacteristic
}

func (c commandChannel) Write(p []byte) (int, error) {
	config.Debugf("No write request support, using write without response")
	return c.WriteWithoutResponse(p)
}

type writable struct{}

func newWritable(string) (*writable, error) { return &writable{}, nil }

func (*writable) channel(c *bluetooth.DeviceCharacteristic) (Channel, error) {
	return commandChannel{c}, nil
}
