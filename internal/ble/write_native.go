//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

var _ Channel = (*bluetooth.DeviceCharacteristic)(nil)

type writable struct{}

func newWritable(string) (*writable, error) { return &writable{}, nil }

func (*writable) channel(c *bluetooth.DeviceCharacteristic) (Channel, error) { return c, nil }
