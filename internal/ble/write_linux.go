//go:build linux

package ble

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/vitaminmoo/pmlog/internal/config"

	"tinygo.org/x/bluetooth"
)

const (
	bluezBus            = "org.bluez"
	bluezCharacteristic = "org.bluez.GattCharacteristic1"
	objectManager       = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// requestChannel adds an acknowledged Write to a characteristic. BlueZ only
// issues an ATT write request when WriteValue is called with type=request;
// the bluetooth package always sends a write command on Linux.
type requestChannel struct {
	*bluetooth.DeviceCharacteristic
	obj dbus.BusObject
}

func (c requestChannel) Write(p []byte) (int, error) {
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	if err := c.obj.Call(bluezCharacteristic+".WriteValue", 0, p, opts).Err; err != nil {
		return 0, err
	}
	return len(p), nil
}

// writable resolves the BlueZ object of each characteristic so writes to it
// can be acknowledged.
type writable struct {
	conn    *dbus.Conn
	objects managedObjects
	address string
}

func newWritable(address string) (*writable, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	objects := make(managedObjects)
	if err := conn.Object(bluezBus, "/").Call(objectManager, 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("failed to get managed objects: %w", err)
	}
	return &writable{conn: conn, objects: objects, address: address}, nil
}

func (w *writable) channel(c *bluetooth.DeviceCharacteristic) (Channel, error) {
	path, ok := characteristicPath(w.objects, w.address, c.UUID().String())
	if !ok {
		return nil, fmt.Errorf("characteristic %s not found on %s", c.UUID().String(), w.address)
	}
	config.Debugf("Characteristic %s at %s", c.UUID().String(), path)
	return requestChannel{DeviceCharacteristic: c, obj: w.conn.Object(bluezBus, path)}, nil
}

// characteristicPath finds the object path of the characteristic with the
// given UUID under the device with the given address.
func characteristicPath(objects managedObjects, address, uuid string) (dbus.ObjectPath, bool) {
	device := "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_") + "/"
	for path, ifaces := range objects {
		if !strings.Contains(string(path), device) {
			continue
		}
		props, ok := ifaces[bluezCharacteristic]
		if !ok {
			continue
		}
		v, ok := props["UUID"].Value().(string)
		if ok && strings.EqualFold(v, uuid) {
			return path, true
		}
	}
	return "", false
}
