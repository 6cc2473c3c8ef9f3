package ble

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

// CharacteristicInfo is one characteristic found by Explore.
type CharacteristicInfo struct {
	UUID  string
	Value []byte // nil when the characteristic could not be read
}

// ServiceInfo is one service found by Explore.
type ServiceInfo struct {
	UUID            string
	Characteristics []CharacteristicInfo
	Err             error // characteristic discovery failure
}

// Explore lists every service and characteristic of the connected
// device, reading each characteristic once. Nothing is written.
func (s *Session) Explore() ([]ServiceInfo, error) {
	if s.device == nil || !s.Connected() {
		return nil, ErrNotConnected
	}
	services, err := s.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	result := make([]ServiceInfo, 0, len(services))
	for _, svc := range services {
		info := ServiceInfo{UUID: svc.UUID().String()}
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			info.Err = err
			result = append(result, info)
			continue
		}
		for _, char := range chars {
			info.Characteristics = append(info.Characteristics, CharacteristicInfo{
				UUID:  char.UUID().String(),
				Value: readOnce(char),
			})
		}
		result = append(result, info)
	}
	return result, nil
}

func readOnce(char bluetooth.DeviceCharacteristic) []byte {
	buf := make([]byte, 256)
	n, err := char.Read(buf)
	if err != nil || n == 0 {
		return nil
	}
	return buf[:n]
}
