package ota

import (
	"github.com/vitaminmoo/pmlog/internal/protocol"
)

// Plan describes how an image would be sent at a given MTU, without
// touching a device.
type Plan struct {
	Size             int
	MTU              int
	Payload          int
	Sectors          int
	PacketsPerSector int // for a full sector
	TotalPackets     int
	StartFrame       []byte
	SectorChecksums  []uint16
}

// NewPlan validates firmware against mtu and lays out the transfer.
func NewPlan(firmware []byte, mtu int) (*Plan, error) {
	payload, err := protocol.PayloadSize(mtu)
	if err != nil {
		return nil, err
	}
	if err := protocol.ValidateFirmware(firmware, payload); err != nil {
		return nil, err
	}
	p := &Plan{
		Size:       len(firmware),
		MTU:        mtu,
		Payload:    payload,
		Sectors:    protocol.SectorCount(len(firmware)),
		StartFrame: protocol.EncodeStartFrame(uint32(len(firmware))),
	}
	p.PacketsPerSector = protocol.PacketCount(min(len(firmware), protocol.SectorSize), payload)
	for i := range p.Sectors {
		sector := protocol.Sector(firmware, i)
		p.TotalPackets += protocol.PacketCount(len(sector), payload)
		p.SectorChecksums = append(p.SectorChecksums, protocol.Checksum(sector))
	}
	return p, nil
}
