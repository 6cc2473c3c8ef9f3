package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// OTA command identifiers carried in the first two bytes of command frames
// and echoed at offset 2 of acknowledgments.
const (
	OTACommandStart     uint16 = 0x0001
	OTACommandSectorAck uint16 = 0x0002
)

// OTAStatusOK is the acknowledgment status for an accepted command.
const OTAStatusOK uint16 = 0x0000

const (
	// SectorSize is the unit of firmware the peripheral validates with a
	// whole-sector checksum.
	SectorSize = 4096

	// StartFrameSize is the fixed length of the start command.
	StartFrameSize = 20

	// PacketHeaderSize is the sector index plus sequence byte.
	PacketHeaderSize = 3

	// PacketOverhead is subtracted from the channel MTU to get the payload
	// size of a data packet.
	PacketOverhead = 4

	// LastPacketSeq marks the final packet of a sector.
	LastPacketSeq = 0xFF

	// MaxSectors is bounded by the 16-bit sector index.
	MaxSectors = 1 << 16

	// MaxPacketsPerSector allows sequence numbers 0-254 plus the last packet.
	MaxPacketsPerSector = LastPacketSeq + 1
)

var (
	ErrShortAck        = errors.New("acknowledgment too short")
	ErrEmptyFirmware   = errors.New("firmware image is empty")
	ErrFirmwareTooBig  = errors.New("firmware image exceeds 65536 sectors")
	ErrPayloadTooSmall = errors.New("channel MTU leaves no room for packet payload")
)

// EncodeStartFrame builds the 20-byte start-flash command.
//
// Format (little-endian):
//
//	bytes 0-1:   command id (0x0001)
//	bytes 2-5:   firmware length in bytes
//	bytes 6-17:  reserved, zero
//	bytes 18-19: Checksum of bytes 0-17
func EncodeStartFrame(firmwareLen uint32) []byte {
	frame := make([]byte, StartFrameSize)
	binary.LittleEndian.PutUint16(frame[0:2], OTACommandStart)
	binary.LittleEndian.PutUint32(frame[2:6], firmwareLen)
	binary.LittleEndian.PutUint16(frame[18:20], Checksum(frame[:18]))
	return frame
}

// Ack is a decoded OTA-command notification.
type Ack struct {
	Command uint16
	Status  uint16
}

// OK reports whether the ack accepts the given command.
func (a Ack) OK(command uint16) bool {
	return a.Command == command && a.Status == OTAStatusOK
}

func (a Ack) String() string {
	return fmt.Sprintf("command=%#04x status=%#04x", a.Command, a.Status)
}

// DecodeAck decodes an OTA-command notification.
//
// Format (little-endian):
//
//	bytes 0-1: unused
//	bytes 2-3: echoed command id
//	bytes 4-5: status (0 = ack)
func DecodeAck(buf []byte) (Ack, error) {
	if len(buf) < 6 {
		return Ack{}, fmt.Errorf("%w: %d bytes, need 6", ErrShortAck, len(buf))
	}
	return Ack{
		Command: binary.LittleEndian.Uint16(buf[2:4]),
		Status:  binary.LittleEndian.Uint16(buf[4:6]),
	}, nil
}

// PayloadSize returns the per-packet payload for a channel MTU. It is
// clamped to SectorSize so a sector always needs at least one packet.
func PayloadSize(mtu int) (int, error) {
	p := mtu - PacketOverhead
	if p <= 0 {
		return 0, fmt.Errorf("%w: mtu %d", ErrPayloadTooSmall, mtu)
	}
	if p > SectorSize {
		p = SectorSize
	}
	return p, nil
}

// SectorCount returns ceil(n/SectorSize).
func SectorCount(n int) int {
	return (n + SectorSize - 1) / SectorSize
}

// Sector returns the i-th sector of firmware; the last may be short.
func Sector(firmware []byte, i int) []byte {
	start := i * SectorSize
	end := min(start+SectorSize, len(firmware))
	return firmware[start:end]
}

// PacketCount returns ceil(sectorLen/payload).
func PacketCount(sectorLen, payload int) int {
	return (sectorLen + payload - 1) / payload
}

// ValidateFirmware checks the image and payload size against the limits
// of the packet format before anything is written.
func ValidateFirmware(firmware []byte, payload int) error {
	if len(firmware) == 0 {
		return ErrEmptyFirmware
	}
	if SectorCount(len(firmware)) > MaxSectors {
		return ErrFirmwareTooBig
	}
	if payload <= 0 {
		return ErrPayloadTooSmall
	}
	largest := min(len(firmware), SectorSize)
	if n := PacketCount(largest, payload); n > MaxPacketsPerSector {
		return fmt.Errorf("payload size %d needs %d packets per sector, limit is %d", payload, n, MaxPacketsPerSector)
	}
	return nil
}

// SectorPackets splits one sector into data packets.
//
// Packet format (little-endian):
//
//	bytes 0-1: sector index
//	byte 2:    sequence number (0, 1, ...; 0xFF on the last packet)
//	bytes 3+:  payload slice of the sector
//	last packet only: 2-byte Checksum of the whole sector
func SectorPackets(index uint16, sector []byte, payload int) [][]byte {
	n := PacketCount(len(sector), payload)
	sum := Checksum(sector)
	packets := make([][]byte, 0, n)
	for i := range n {
		start := i * payload
		end := min(start+payload, len(sector))
		last := i == n-1

		size := PacketHeaderSize + end - start
		if last {
			size += 2
		}
		pkt := make([]byte, PacketHeaderSize, size)
		binary.LittleEndian.PutUint16(pkt[0:2], index)
		if last {
			pkt[2] = LastPacketSeq
		} else {
			pkt[2] = byte(i)
		}
		pkt = append(pkt, sector[start:end]...)
		if last {
			pkt = binary.LittleEndian.AppendUint16(pkt, sum)
		}
		packets = append(packets, pkt)
	}
	return packets
}

// DataPacket is a decoded firmware-data packet, used by debug tooling and
// tests to inspect the stream.
type DataPacket struct {
	Sector   uint16
	Seq      byte
	Payload  []byte
	Checksum uint16 // set only when Last
	Last     bool
}

// DecodeDataPacket is the inverse of SectorPackets for a single packet.
func DecodeDataPacket(pkt []byte) (DataPacket, error) {
	if len(pkt) < PacketHeaderSize {
		return DataPacket{}, fmt.Errorf("packet too short: %d bytes", len(pkt))
	}
	p := DataPacket{
		Sector: binary.LittleEndian.Uint16(pkt[0:2]),
		Seq:    pkt[2],
		Last:   pkt[2] == LastPacketSeq,
	}
	body := pkt[PacketHeaderSize:]
	if p.Last {
		if len(body) < 2 {
			return DataPacket{}, fmt.Errorf("last packet of sector %d has no checksum", p.Sector)
		}
		p.Checksum = binary.LittleEndian.Uint16(body[len(body)-2:])
		body = body[:len(body)-2]
	}
	p.Payload = body
	return p, nil
}
