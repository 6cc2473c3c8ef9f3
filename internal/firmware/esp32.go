package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ESP32 image format constants
const (
	ESP32ImageMagic     = 0xE9
	ESP32HeaderSize     = 24 // Main image header size
	ESP32SegmentHdrSize = 8  // Segment header size (load_addr + data_len)
	esp32MaxSegments    = 16
)

// ErrNotESP32 is returned for images without the ESP32 app magic.
var ErrNotESP32 = errors.New("not an ESP32 app image")

// esp32Header is the main header of an ESP32 app image.
type esp32Header struct {
	Magic        uint8
	SegmentCount uint8
	SPIMode      uint8
	SPISpeedSize uint8
	EntryAddr    uint32
	WPPin        uint8
	SPIPinDrv    [3]uint8
	ChipID       uint16
	MinChipRev   uint8
	MinRevFull   uint16
	MaxRevFull   uint16
	Reserved     [4]uint8
	HashAppended uint8
}

// ESP32Segment is one load segment of an app image.
type ESP32Segment struct {
	LoadAddr uint32
	DataLen  uint32
	Offset   int64 // where the segment data starts in the image
}

// ESP32Info summarizes an ESP32 app image header.
type ESP32Info struct {
	EntryAddr    uint32
	ChipID       uint16
	HashAppended bool
	Segments     []ESP32Segment
	// End is the offset just past the last segment.
	End int64
}

// ChipName maps the header chip id to a name.
func (i *ESP32Info) ChipName() string {
	switch i.ChipID {
	case 0x0000:
		return "ESP32"
	case 0x0002:
		return "ESP32-S2"
	case 0x0005:
		return "ESP32-C3"
	case 0x0009:
		return "ESP32-S3"
	case 0x000C:
		return "ESP32-C2"
	case 0x000D:
		return "ESP32-C6"
	}
	return fmt.Sprintf("chip %#04x", i.ChipID)
}

// InspectESP32 parses the header and segment table of an ESP32 app image
// and checks that every segment lies inside data. Segment contents are
// not copied.
func InspectESP32(data []byte) (*ESP32Info, error) {
	r := bytes.NewReader(data)

	var hdr esp32Header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotESP32, err)
	}
	if hdr.Magic != ESP32ImageMagic {
		return nil, fmt.Errorf("%w: magic 0x%02x (expected 0x%02x)", ErrNotESP32, hdr.Magic, ESP32ImageMagic)
	}
	if hdr.SegmentCount == 0 || hdr.SegmentCount > esp32MaxSegments {
		return nil, fmt.Errorf("invalid segment count %d", hdr.SegmentCount)
	}

	info := &ESP32Info{
		EntryAddr:    hdr.EntryAddr,
		ChipID:       hdr.ChipID,
		HashAppended: hdr.HashAppended == 1,
	}
	for i := 0; i < int(hdr.SegmentCount); i++ {
		var seg ESP32Segment
		if err := binary.Read(r, binary.LittleEndian, &seg.LoadAddr); err != nil {
			return nil, fmt.Errorf("failed to read segment %d load addr: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &seg.DataLen); err != nil {
			return nil, fmt.Errorf("failed to read segment %d data len: %w", i, err)
		}
		pos, _ := r.Seek(0, io.SeekCurrent)
		seg.Offset = pos
		if pos+int64(seg.DataLen) > int64(len(data)) {
			return nil, fmt.Errorf("segment %d (%d bytes at %d) runs past end of image (%d bytes)", i, seg.DataLen, pos, len(data))
		}
		if _, err := r.Seek(int64(seg.DataLen), io.SeekCurrent); err != nil {
			return nil, fmt.Errorf("failed to skip segment %d: %w", i, err)
		}
		info.Segments = append(info.Segments, seg)
	}
	info.End, _ = r.Seek(0, io.SeekCurrent)
	return info, nil
}
