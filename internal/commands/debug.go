package commands

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/vitaminmoo/pmlog/internal/firmware"
	"github.com/vitaminmoo/pmlog/internal/protocol"
	"github.com/vitaminmoo/pmlog/internal/util"
)

// Frames dumps the start frame and the data packets of one sector exactly
// as they would be written at the given MTU.
func Frames(w io.Writer, img *firmware.Image, mtu, sector int) error {
	payload, err := protocol.PayloadSize(mtu)
	if err != nil {
		return err
	}
	if err := protocol.ValidateFirmware(img.Data, payload); err != nil {
		return err
	}
	sectors := protocol.SectorCount(len(img.Data))
	if sector < 0 || sector >= sectors {
		return fmt.Errorf("sector %d out of range (image has %d)", sector, sectors)
	}

	fmt.Fprintf(w, "Start frame (%d bytes):\n", protocol.StartFrameSize)
	util.HexDump(w, protocol.EncodeStartFrame(uint32(len(img.Data))))

	data := protocol.Sector(img.Data, sector)
	packets := protocol.SectorPackets(uint16(sector), data, payload)
	fmt.Fprintf(w, "\nSector %d/%d: %d bytes, checksum %04X, %d packets\n",
		sector, sectors, len(data), protocol.Checksum(data), len(packets))
	for i, pkt := range packets {
		fmt.Fprintf(w, "\nPacket %d (%d bytes):\n", i, len(pkt))
		util.HexDump(w, pkt)
	}
	return nil
}

// DecodeCapture decodes OTA traffic captured as TSV lines of
// frame \t direction \t hex. Directions containing "notify" are decoded as
// acknowledgments, everything else as start frames or data packets.
func DecodeCapture(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	// Increase buffer size for large packets
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 64*1024)

	lineNum := 0
	successCount := 0
	failCount := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "\t")
		if len(parts) < 3 {
			fmt.Fprintf(w, "Line %d: invalid format (expected 3 columns, got %d)\n", lineNum, len(parts))
			failCount++
			continue
		}
		frameNum := parts[0]
		direction := strings.ToLower(strings.Join(parts[1:len(parts)-1], " "))

		data, err := hex.DecodeString(strings.TrimSpace(parts[len(parts)-1]))
		if err != nil {
			fmt.Fprintf(w, "Frame %s: hex decode error: %v\n", frameNum, err)
			failCount++
			continue
		}

		summary, err := describeFrame(data, strings.Contains(direction, "notify"))
		if err != nil {
			fmt.Fprintf(w, "Frame %s: decode error: %v\n", frameNum, err)
			failCount++
			continue
		}
		fmt.Fprintf(w, "Frame %s: %s\n", frameNum, summary)
		successCount++
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	fmt.Fprintf(w, "\n--- Summary ---\n")
	fmt.Fprintf(w, "Total lines: %d\n", lineNum)
	fmt.Fprintf(w, "Success: %d\n", successCount)
	fmt.Fprintf(w, "Failed: %d\n", failCount)
	return nil
}

func describeFrame(data []byte, notify bool) (string, error) {
	if notify {
		ack, err := protocol.DecodeAck(data)
		if err != nil {
			return "", err
		}
		verdict := "rejected"
		if ack.Status == protocol.OTAStatusOK {
			verdict = "ok"
		}
		return fmt.Sprintf("ACK %s (%s)", ack, verdict), nil
	}

	if isStartFrame(data) {
		return fmt.Sprintf("START length=%d", binary.LittleEndian.Uint32(data[2:6])), nil
	}

	pkt, err := protocol.DecodeDataPacket(data)
	if err != nil {
		return "", err
	}
	if pkt.Last {
		return fmt.Sprintf("DATA sector=%d last payload=%d checksum=%04X", pkt.Sector, len(pkt.Payload), pkt.Checksum), nil
	}
	return fmt.Sprintf("DATA sector=%d seq=%d payload=%d", pkt.Sector, pkt.Seq, len(pkt.Payload)), nil
}

func isStartFrame(data []byte) bool {
	if len(data) != protocol.StartFrameSize {
		return false
	}
	if binary.LittleEndian.Uint16(data[0:2]) != protocol.OTACommandStart {
		return false
	}
	return binary.LittleEndian.Uint16(data[18:20]) == protocol.Checksum(data[:18])
}
