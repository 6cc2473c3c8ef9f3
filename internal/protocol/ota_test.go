package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeStartFrame65536(t *testing.T) {
	frame := EncodeStartFrame(65536)

	if len(frame) != StartFrameSize {
		t.Fatalf("len = %d, want %d", len(frame), StartFrameSize)
	}
	if !bytes.Equal(frame[0:2], []byte{0x01, 0x00}) {
		t.Errorf("command id bytes = % x", frame[0:2])
	}
	if !bytes.Equal(frame[2:6], []byte{0x00, 0x00, 0x01, 0x00}) {
		t.Errorf("length bytes = % x, want 00 00 01 00", frame[2:6])
	}
	if !bytes.Equal(frame[6:18], make([]byte, 12)) {
		t.Errorf("reserved bytes not zero: % x", frame[6:18])
	}
	// Reference value for 01 00 00 00 01 00 followed by 12 zero bytes.
	const want = 0x3D51
	if got := binary.LittleEndian.Uint16(frame[18:20]); got != want {
		t.Errorf("checksum = %#04x, want %#04x", got, want)
	}
	if got := binary.LittleEndian.Uint16(frame[18:20]); got != Checksum(frame[:18]) {
		t.Errorf("checksum %#04x does not cover bytes 0-17", got)
	}
}

func TestDecodeAck(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		want    Ack
		ok      bool
		wantErr error
	}{
		{
			name: "ack",
			buf:  []byte{0xAA, 0xBB, 0x01, 0x00, 0x00, 0x00},
			want: Ack{Command: 0x0001, Status: 0},
			ok:   true,
		},
		{
			name: "nack_status",
			buf:  []byte{0, 0, 0x01, 0x00, 0x03, 0x00},
			want: Ack{Command: 0x0001, Status: 3},
		},
		{
			name: "wrong_command",
			buf:  []byte{0, 0, 0x02, 0x00, 0x00, 0x00},
			want: Ack{Command: 0x0002, Status: 0},
		},
		{
			name: "trailing_bytes_ignored",
			buf:  []byte{0, 0, 0x01, 0x00, 0x00, 0x00, 0xFF, 0xFF},
			want: Ack{Command: 0x0001},
			ok:   true,
		},
		{
			name:    "short",
			buf:     []byte{0, 0, 0x01, 0x00, 0x00},
			wantErr: ErrShortAck,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := DecodeAck(test.buf)
			if test.wantErr != nil {
				if !errors.Is(err, test.wantErr) {
					t.Fatalf("err = %v, want %v", err, test.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != test.want {
				t.Errorf("DecodeAck() = %v, want %v", got, test.want)
			}
			if got.OK(OTACommandStart) != test.ok {
				t.Errorf("OK() = %v, want %v", got.OK(OTACommandStart), test.ok)
			}
		})
	}
}

func TestPayloadSize(t *testing.T) {
	tests := []struct {
		mtu  int
		want int
		err  bool
	}{
		{mtu: 23, want: 19},
		{mtu: 247, want: 243},
		{mtu: 512, want: 508},
		{mtu: 5000, want: SectorSize},
		{mtu: 4, err: true},
		{mtu: 0, err: true},
	}
	for _, test := range tests {
		got, err := PayloadSize(test.mtu)
		if test.err {
			if !errors.Is(err, ErrPayloadTooSmall) {
				t.Errorf("mtu %d: err = %v, want ErrPayloadTooSmall", test.mtu, err)
			}
			continue
		}
		if err != nil || got != test.want {
			t.Errorf("PayloadSize(%d) = %d, %v, want %d", test.mtu, got, err, test.want)
		}
	}
}

func TestSectorCount(t *testing.T) {
	for _, test := range []struct{ n, want int }{
		{0, 0}, {1, 1}, {4095, 1}, {4096, 1}, {4097, 2}, {65536, 16}, {65537, 17},
	} {
		if got := SectorCount(test.n); got != test.want {
			t.Errorf("SectorCount(%d) = %d, want %d", test.n, got, test.want)
		}
	}
}

func TestSectorPackets(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		payload int
	}{
		{name: "full_sector_mtu_247", size: SectorSize, payload: 243},
		{name: "exact_multiple", size: SectorSize, payload: 512},
		{name: "short_sector", size: 1000, payload: 243},
		{name: "single_packet", size: 100, payload: 243},
		{name: "payload_equals_sector", size: SectorSize, payload: SectorSize},
		{name: "one_byte", size: 1, payload: 19},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			sector := make([]byte, test.size)
			for i := range sector {
				sector[i] = byte(i*7 + 3)
			}
			const index = 0x0102
			packets := SectorPackets(index, sector, test.payload)

			wantN := (test.size + test.payload - 1) / test.payload
			if len(packets) != wantN {
				t.Fatalf("got %d packets, want %d", len(packets), wantN)
			}

			var reassembled []byte
			for i, pkt := range packets {
				p, err := DecodeDataPacket(pkt)
				if err != nil {
					t.Fatalf("packet %d: %v", i, err)
				}
				if p.Sector != index {
					t.Errorf("packet %d: sector = %#x", i, p.Sector)
				}
				last := i == len(packets)-1
				if last {
					if p.Seq != LastPacketSeq {
						t.Errorf("last packet seq = %#x, want 0xff", p.Seq)
					}
					if p.Checksum != Checksum(sector) {
						t.Errorf("trailer checksum = %#04x, want whole-sector %#04x", p.Checksum, Checksum(sector))
					}
				} else if p.Seq != byte(i) {
					t.Errorf("packet %d: seq = %d", i, p.Seq)
				}
				if len(p.Payload) > test.payload {
					t.Errorf("packet %d payload %d exceeds %d", i, len(p.Payload), test.payload)
				}
				reassembled = append(reassembled, p.Payload...)
			}
			if !bytes.Equal(reassembled, sector) {
				t.Error("reassembled payload differs from sector")
			}
		})
	}
}

func TestSectorPacketsChecksumCoversWholeSector(t *testing.T) {
	sector := bytes.Repeat([]byte{0xA5, 0x5A, 0x00, 0xFF}, 300)
	packets := SectorPackets(0, sector, 500)
	last := packets[len(packets)-1]
	trailer := binary.LittleEndian.Uint16(last[len(last)-2:])

	lastPayload := last[PacketHeaderSize : len(last)-2]
	if trailer == Checksum(lastPayload) && Checksum(lastPayload) != Checksum(sector) {
		t.Fatal("trailer covers only the last packet payload")
	}
	if trailer != Checksum(sector) {
		t.Fatalf("trailer = %#04x, want %#04x", trailer, Checksum(sector))
	}
}

func TestValidateFirmware(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		payload int
		wantErr error
		anyErr  bool
	}{
		{name: "ok", size: 65536, payload: 243},
		{name: "empty", size: 0, payload: 243, wantErr: ErrEmptyFirmware},
		{name: "zero_payload", size: 10, payload: 0, wantErr: ErrPayloadTooSmall},
		{name: "too_many_packets", size: SectorSize, payload: 15, anyErr: true},
		{name: "max_packets", size: SectorSize, payload: 16},
		{name: "short_image_small_payload", size: 100, payload: 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := ValidateFirmware(make([]byte, test.size), test.payload)
			switch {
			case test.wantErr != nil:
				if !errors.Is(err, test.wantErr) {
					t.Errorf("err = %v, want %v", err, test.wantErr)
				}
			case test.anyErr:
				if err == nil {
					t.Error("expected error")
				}
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestSector(t *testing.T) {
	fw := make([]byte, SectorSize*2+10)
	if got := len(Sector(fw, 0)); got != SectorSize {
		t.Errorf("sector 0 len = %d", got)
	}
	if got := len(Sector(fw, 2)); got != 10 {
		t.Errorf("sector 2 len = %d, want 10", got)
	}
}

func TestIsEOF(t *testing.T) {
	if !IsEOF([]byte("EOF")) {
		t.Error("EOF not detected")
	}
	for _, s := range []string{"", "eof", "EOF\n", "xEOF"} {
		if IsEOF([]byte(s)) {
			t.Errorf("IsEOF(%q) = true", s)
		}
	}
}
