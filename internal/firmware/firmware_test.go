package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// esp32Image builds a minimal app image with the given segment sizes.
func esp32Image(chip uint16, segments ...int) []byte {
	var b bytes.Buffer
	hdr := esp32Header{
		Magic:        ESP32ImageMagic,
		SegmentCount: uint8(len(segments)),
		EntryAddr:    0x40080000,
		ChipID:       chip,
	}
	binary.Write(&b, binary.LittleEndian, hdr)
	for i, n := range segments {
		binary.Write(&b, binary.LittleEndian, uint32(0x3C000000+i*0x10000))
		binary.Write(&b, binary.LittleEndian, uint32(n))
		b.Write(make([]byte, n))
	}
	return b.Bytes()
}

func TestInspectESP32(t *testing.T) {
	data := esp32Image(0x0009, 16, 32)
	info, err := InspectESP32(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(info.Segments))
	}
	if info.Segments[0].Offset != ESP32HeaderSize+ESP32SegmentHdrSize {
		t.Errorf("segment 0 offset = %d", info.Segments[0].Offset)
	}
	if info.End != int64(len(data)) {
		t.Errorf("End = %d, want %d", info.End, len(data))
	}
	if info.ChipName() != "ESP32-S3" || info.EntryAddr != 0x40080000 {
		t.Errorf("chip = %s entry = %#x", info.ChipName(), info.EntryAddr)
	}
}

func TestInspectESP32Rejects(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		notESP bool
	}{
		{name: "empty", data: nil, notESP: true},
		{name: "bad_magic", data: append([]byte{0x00}, esp32Image(0, 4)[1:]...), notESP: true},
		{name: "truncated_segment", data: esp32Image(0, 64)[:ESP32HeaderSize+ESP32SegmentHdrSize+10]},
		{name: "no_segments", data: esp32Image(0)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := InspectESP32(test.data)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrNotESP32) != test.notESP {
				t.Errorf("ErrNotESP32 = %v, err = %v", errors.Is(err, ErrNotESP32), err)
			}
		})
	}
}

func TestNewImage(t *testing.T) {
	img := NewImage("raw", []byte("abc"))
	if img.SHA256 != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("SHA256 = %s", img.SHA256)
	}
	if img.ShortHash() != "ba7816bf8f01" {
		t.Errorf("ShortHash = %s", img.ShortHash())
	}
	if img.ESP32 != nil {
		t.Error("raw bytes detected as ESP32 image")
	}
	if NewImage("app", esp32Image(0, 8)).ESP32 == nil {
		t.Error("ESP32 image not detected")
	}
}

func TestCacheImportAndList(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(dir, "logger-v1.2.bin")
	data := esp32Image(0, 100)
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatal(err)
	}

	path, sum, size, err := c.ImportFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(data)) || path != c.GetPath("logger-v1.2") {
		t.Errorf("ImportFile() = %s, %d", path, size)
	}
	if !c.Has("logger-v1.2", sum) {
		t.Error("Has() = false after import")
	}

	entries, err := c.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "logger-v1.2" {
		t.Fatalf("List() = %+v", entries)
	}

	img, err := c.Load("logger-v1.2")
	if err != nil {
		t.Fatal(err)
	}
	if img.SHA256 != sum || !bytes.Equal(img.Data, data) {
		t.Error("loaded image differs from import")
	}

	if c.Has("logger-v1.2", "deadbeef") {
		t.Error("Has() accepted a wrong checksum")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("mismatching entry not removed")
	}
	if err := c.Remove("logger-v1.2"); err != nil {
		t.Errorf("Remove() of missing entry = %v", err)
	}
}

func TestCacheImportEmpty(t *testing.T) {
	dir := t.TempDir()
	c, _ := NewCache(dir)
	src := filepath.Join(dir, "empty.bin")
	os.WriteFile(src, nil, 0644)
	if _, _, _, err := c.ImportFile(src); err == nil {
		t.Error("imported an empty file")
	}
}

func TestTransferProgress(t *testing.T) {
	if p := (TransferProgress{}).Percent(); p != 0 {
		t.Errorf("zero total = %v", p)
	}
	if p := (TransferProgress{BytesSent: 1, TotalBytes: 4}).Percent(); p != 0.25 {
		t.Errorf("Percent() = %v", p)
	}
}
