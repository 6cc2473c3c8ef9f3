package firmware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ProgressCallback is called during long operations to report progress.
// current and total are byte counts, description is a human-readable phase name.
type ProgressCallback func(current, total int64, description string)

// TransferProgress tracks a file transfer operation.
type TransferProgress struct {
	BytesSent   int64
	TotalBytes  int64
	ChunksSent  int
	TotalChunks int
	Phase       string
}

// Percent returns the progress as a percentage (0.0 to 1.0).
func (p TransferProgress) Percent() float64 {
	if p.TotalBytes == 0 {
		return 0
	}
	return float64(p.BytesSent) / float64(p.TotalBytes)
}

// Image is a firmware image loaded into memory.
type Image struct {
	Name   string
	Data   []byte
	SHA256 string
	// ESP32 is nil when the image does not carry an ESP32 app header.
	ESP32 *ESP32Info
}

// Load reads an image from disk and inspects its header.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware: %w", err)
	}
	return NewImage(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), data), nil
}

// NewImage wraps data already in memory.
func NewImage(name string, data []byte) *Image {
	sum := sha256.Sum256(data)
	img := &Image{
		Name:   name,
		Data:   data,
		SHA256: hex.EncodeToString(sum[:]),
	}
	if info, err := InspectESP32(data); err == nil {
		img.ESP32 = info
	}
	return img
}

// ShortHash returns the first 12 characters of the SHA256.
func (img *Image) ShortHash() string {
	if len(img.SHA256) < 12 {
		return img.SHA256
	}
	return img.SHA256[:12]
}
