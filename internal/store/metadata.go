package store

import (
	"bytes"
	"encoding/csv"
	"io"
	"time"

	"github.com/google/uuid"
)

// Metadata describes an archived log.
type Metadata struct {
	ContentHash string    `json:"content_hash"`
	Size        int       `json:"size"`
	Columns     []string  `json:"columns,omitempty"`
	Rows        int       `json:"rows"`
	Valid       bool      `json:"valid_csv"`
	Sources     []Source  `json:"sources"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Source records where a copy of a log came from.
type Source struct {
	ID        uuid.UUID `json:"id"`
	Device    string    `json:"device,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"` // "fetch", "import", "http"
	Filename  string    `json:"filename,omitempty"`
}

// NewSource returns a source with a fresh ID stamped now.
func NewSource(method, device, filename string) Source {
	return Source{
		ID:        uuid.New(),
		Device:    device,
		Timestamp: time.Now(),
		Method:    method,
		Filename:  filename,
	}
}

// ExtractMetadata reads the CSV header and counts data rows. Logs that
// are not valid CSV are still archived, with Valid false.
func ExtractMetadata(data []byte, hash string) *Metadata {
	now := time.Now()
	meta := &Metadata{
		ContentHash: hash,
		Size:        len(data),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return meta
	}
	meta.Columns = header
	for {
		_, err := r.Read()
		if err == io.EOF {
			meta.Valid = true
			break
		}
		if err != nil {
			break
		}
		meta.Rows++
	}
	return meta
}
