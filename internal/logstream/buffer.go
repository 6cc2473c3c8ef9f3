// Package logstream reassembles the log file the logger streams as
// notifications on its log characteristic.
package logstream

import (
	"bytes"
	"sync"
	"time"

	"github.com/vitaminmoo/pmlog/internal/protocol"
)

// RequestPrompt heads the log display while a fetch is in flight.
const RequestPrompt = "Requesting log file...\n"

// Log is a finalized log payload.
type Log struct {
	Data     []byte
	Received time.Time
}

// Text returns the payload as text.
func (l Log) Text() string {
	return string(l.Data)
}

// Display returns the payload with the end-of-file marker appended, the
// way it is shown on a terminal.
func (l Log) Display() string {
	return string(l.Data) + protocol.LogEndMarker
}

// Empty reports whether the peripheral sent EOF with nothing before it.
func (l Log) Empty() bool {
	return len(l.Data) == 0
}

// Buffer accumulates chunks until they are finalized. It is safe for
// concurrent use.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Reset discards any accumulated chunks.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// Append adds a chunk.
func (b *Buffer) Append(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(chunk)
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// Finalize returns a copy of the accumulated bytes and resets the buffer,
// so later chunks never land in the returned payload.
func (b *Buffer) Finalize() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := make([]byte, b.buf.Len())
	copy(data, b.buf.Bytes())
	b.buf.Reset()
	return data
}
