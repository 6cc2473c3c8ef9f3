package logstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitaminmoo/pmlog/internal/ble"
	"github.com/vitaminmoo/pmlog/internal/config"
	"github.com/vitaminmoo/pmlog/internal/protocol"
)

// Receiver listens on the log characteristic for the life of a connection.
type Receiver struct {
	ch  ble.Channel
	buf Buffer
	now func() time.Time

	logs chan Log

	mu         sync.Mutex
	subscribed bool
	latest     *Log
	onChunk    func(chunk []byte)
}

// NewReceiver creates a receiver for the log channel. Call Subscribe once
// after connecting.
func NewReceiver(ch ble.Channel) *Receiver {
	return &Receiver{
		ch:   ch,
		now:  time.Now,
		logs: make(chan Log, 1),
	}
}

// Subscribe enables log notifications. Repeated calls are no-ops.
func (r *Receiver) Subscribe() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribed {
		return nil
	}
	if err := r.ch.EnableNotifications(r.handle); err != nil {
		return fmt.Errorf("failed to enable log notifications: %w", err)
	}
	r.subscribed = true
	return nil
}

// OnChunk registers fn to see every non-EOF chunk as it arrives, for live
// display. fn runs on the transport goroutine.
func (r *Receiver) OnChunk(fn func(chunk []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChunk = fn
}

// Begin prepares for a new fetch: the buffer is emptied and any
// undelivered log is dropped. Call it before writing send_log.
func (r *Receiver) Begin() {
	r.buf.Reset()
	select {
	case <-r.logs:
	default:
	}
}

// Logs delivers each finalized log.
func (r *Receiver) Logs() <-chan Log {
	return r.logs
}

// Latest returns the most recently finalized log.
func (r *Receiver) Latest() (Log, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		return Log{}, false
	}
	return *r.latest, true
}

// Wait blocks until a log is finalized or ctx is done.
func (r *Receiver) Wait(ctx context.Context) (Log, error) {
	select {
	case l := <-r.logs:
		return l, nil
	case <-ctx.Done():
		return Log{}, fmt.Errorf("waiting for log (%d bytes so far): %w", r.buf.Len(), ctx.Err())
	}
}

// handle is the notification callback.
func (r *Receiver) handle(chunk []byte) {
	if !protocol.IsEOF(chunk) {
		r.buf.Append(chunk)
		r.mu.Lock()
		fn := r.onChunk
		r.mu.Unlock()
		if fn != nil {
			fn(chunk)
		}
		return
	}

	l := Log{Data: r.buf.Finalize(), Received: r.now()}
	config.Debugf("Log finalized: %d bytes", len(l.Data))

	r.mu.Lock()
	r.latest = &l
	r.mu.Unlock()

	// Keep only the newest undelivered log.
	select {
	case <-r.logs:
	default:
	}
	select {
	case r.logs <- l:
	default:
	}
}
