// Package telemetry polls the logger's status characteristic.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/vitaminmoo/pmlog/internal/config"
	"github.com/vitaminmoo/pmlog/internal/protocol"
)

// DefaultInterval is the status poll period once connected.
const DefaultInterval = 500 * time.Millisecond

// maxStatusLen is the largest ATT attribute value.
const maxStatusLen = 512

// Handler receives every successfully parsed record.
type Handler func(protocol.Record)

// Poller reads the status characteristic on a fixed interval.
type Poller struct {
	status   io.Reader
	interval time.Duration
	handler  Handler
	now      func() time.Time

	reads    atomic.Int64
	failures atomic.Int64
}

// NewPoller creates a poller over the status channel. A zero interval
// uses DefaultInterval.
func NewPoller(status io.Reader, interval time.Duration, handler Handler) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		status:   status,
		interval: interval,
		handler:  handler,
		now:      time.Now,
	}
}

// Poll performs a single read and parse.
func (p *Poller) Poll() (protocol.Record, error) {
	buf := make([]byte, maxStatusLen)
	n, err := p.status.Read(buf)
	if err != nil && err != io.EOF {
		return protocol.Record{}, fmt.Errorf("failed to read status: %w", err)
	}
	return protocol.ParseStatus(string(buf[:n]), p.now()), nil
}

// Run polls immediately and then every interval until ctx is cancelled or
// done is closed. Read failures are counted and logged, never returned.
func (p *Poller) Run(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.tick()
		select {
		case <-ctx.Done():
			config.Debugf("Poller stopped: %v", ctx.Err())
			return
		case <-done:
			config.Debugf("Poller stopped: disconnected")
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) tick() {
	p.reads.Add(1)
	rec, err := p.Poll()
	if err != nil {
		n := p.failures.Add(1)
		config.Debugf("Status poll failed (%d so far): %v", n, err)
		return
	}
	if p.handler != nil {
		p.handler(rec)
	}
}

// Reads returns the number of poll attempts.
func (p *Poller) Reads() int64 { return p.reads.Load() }

// Failures returns the number of failed poll attempts.
func (p *Poller) Failures() int64 { return p.failures.Load() }
