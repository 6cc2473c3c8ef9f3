package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitaminmoo/pmlog/internal/ble"
	"github.com/vitaminmoo/pmlog/internal/config"
	"github.com/vitaminmoo/pmlog/internal/logstream"
	"github.com/vitaminmoo/pmlog/internal/ota"
	"github.com/vitaminmoo/pmlog/internal/protocol"
	"github.com/vitaminmoo/pmlog/internal/telemetry"
)

// ErrNotConnected is returned when the command channel is unavailable.
var ErrNotConnected = ble.ErrNotConnected

// Client provides a high-level API for talking to the logger.
// It wraps the session's channels and the protocol components built on them.
type Client struct {
	session *ble.Session
	cfg     *config.Config
	timeout time.Duration

	logs   *logstream.Receiver
	engine *ota.Engine
	poller *telemetry.Poller

	mu        sync.Mutex
	latest    protocol.Record
	hasLatest bool
	handlers  []telemetry.Handler
}

// New creates a client for a connected session. A nil session gives a
// client on which every device operation fails with ErrNotConnected.
func New(session *ble.Session, cfg *config.Config) *Client {
	if cfg == nil {
		cfg = config.Default()
	}
	c := &Client{
		session: session,
		cfg:     cfg,
		timeout: 30 * time.Second,
	}
	if session == nil {
		return c
	}
	if session.Log != nil {
		c.logs = logstream.NewReceiver(session.Log)
	}
	if session.Status != nil {
		c.poller = telemetry.NewPoller(session.Status, cfg.Poll.Interval, c.handleRecord)
	}
	c.engine = ota.NewEngine(session.OTAData, session.OTACommand, session.Done(), ota.Options{
		AckTimeout:  cfg.OTA.AckTimeout,
		SectorAck:   cfg.OTA.SectorAck,
		PacketDelay: cfg.OTA.PacketDelay,
	})
	return c
}

// Connect subscribes to log notifications. The subscription lasts for
// the life of the connection.
func (c *Client) Connect() error {
	if c.logs == nil {
		return ErrNotConnected
	}
	return c.logs.Subscribe()
}

// Disconnect tears down the session.
func (c *Client) Disconnect() error {
	if c.session == nil {
		return nil
	}
	return c.session.Disconnect()
}

// SetTimeout sets how long FetchLog waits for EOF.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Connected reports whether the session is still up.
func (c *Client) Connected() bool {
	return c.session != nil && c.session.Connected()
}

// Done is closed when the session disconnects.
func (c *Client) Done() <-chan struct{} {
	if c.session == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.session.Done()
}

// Address returns the peer address.
func (c *Client) Address() string {
	if c.session == nil {
		return ""
	}
	return c.session.Address
}

// HasOTA reports whether firmware updates are possible.
func (c *Client) HasOTA() bool {
	return c.session != nil && c.session.HasOTA()
}

// Explore lists the device's services and characteristics.
func (c *Client) Explore() ([]ble.ServiceInfo, error) {
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session.Explore()
}

// Send writes a command name to the command characteristic with
// acknowledgment. Nothing is written when not connected.
func (c *Client) Send(ctx context.Context, name string) error {
	if c.session == nil || c.session.Command == nil || !c.session.Connected() {
		return ErrNotConnected
	}
	if name == "" {
		return fmt.Errorf("empty command")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	config.Debugf("Sending command: %s", name)
	if _, err := c.session.Command.Write(protocol.EncodeCommand(name)); err != nil {
		return fmt.Errorf("failed to send command %q: %w", name, err)
	}
	return nil
}

// ClearLogs asks the logger to delete its stored logs.
func (c *Client) ClearLogs(ctx context.Context) error {
	return c.Send(ctx, protocol.CommandClearLogs)
}

// FetchLog requests the log file and waits for it to be finalized.
func (c *Client) FetchLog(ctx context.Context) (logstream.Log, error) {
	if c.logs == nil {
		return logstream.Log{}, ErrNotConnected
	}
	if err := c.logs.Subscribe(); err != nil {
		return logstream.Log{}, err
	}
	c.logs.Begin()
	if err := c.Send(ctx, protocol.CommandSendLog); err != nil {
		return logstream.Log{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		log logstream.Log
		err error
	}
	res := make(chan result, 1)
	go func() {
		l, err := c.logs.Wait(ctx)
		res <- result{l, err}
	}()

	select {
	case r := <-res:
		return r.log, r.err
	case <-c.session.Done():
		cancel()
		return logstream.Log{}, ble.ErrDisconnected
	}
}

// Logs returns the log receiver, nil when not connected.
func (c *Client) Logs() *logstream.Receiver {
	return c.logs
}

// LatestLog returns the most recently finalized log.
func (c *Client) LatestLog() (logstream.Log, bool) {
	if c.logs == nil {
		return logstream.Log{}, false
	}
	return c.logs.Latest()
}

// ReadTelemetry performs a single status read.
func (c *Client) ReadTelemetry() (protocol.Record, error) {
	if c.poller == nil || !c.Connected() {
		return protocol.Record{}, ErrNotConnected
	}
	rec, err := c.poller.Poll()
	if err != nil {
		return rec, err
	}
	c.handleRecord(rec)
	return rec, nil
}

// OnTelemetry registers h to receive every polled record.
func (c *Client) OnTelemetry(h telemetry.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// RunTelemetry polls until ctx is cancelled or the session disconnects.
func (c *Client) RunTelemetry(ctx context.Context) error {
	if c.poller == nil {
		return ErrNotConnected
	}
	c.poller.Run(ctx, c.session.Done())
	return nil
}

// PollFailures returns the number of failed status reads.
func (c *Client) PollFailures() int64 {
	if c.poller == nil {
		return 0
	}
	return c.poller.Failures()
}

// Latest returns the most recent telemetry record.
func (c *Client) Latest() (protocol.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.hasLatest
}

func (c *Client) handleRecord(r protocol.Record) {
	c.mu.Lock()
	c.latest = r
	c.hasLatest = true
	handlers := append([]telemetry.Handler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(r)
	}
}

// UpdateFirmware runs an OTA transfer. progress may be nil and only
// receives events of this transfer. A transfer already in flight gives
// ota.ErrBusy.
func (c *Client) UpdateFirmware(ctx context.Context, firmware []byte, progress func(ota.Progress)) error {
	if c.engine == nil || !c.HasOTA() {
		return ErrNotConnected
	}
	return c.engine.Run(ctx, firmware, progress)
}

// OTAPhase returns the firmware engine phase.
func (c *Client) OTAPhase() ota.Phase {
	if c.engine == nil {
		return ota.Idle
	}
	return c.engine.Phase()
}
