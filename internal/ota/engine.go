// Package ota drives the logger's firmware update protocol: a start
// command acknowledged by the peripheral, then the image streamed as
// sector-indexed packets with a whole-sector checksum on each sector's
// last packet.
package ota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitaminmoo/pmlog/internal/ble"
	"github.com/vitaminmoo/pmlog/internal/config"
	"github.com/vitaminmoo/pmlog/internal/protocol"
)

// DefaultAckTimeout bounds every acknowledgment wait.
const DefaultAckTimeout = 10 * time.Second

// Options tunes an Engine.
type Options struct {
	// AckTimeout bounds the start and sector acknowledgment waits.
	AckTimeout time.Duration
	// SectorAck waits for a SectorAck notification after every sector.
	SectorAck bool
	// PacketDelay pauses between data packets.
	PacketDelay time.Duration
	// Progress observes every session's phase changes and per-sector
	// progress.
	Progress func(Progress)
}

// Session is the state of one transfer.
type Session struct {
	ID       uuid.UUID
	Firmware []byte
	Payload  int

	sector   int
	seq      int
	sent     int64
	phase    Phase
	progress func(Progress)
}

// Engine runs at most one Session at a time over the OTA characteristics
// of a connection.
type Engine struct {
	data ble.Channel
	cmd  ble.Channel
	done <-chan struct{}
	opts Options

	// settle is the pause after enabling notifications.
	settle time.Duration

	acks chan []byte

	mu         sync.Mutex
	subscribed bool
	active     *Session
}

// NewEngine creates an engine for the OTA data and command channels.
// done is the connection's disconnect signal and may be nil.
func NewEngine(data, cmd ble.Channel, done <-chan struct{}, opts Options) *Engine {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	return &Engine{
		data:   data,
		cmd:    cmd,
		done:   done,
		opts:   opts,
		settle: 100 * time.Millisecond,
		acks:   make(chan []byte, 4),
	}
}

// Phase returns the current phase, Idle when no session is active.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return Idle
	}
	return e.active.phase
}

// Run transfers firmware and blocks until the transfer completes or
// fails. progress, which may be nil, receives this session's events only.
// The engine is back in Idle when Run returns.
func (e *Engine) Run(ctx context.Context, firmware []byte, progress func(Progress)) error {
	if e.data == nil || e.cmd == nil || e.disconnected() {
		return ErrNotConnected
	}

	s := &Session{ID: uuid.New(), Firmware: firmware, progress: progress}
	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return ErrBusy
	}
	e.active = s
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active = nil
		e.mu.Unlock()
	}()

	err := e.run(ctx, s)
	if err != nil {
		e.setPhase(s, Error)
		config.Debugf("OTA %s failed in sector %d packet %d: %v", s.ID, s.sector, s.seq, err)
		e.report(s, err)
		return err
	}
	return nil
}

func (e *Engine) run(ctx context.Context, s *Session) error {
	mtu, err := e.data.GetMTU()
	if err != nil {
		return fmt.Errorf("failed to get MTU: %w", err)
	}
	s.Payload, err = protocol.PayloadSize(int(mtu))
	if err != nil {
		return err
	}
	if err := protocol.ValidateFirmware(s.Firmware, s.Payload); err != nil {
		return err
	}
	sectors := protocol.SectorCount(len(s.Firmware))
	config.Debugf("OTA %s: %d bytes, %d sectors, MTU %d, payload %d", s.ID, len(s.Firmware), sectors, mtu, s.Payload)

	if err := e.subscribe(ctx); err != nil {
		return err
	}
	e.drainAcks()

	e.setPhase(s, AwaitingStartAck)
	e.report(s, nil)
	frame := protocol.EncodeStartFrame(uint32(len(s.Firmware)))
	config.Debugf("OTA start frame: %X", frame)
	if _, err := e.cmd.Write(frame); err != nil {
		return fmt.Errorf("failed to write start command: %w", err)
	}
	if err := e.waitAck(ctx, protocol.OTACommandStart); err != nil {
		return err
	}

	e.setPhase(s, TransferringSectors)
	e.report(s, nil)
	for i := range sectors {
		s.sector = i
		if err := e.sendSector(ctx, s, i); err != nil {
			return err
		}
		if e.opts.SectorAck {
			if err := e.waitAck(ctx, protocol.OTACommandSectorAck); err != nil {
				return fmt.Errorf("sector %d: %w", i, err)
			}
		}
		s.sector = i + 1
		e.report(s, nil)
	}

	e.setPhase(s, Complete)
	config.Debugf("OTA %s complete: %d bytes sent", s.ID, s.sent)
	e.report(s, nil)
	return nil
}

func (e *Engine) sendSector(ctx context.Context, s *Session, index int) error {
	sector := protocol.Sector(s.Firmware, index)
	packets := protocol.SectorPackets(uint16(index), sector, s.Payload)
	for seq, pkt := range packets {
		s.seq = seq
		if err := e.check(ctx); err != nil {
			return err
		}
		if _, err := e.data.WriteWithoutResponse(pkt); err != nil {
			return fmt.Errorf("failed to write sector %d packet %d: %w", index, seq, err)
		}
		s.sent += int64(min(s.Payload, len(sector)-seq*s.Payload))
		if e.opts.PacketDelay > 0 && seq < len(packets)-1 {
			if err := e.sleep(ctx, e.opts.PacketDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// subscribe enables OTA-command notifications once per engine.
func (e *Engine) subscribe(ctx context.Context) error {
	e.mu.Lock()
	if e.subscribed {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.cmd.EnableNotifications(e.onNotify); err != nil {
		return fmt.Errorf("failed to enable OTA notifications: %w", err)
	}
	e.mu.Lock()
	e.subscribed = true
	e.mu.Unlock()

	if e.settle > 0 {
		return e.sleep(ctx, e.settle)
	}
	return nil
}

// onNotify runs on the transport goroutine. Notifications are only queued
// while a phase is waiting for one.
func (e *Engine) onNotify(buf []byte) {
	phase := e.Phase()
	if phase != AwaitingStartAck && !(phase == TransferringSectors && e.opts.SectorAck) {
		config.Debugf("OTA notification ignored in phase %s: %X", phase, buf)
		return
	}
	ack := make([]byte, len(buf))
	copy(ack, buf)
	select {
	case e.acks <- ack:
	default:
		config.Debugf("OTA notification dropped, queue full")
	}
}

func (e *Engine) drainAcks() {
	for {
		select {
		case <-e.acks:
		default:
			return
		}
	}
}

// waitAck waits for an acknowledgment of command.
func (e *Engine) waitAck(ctx context.Context, command uint16) error {
	timer := time.NewTimer(e.opts.AckTimeout)
	defer timer.Stop()

	select {
	case buf := <-e.acks:
		ack, err := protocol.DecodeAck(buf)
		if err != nil {
			return fmt.Errorf("%w (%w): %v", ErrMalformedAck, ErrRejected, err)
		}
		config.Debugf("OTA ack: %s", ack)
		if !ack.OK(command) {
			return fmt.Errorf("%w: expected command %#04x, got %s", ErrRejected, command, ack)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrAckTimeout, e.opts.AckTimeout)
	case <-e.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) check(ctx context.Context) error {
	if e.disconnected() {
		return ErrDisconnected
	}
	return ctx.Err()
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-e.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) disconnected() bool {
	if e.done == nil {
		return false
	}
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Engine) setPhase(s *Session, p Phase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s.phase = p
}

func (e *Engine) report(s *Session, err error) {
	if e.opts.Progress == nil && s.progress == nil {
		return
	}
	e.mu.Lock()
	phase := s.phase
	e.mu.Unlock()
	p := Progress{
		Session:   s.ID,
		Phase:     phase,
		Sector:    s.sector,
		Sectors:   protocol.SectorCount(len(s.Firmware)),
		BytesSent: s.sent,
		Total:     int64(len(s.Firmware)),
		Err:       err,
	}
	if e.opts.Progress != nil {
		e.opts.Progress(p)
	}
	if s.progress != nil {
		s.progress(p)
	}
}

// IsRejection reports whether err means the peripheral refused the update.
func IsRejection(err error) bool {
	return errors.Is(err, ErrRejected)
}
