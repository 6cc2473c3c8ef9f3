// Package bletest provides an in-memory ble.Channel for tests.
package bletest

import (
	"errors"
	"sync"

	"github.com/vitaminmoo/pmlog/internal/ble"
)

// ErrNotSubscribed is returned by Notify before EnableNotifications.
var ErrNotSubscribed = errors.New("notifications not enabled")

var _ ble.Channel = (*Channel)(nil)

// Write is one recorded write.
type Write struct {
	Data         []byte
	WithResponse bool
}

// Channel is a fake characteristic. The zero value is usable and reports
// an MTU of 23.
type Channel struct {
	// OnWrite, if set, runs after a write is recorded. A non-nil return
	// fails the write. It may call Notify.
	OnWrite func(w Write) error

	mu       sync.Mutex
	value    []byte
	readErr  error
	mtu      uint16
	writes   []Write
	reads    int
	callback func([]byte)
}

// New returns a channel with the given MTU.
func New(mtu uint16) *Channel {
	return &Channel{mtu: mtu}
}

// SetValue sets what Read returns.
func (c *Channel) SetValue(v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = []byte(v)
}

// FailReads makes Read return err; nil restores normal reads.
func (c *Channel) FailReads(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.readErr != nil {
		return 0, c.readErr
	}
	return copy(p, c.value), nil
}

// Reads returns how many times Read was called.
func (c *Channel) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *Channel) Write(p []byte) (int, error) {
	return c.write(p, true)
}

func (c *Channel) WriteWithoutResponse(p []byte) (int, error) {
	return c.write(p, false)
}

func (c *Channel) write(p []byte, withResponse bool) (int, error) {
	w := Write{Data: append([]byte(nil), p...), WithResponse: withResponse}
	c.mu.Lock()
	c.writes = append(c.writes, w)
	hook := c.OnWrite
	c.mu.Unlock()

	if hook != nil {
		if err := hook(w); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Writes returns a copy of all recorded writes.
func (c *Channel) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}

func (c *Channel) EnableNotifications(callback func(buf []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = callback
	return nil
}

// Subscribed reports whether EnableNotifications has been called.
func (c *Channel) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback != nil
}

// Notify delivers buf to the notification callback synchronously.
func (c *Channel) Notify(buf []byte) error {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb == nil {
		return ErrNotSubscribed
	}
	cb(append([]byte(nil), buf...))
	return nil
}

// NotifyString is Notify for text chunks.
func (c *Channel) NotifyString(s string) error {
	return c.Notify([]byte(s))
}

func (c *Channel) GetMTU() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mtu == 0 {
		return 23, nil
	}
	return c.mtu, nil
}
