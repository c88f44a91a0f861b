// Package chaintime decides block timestamps. It layers a manual offset, an
// exact next timestamp and an optional fixed interval over a wall clock.
package chaintime

import (
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
)

// ErrTimestampInPast is returned when a requested timestamp precedes the last
// block's timestamp.
var ErrTimestampInPast = errors.New("timestamp precedes last block")

// Controller produces non-decreasing block timestamps.
type Controller struct {
	clock clock.Clock

	mu       sync.Mutex
	offset   int64   // seconds added to the wall clock
	next     *uint64 // exact timestamp for the next block
	interval uint64  // fixed block spacing in seconds, zero when unset
	last     uint64  // timestamp of the last recorded block
}

// New returns a controller over clk whose last block carries timestamp last.
// A nil clk uses the real clock.
func New(clk clock.Clock, last uint64) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{clock: clk, last: last}
}

// Clock returns the underlying clock. The miner derives its ticker from it.
func (c *Controller) Clock() clock.Clock { return c.clock }

// Now returns the wall clock shifted by the offset, in unix seconds.
func (c *Controller) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked()
}

func (c *Controller) nowLocked() uint64 {
	now := c.clock.Now().Unix() + c.offset
	if now < 0 {
		return 0
	}
	return uint64(now)
}

// NextTimestamp returns the timestamp the next block will carry: the exact
// value if one was set, else last plus the interval if one is set, else the
// shifted wall clock. The result is never below the last timestamp.
func (c *Controller) NextTimestamp() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ts uint64
	switch {
	case c.next != nil:
		ts = *c.next
	case c.interval > 0:
		ts = c.last + c.interval
	default:
		ts = c.nowLocked()
	}
	return max(ts, c.last)
}

// SetNextTimestamp pins the timestamp of the next block.
func (c *Controller) SetNextTimestamp(ts uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts < c.last {
		return fmt.Errorf("%w: %d < %d", ErrTimestampInPast, ts, c.last)
	}
	c.next = &ts
	return nil
}

// CheckTimestamp reports whether ts may be used for the next block without
// pinning it.
func (c *Controller) CheckTimestamp(ts uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts < c.last {
		return fmt.Errorf("%w: %d < %d", ErrTimestampInPast, ts, c.last)
	}
	return nil
}

// IncreaseTime shifts the clock forward by secs and returns the new total
// offset.
func (c *Controller) IncreaseTime(secs uint64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += int64(secs)
	return c.offset
}

// SetTime moves the shifted clock to ts and returns the new offset.
func (c *Controller) SetTime(ts uint64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = int64(ts) - c.clock.Now().Unix()
	return c.offset
}

// SetInterval fixes the spacing between consecutive block timestamps.
func (c *Controller) SetInterval(secs uint64) {
	c.mu.Lock()
	c.interval = secs
	c.mu.Unlock()
}

// RemoveInterval returns to wall clock timestamps.
func (c *Controller) RemoveInterval() {
	c.SetInterval(0)
}

// Offset returns the current clock offset in seconds.
func (c *Controller) Offset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Last returns the timestamp of the last recorded block.
func (c *Controller) Last() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Record notes that a block with timestamp ts was committed. Consuming an
// exact timestamp re-anchors the offset so later blocks continue from it.
func (c *Controller) Record(ts uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next != nil {
		if *c.next == ts {
			c.offset = int64(ts) - c.clock.Now().Unix()
		}
		c.next = nil
	}
	c.last = ts
}

// RecordExact is Record for a block whose timestamp ts was requested
// explicitly. Any pinned timestamp is consumed and the offset re-anchored at ts.
func (c *Controller) RecordExact(ts uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = nil
	c.offset = int64(ts) - c.clock.Now().Unix()
	c.last = ts
}

// Reset rewinds to a head with timestamp ts, clearing any pending exact
// timestamp. The offset is re-anchored so the clock does not run behind ts.
func (c *Controller) Reset(ts uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = nil
	c.last = ts
	if now := c.nowLocked(); now < ts {
		c.offset += int64(ts - now)
	}
}
