// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

package transport

import (
	"time"

	"github.com/textrealm/commrouter/internal/env"
	"github.com/textrealm/commrouter/scheduler"
)

// maybeFlushAck implements spec.md §4.4.3's input-triggered half of the
// driver-side ack heuristic: once AckFlushLineThreshold input lines have
// arrived since the last flush, advance the session's ack pointer far
// enough to bring pendingBytes back under half of targetBytes,
// halving the target afterward so repeated bursts converge instead of
// flushing on every single line.
func (c *Conn) maybeFlushAck() {
	c.readMu.Lock()
	c.inputLines++
	if c.inputLines < env.AckFlushLineThreshold {
		c.readMu.Unlock()
		return
	}
	c.inputLines = 0
	target := c.targetBytes / 2
	if target <= 0 {
		target = 1
	}
	c.targetBytes = target
	ack, ok := c.drainPendingLocked(target)
	c.readMu.Unlock()

	if ok {
		c.sess.ClientAck(ack)
	}
}

// flushAckPeriodic implements the time-triggered half of the same
// heuristic: called by the repeating scheduler job started in
// startBackgroundJobs, it drains pending sends down to the (unhalved)
// target so a session idle on input but busy on output still acks.
func (c *Conn) flushAckPeriodic() {
	c.readMu.Lock()
	if c.closed {
		c.readMu.Unlock()
		return
	}
	ack, ok := c.drainPendingLocked(env.TargetPendingAckBytes)
	c.readMu.Unlock()

	if ok {
		c.sess.ClientAck(ack)
	}
}

// drainPendingLocked walks pending (oldest first), accumulating serial ids
// to ack, until pendingBytes would fall at or below target. Assumes
// c.readMu is held. Returns the highest serial id to ack and whether any
// progress was made.
func (c *Conn) drainPendingLocked(target int) (uint32, bool) {
	if c.pendingBytes <= target || len(c.pending) == 0 {
		return 0, false
	}

	var ack uint32
	drained := 0
	for drained < len(c.pending) && c.pendingBytes > target {
		c.pendingBytes -= c.pending[drained].size
		ack = c.pending[drained].serialID
		drained++
	}
	if drained == 0 {
		return 0, false
	}
	c.pending = c.pending[drained:]
	return ack, true
}

// startAckFlushTicker starts the periodic half of the back-pressure
// heuristic for one connection; SPEC_FULL §A wires this through the
// scheduler instead of a per-connection time.Ticker goroutine.
func (c *Conn) startAckFlushTicker() scheduler.CancelFunc {
	return scheduler.Repeat(c.flushAckPeriodic, 2*time.Second)
}

// puppetReaperInterval is how often a connection's puppet-channel idle
// scan runs (spec.md §4.4.4).
const puppetReaperInterval = 30 * time.Second

// startPuppetReaper starts the repeating idle scan for "Puppet " channels
// (spec.md §4.4.4, SPEC_FULL §C.2): any puppet that has sent no text line
// to the client for longer than env.PuppetIdleTimeout (counting from when
// it opened) gets RequestChannelClose'd, which resolves to
// Channel.CloseChannel() per SPEC_FULL §C.5. Client input on a puppet
// channel does not reset the idle clock.
func (c *Conn) startPuppetReaper() scheduler.CancelFunc {
	return scheduler.Repeat(c.reapIdlePuppets, puppetReaperInterval)
}

func (c *Conn) reapIdlePuppets() {
	c.readMu.Lock()
	if c.sess == nil {
		c.readMu.Unlock()
		return
	}
	now := time.Now()
	var idle []uint32
	for id, since := range c.puppets {
		if now.Sub(since) > env.PuppetIdleTimeout {
			idle = append(idle, id)
		}
	}
	sess := c.sess
	c.readMu.Unlock()

	for _, id := range idle {
		sess.RequestChannelClose(id)
	}
}
