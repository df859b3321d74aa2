// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

// Package transport implements the Socket Connection Driver of spec.md
// §4.4: plain TCP and TLS variants sharing one framing/back-pressure/
// control-command core, registered with the router as a router.Driver.
//
// The source system runs every socket's callbacks on a per-socket strand
// inside one shared I/O context (spec.md §4.4.1). Go's idiomatic
// equivalent of "callbacks for one socket never run concurrently" is a
// goroutine per connection doing blocking reads, with a single mutex
// serializing writes to that same connection — which is exactly what this
// package does instead of hand-rolling a reactor. Router.Driver.DoWork is
// consequently a no-op here: all I/O already happens off the router's
// goroutine, the way the teacher's own benchmark/io package drives
// connections from per-connection goroutines rather than a run loop.
package transport

import (
	"bufio"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/textrealm/commrouter/channel"
	"github.com/textrealm/commrouter/event"
	"github.com/textrealm/commrouter/internal/env"
	"github.com/textrealm/commrouter/internal/log"
	"github.com/textrealm/commrouter/router"
	"github.com/textrealm/commrouter/scheduler"
	"github.com/textrealm/commrouter/session"
)

// Router is the concrete session owner every Conn talks to. spec.md §2
// only requires the *Router* side of this edge to stay interface-only
// (Router depends on the Connection type only by interface, via
// router.Driver/session.Connection); nothing stops Connection from
// depending on Router directly, the direction the dependency order in
// spec.md §2 actually draws the arrow.
type Router = *router.Router

// Driver is the router.Driver a transport registers itself as.
type Driver = router.Driver

type pendingSend struct {
	serialID session.SerialID
	size     int
}

// channelStackEntry is one entry of the input/output channel stacks
// spec.md §4.4.4 describes.
type channelStackEntry struct {
	id      session.ChannelID
	name    string
	subtype string
}

// Conn is one accepted socket, shared by the plain and TLS drivers
// (spec.md §4.4.1's "plain and TLS variants share a base").
type Conn struct {
	netConn net.Conn
	writer  *bufio.Writer
	driver  Driver
	router  Router

	writeMu sync.Mutex
	closed  bool

	readMu          sync.Mutex
	splitter        *lineSplitter
	ansiEnabled     bool
	inputLines      int // since last ack flush, for the §4.4.3 heuristic
	lastInputSerial session.SerialID

	sess *session.Session

	// Pre-auth state.
	authenticated bool
	loginAttempts int
	loginLimiter  *rate.Limiter
	preAuthTimer  *time.Timer

	// Background jobs started by the owning driver at accept time
	// (spec.md §4.4.3, §4.4.4); canceled on Disconnect.
	ackCancel    scheduler.CancelFunc
	puppetCancel scheduler.CancelFunc

	// Post-auth channel bookkeeping (spec.md §4.4.4).
	inputStack  []channelStackEntry
	outputStack []channelStackEntry
	agentID     session.ChannelID
	hasAgent    bool
	puppets     map[session.ChannelID]time.Time

	// Back-pressure accounting (spec.md §4.4.3).
	pending      []pendingSend
	pendingBytes int
	targetBytes  int
}

func newConn(nc net.Conn, d Driver, r Router) *Conn {
	return &Conn{
		netConn:      nc,
		writer:       bufio.NewWriter(nc),
		driver:       d,
		router:       r,
		splitter:     newLineSplitter(env.MaxInputLineLength),
		loginLimiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
		puppets:      make(map[session.ChannelID]time.Time),
		targetBytes:  env.TargetPendingAckBytes,
	}
}

// RemoteAddr implements session.Connection.
func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// Disconnect implements session.Connection.
func (c *Conn) Disconnect() {
	c.writeMu.Lock()
	already := c.closed
	c.closed = true
	c.writeMu.Unlock()
	if already {
		return
	}
	_ = c.netConn.Close()
	if c.preAuthTimer != nil {
		c.preAuthTimer.Stop()
	}
	if c.ackCancel != nil {
		c.ackCancel()
	}
	if c.puppetCancel != nil {
		c.puppetCancel()
	}
	if c.router != nil {
		c.router.ConnectionDropped(c)
		c.router.ReleaseConnection(c)
	}
}

// isAuthenticated reports whether the connection has completed login,
// used by the pre-auth inactivity timer (spec.md §4.4.1) to decide
// whether to fire.
func (c *Conn) isAuthenticated() bool {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.authenticated
}

func (c *Conn) write(b []byte) session.SendReturnCode {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return session.SendDisconnected
	}
	if _, err := c.writer.Write(b); err != nil {
		c.closed = true
		return session.SendDisconnected
	}
	if err := c.writer.Flush(); err != nil {
		c.closed = true
		return session.SendDisconnected
	}

	blocked := c.pendingBytes+len(b) > c.targetBytes*4
	return classifySend(blocked)
}

func classifySend(blocked bool) session.SendReturnCode {
	if blocked {
		return session.SendOKBlocked
	}
	return session.SendOK
}

// SendText implements session.Connection (spec.md §4.4.2, §4.4.6).
func (c *Conn) SendText(line event.TextLine, serialID session.SerialID, channelID session.ChannelID) session.SendReturnCode {
	b := encodeLine(line, c.ansiEnabled)
	code := c.write(b)
	c.recordPending(serialID, len(b))
	c.readMu.Lock()
	if _, ok := c.puppets[channelID]; ok {
		c.puppets[channelID] = time.Now()
	}
	c.readMu.Unlock()
	return code
}

// SendStructured implements session.Connection. A plain/TLS socket client
// is always non-enhanced, so structured payloads are never carriable
// (spec.md §4.4.4).
func (c *Conn) SendStructured(event.StructuredPayload, session.SerialID, session.ChannelID) session.SendReturnCode {
	return session.SendNotSupported
}

// SendChannelStatus implements session.Connection, pushing the channel
// onto the appropriate stack and updating agent/puppet bookkeeping
// (spec.md §4.4.4) as a side effect of every status transition.
func (c *Conn) SendChannelStatus(status event.ChannelStatusChange, serialID session.SerialID, channelID session.ChannelID) session.SendReturnCode {
	c.readMu.Lock()
	switch status.Status {
	case event.ChannelOpen:
		entry := channelStackEntry{id: channelID, name: status.Name, subtype: status.Subtype}
		if status.Direction == channel.FromClient.String() {
			c.inputStack = append(c.inputStack, entry)
		} else {
			c.outputStack = append(c.outputStack, entry)
		}
		if status.Name == sessionAgentChannelName {
			c.agentID = channelID
			c.hasAgent = true
		}
		if isPuppetChannel(status.Name) {
			c.puppets[channelID] = time.Now()
		}
	case event.ChannelClose:
		c.inputStack = removeStackEntry(c.inputStack, channelID)
		c.outputStack = removeStackEntry(c.outputStack, channelID)
		delete(c.puppets, channelID)
		if c.hasAgent && c.agentID == channelID {
			c.hasAgent = false
		}
	}
	c.readMu.Unlock()

	b := []byte(renderChannelStatus(status) + "\n")
	return c.write(b)
}

// SendBareAck implements session.Connection (spec.md §4.4.3).
func (c *Conn) SendBareAck(ack session.SerialID) session.SendReturnCode {
	return c.write([]byte(renderAck(ack)))
}

// SendReconnectAck implements session.Connection (spec.md §4.2.7).
func (c *Conn) SendReconnectAck(ack session.SerialID) session.SendReturnCode {
	return c.write([]byte(renderReconnectAck(ack)))
}

func (c *Conn) recordPending(serialID session.SerialID, size int) {
	c.readMu.Lock()
	c.pending = append(c.pending, pendingSend{serialID: serialID, size: size})
	c.pendingBytes += size
	c.readMu.Unlock()
}

func removeStackEntry(stack []channelStackEntry, id session.ChannelID) []channelStackEntry {
	out := stack[:0]
	for _, e := range stack {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

func isPuppetChannel(name string) bool {
	return len(name) > len(puppetChannelPrefix) && name[:len(puppetChannelPrefix)] == puppetChannelPrefix
}
