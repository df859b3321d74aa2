// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

package transport

import (
	"fmt"
	"strings"
	"time"

	"github.com/textrealm/commrouter/event"
	"github.com/textrealm/commrouter/internal/env"
	"github.com/textrealm/commrouter/internal/log"
	"github.com/textrealm/commrouter/session"
)

const (
	sessionAgentChannelName = "Session Agent"
	puppetChannelPrefix     = "Puppet "
	helpText                = "Commands: !help, !color on|off, !!<text> talks to your agent."
)

// runReadLoop is the per-connection goroutine body: blocking reads,
// framed into lines, dispatched to the pre-auth or post-auth command
// parser (spec.md §4.4.1, §4.4.5).
func (c *Conn) runReadLoop() {
	defer c.Disconnect()

	buf := make([]byte, 4096)
	for {
		n, err := c.netConn.Read(buf)
		if n > 0 {
			lines, splitErr := c.splitter.Feed(buf[:n])
			for _, line := range lines {
				c.handleLine(line)
				if c.sess != nil {
					c.sess.AdvanceLastActivity(time.Now())
				}
			}
			if splitErr != nil {
				log.Printf("transport: oversize input line from %s, disconnecting", c.RemoteAddr())
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) handleLine(line string) {
	if !c.isAuthenticated() {
		c.handlePreAuthLine(line)
		return
	}
	c.handlePostAuthLine(line)
}

// handlePreAuthLine implements spec.md §4.4.5's pre-auth command surface:
// exactly `connect`/`conn`/`co` <site> <name> <password>, with a failed-
// attempt limiter.
func (c *Conn) handlePreAuthLine(line string) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		c.rejectLogin("usage: connect <site> <name> <password>")
		return
	}
	cmd := strings.ToLower(fields[0])
	if cmd != "connect" && cmd != "conn" && cmd != "co" {
		c.rejectLogin("unrecognized command; expected connect/conn/co")
		return
	}

	if c.loginAttempts >= env.MaxLoginAttempts {
		if c.loginAttempts < env.MaxLoginAttemptCounter {
			c.loginAttempts++
		}
		return
	}
	if !c.loginLimiter.Allow() {
		return
	}

	site, name, password := session.SiteID(fields[1]), fields[2], fields[3]
	sess := c.router.ReauthorizeClient(site, name, password, c.driver, c, true)
	if sess == nil {
		c.loginAttempts++
		c.rejectLogin("authentication failed")
		return
	}

	c.readMu.Lock()
	c.authenticated = true
	c.readMu.Unlock()
	c.sess = sess
	sess.SetClientInfo(c.RemoteAddr().String(), "socket", false)
	if c.preAuthTimer != nil {
		c.preAuthTimer.Stop()
	}
}

func (c *Conn) rejectLogin(reason string) {
	_ = c.write([]byte(reason + "\n"))
}

// handlePostAuthLine implements spec.md §4.4.5's post-auth `!`-prefixed
// control commands, with everything else routed to the active input
// channel.
func (c *Conn) handlePostAuthLine(line string) {
	if strings.HasPrefix(line, "!!") {
		c.deliverToAgent(line[2:])
		return
	}
	if strings.HasPrefix(line, "!") {
		switch {
		case line == "!help":
			_ = c.write([]byte(helpText + "\n"))
			return
		case line == "!color on":
			c.readMu.Lock()
			c.ansiEnabled = true
			c.readMu.Unlock()
			return
		case line == "!color off":
			c.readMu.Lock()
			c.ansiEnabled = false
			c.readMu.Unlock()
			return
		}
	}
	c.deliverToActiveInput(line)
}

func (c *Conn) deliverToAgent(text string) {
	c.readMu.Lock()
	id, ok := c.agentID, c.hasAgent
	c.readMu.Unlock()
	if !ok {
		return
	}
	c.deliverTextToChannel(id, text)
}

func (c *Conn) deliverToActiveInput(text string) {
	c.readMu.Lock()
	var id session.ChannelID
	ok := len(c.inputStack) > 0
	if ok {
		id = c.inputStack[len(c.inputStack)-1].id
	}
	c.readMu.Unlock()
	if !ok {
		return
	}
	c.deliverTextToChannel(id, text)
}

func (c *Conn) deliverTextToChannel(id session.ChannelID, text string) {
	if c.sess == nil {
		return
	}
	c.readMu.Lock()
	c.lastInputSerial++
	serial := c.lastInputSerial
	c.readMu.Unlock()

	c.sess.ClientTextData(id, serial, event.NewPlainTextLine(text))
	c.maybeFlushAck()
}

func renderChannelStatus(s event.ChannelStatusChange) string {
	return fmt.Sprintf("[%s:%s] channel %s %s", s.Name, s.Subtype, s.Direction, s.Status)
}

func renderAck(ack session.SerialID) string {
	return fmt.Sprintf("[ack:%d]\n", ack)
}

func renderReconnectAck(ack session.SerialID) string {
	return fmt.Sprintf("[reconnect-ack:%d]\n", ack)
}

// siteListBanner implements SPEC_FULL §C.1: shown to every newly accepted,
// pre-auth connection.
func siteListBanner(sites []session.SiteID) string {
	var sb strings.Builder
	sb.WriteString("Available sites:\n")
	for _, s := range sites {
		sb.WriteString("  ")
		sb.WriteString(string(s))
		sb.WriteString("\n")
	}
	sb.WriteString("connect <site> <name> <password>\n")
	return sb.String()
}
