// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

package transport

import (
	"net"
	"testing"

	"github.com/textrealm/commrouter/event"
	"github.com/textrealm/commrouter/internal/env"
	"github.com/textrealm/commrouter/session"
)

type fakeSchedulerConn struct{}

func (fakeSchedulerConn) SessionNeedsService(*session.Session) {}

type fakeSessionConn struct {
	acked []session.SerialID
	sent  int
}

func (f *fakeSessionConn) SendText(event.TextLine, session.SerialID, session.ChannelID) session.SendReturnCode {
	f.sent++
	return session.SendOK
}
func (f *fakeSessionConn) SendStructured(event.StructuredPayload, session.SerialID, session.ChannelID) session.SendReturnCode {
	return session.SendOK
}
func (f *fakeSessionConn) SendChannelStatus(event.ChannelStatusChange, session.SerialID, session.ChannelID) session.SendReturnCode {
	return session.SendOK
}
func (f *fakeSessionConn) SendBareAck(ack session.SerialID) session.SendReturnCode {
	f.acked = append(f.acked, ack)
	return session.SendOK
}
func (f *fakeSessionConn) SendReconnectAck(session.SerialID) session.SendReturnCode {
	return session.SendOK
}
func (f *fakeSessionConn) Disconnect()         {}
func (f *fakeSessionConn) RemoteAddr() net.Addr { return fakeRemoteAddr{} }

type fakeRemoteAddr struct{}

func (fakeRemoteAddr) Network() string { return "fake" }
func (fakeRemoteAddr) String() string  { return "fake:0" }

func newTestConnWithSession() (*Conn, *fakeSessionConn) {
	fc := &fakeSessionConn{}
	sess := session.New(1, session.EntityID{Site: "west", Number: 1}, 256, fakeSchedulerConn{})
	sess.SetConnection(fc)

	c := &Conn{
		sess:        sess,
		targetBytes: 100,
	}
	return c, fc
}

func TestDrainPendingLocked_NoProgressUnderTarget(t *testing.T) {
	c := &Conn{targetBytes: 100}
	c.pending = []pendingSend{{serialID: 1, size: 10}}
	c.pendingBytes = 10

	_, ok := c.drainPendingLocked(100)
	if ok {
		t.Fatal("expected no progress when already under target")
	}
}

func TestDrainPendingLocked_DrainsOldestFirst(t *testing.T) {
	c := &Conn{}
	c.pending = []pendingSend{
		{serialID: 1, size: 50},
		{serialID: 2, size: 50},
		{serialID: 3, size: 50},
	}
	c.pendingBytes = 150

	ack, ok := c.drainPendingLocked(60)
	if !ok {
		t.Fatal("expected progress")
	}
	if ack != 2 {
		t.Errorf("ack = %d, want 2 (drained entries 1 and 2)", ack)
	}
	if c.pendingBytes != 50 {
		t.Errorf("pendingBytes = %d, want 50", c.pendingBytes)
	}
	if len(c.pending) != 1 || c.pending[0].serialID != 3 {
		t.Errorf("pending = %v, want only serial 3 left", c.pending)
	}
}

func TestMaybeFlushAck_FlushesAfterThreshold(t *testing.T) {
	defer env.Reset()
	env.AckFlushLineThreshold = 5

	c, fc := newTestConnWithSession()
	c.pending = []pendingSend{{serialID: 1, size: 200}}
	c.pendingBytes = 200

	for i := 0; i < 4; i++ {
		c.maybeFlushAck()
		if len(fc.acked) != 0 {
			t.Fatalf("flushed early after %d lines", i+1)
		}
	}
	c.maybeFlushAck()
	if len(fc.acked) != 1 {
		t.Fatalf("expected exactly one flush at the threshold, got %d", len(fc.acked))
	}
}

func TestFlushAckPeriodic_SkipsClosedConn(t *testing.T) {
	defer env.Reset()
	env.TargetPendingAckBytes = 100

	c, _ := newTestConnWithSession()
	c.closed = true
	c.pending = []pendingSend{{serialID: 1, size: 200}}
	c.pendingBytes = 200

	c.flushAckPeriodic()
	if len(c.pending) != 1 || c.pendingBytes != 200 {
		t.Error("expected no flush on a closed connection")
	}
}
