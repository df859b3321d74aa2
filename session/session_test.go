// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

package session

import (
	"net"
	"testing"

	"github.com/textrealm/commrouter/channel"
	"github.com/textrealm/commrouter/event"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake:0" }

type fakeConn struct {
	texts     []event.TextLine
	statuses  []event.ChannelStatusChange
	acks      []SerialID
	reconnect []SerialID
	nextCode  SendReturnCode
	closed    bool
}

func newFakeConn() *fakeConn { return &fakeConn{nextCode: SendOK} }

func (c *fakeConn) SendText(line event.TextLine, serialID SerialID, channelID ChannelID) SendReturnCode {
	c.texts = append(c.texts, line)
	return c.nextCode
}
func (c *fakeConn) SendStructured(p event.StructuredPayload, serialID SerialID, channelID ChannelID) SendReturnCode {
	return c.nextCode
}
func (c *fakeConn) SendChannelStatus(s event.ChannelStatusChange, serialID SerialID, channelID ChannelID) SendReturnCode {
	c.statuses = append(c.statuses, s)
	return c.nextCode
}
func (c *fakeConn) SendBareAck(ack SerialID) SendReturnCode {
	c.acks = append(c.acks, ack)
	return SendOK
}
func (c *fakeConn) SendReconnectAck(ack SerialID) SendReturnCode {
	c.reconnect = append(c.reconnect, ack)
	return SendOK
}
func (c *fakeConn) Disconnect()         { c.closed = true }
func (c *fakeConn) RemoteAddr() net.Addr { return fakeAddr{} }

type fakeScheduler struct{ n int }

func (f *fakeScheduler) SessionNeedsService(s *Session) { f.n++ }

type fakeChannel struct {
	name     string
	subtype  string
	kind     channel.Kind
	blocked  bool
	closed   bool
	received []interface{}
}

func (c *fakeChannel) Name() string        { return c.name }
func (c *fakeChannel) Subtype() string     { return c.subtype }
func (c *fakeChannel) Kind() channel.Kind  { return c.kind }
func (c *fakeChannel) IsBlocked() bool     { return c.blocked }
func (c *fakeChannel) IsClosed() bool      { return c.closed }
func (c *fakeChannel) CloseChannel()       { c.closed = true }
func (c *fakeChannel) SendItem(payload interface{}) bool {
	if c.blocked || c.closed {
		return false
	}
	c.received = append(c.received, payload)
	return true
}
func (c *fakeChannel) RegisterControlListener(channel.Listener)   {}
func (c *fakeChannel) UnregisterControlListener(channel.Listener) {}
func (c *fakeChannel) RegisterReceiver(channel.Listener)          {}
func (c *fakeChannel) UnregisterReceiver(channel.Listener)        {}
func (c *fakeChannel) RegisterPointerHolder(interface{})          {}
func (c *fakeChannel) UnregisterPointerHolder(interface{})        {}

func newTestSession(window uint32) (*Session, *fakeScheduler) {
	sched := &fakeScheduler{}
	s := New(1, EntityID{Site: "west", Number: 1}, window, sched)
	return s, sched
}

// connectAndHandshake wires conn in and completes the mandatory
// reconnect-ack handshake (spec.md §4.2.8 step 5 runs on every
// set_connection, including a brand new session's first connection), so
// callers can assert on ordinary outgoing drainage afterward.
func connectAndHandshake(s *Session, conn *fakeConn) {
	s.SetConnection(conn)
	s.Service()
	s.ClientAckReconnect(0)
	s.Service()
}

func TestChannelAdded_EmitsOpenStatus(t *testing.T) {
	s, _ := newTestSession(4)
	conn := newFakeConn()
	connectAndHandshake(s, conn)
	conn.statuses = nil

	ch := &fakeChannel{name: "Session Agent", kind: channel.KindText}
	id, err := s.ChannelAdded(ch, true)
	if err != nil {
		t.Fatalf("ChannelAdded: %v", err)
	}
	if id != 1 {
		t.Errorf("first channel id = %d, want 1", id)
	}

	s.Service()
	if len(conn.statuses) != 1 {
		t.Fatalf("expected one status event, got %d", len(conn.statuses))
	}
	if conn.statuses[0].Status != event.ChannelOpen || conn.statuses[0].Name != "Session Agent" {
		t.Errorf("unexpected status: %+v", conn.statuses[0])
	}
}

func TestWindowSaturation_HoldsFifthEvent(t *testing.T) {
	s, _ := newTestSession(4)
	conn := newFakeConn()
	connectAndHandshake(s, conn)

	ch := &fakeChannel{name: "out", kind: channel.KindText}
	if _, err := s.ChannelAdded(ch, true); err != nil {
		t.Fatalf("ChannelAdded: %v", err)
	}
	s.Service()
	conn.statuses = nil

	// Ack the channel-open status event so the window is entirely free
	// for the five text events below.
	s.mu.Lock()
	openSerial := s.sent[len(s.sent)-1].SerialID()
	s.mu.Unlock()
	s.ClientAck(openSerial)

	for i := 0; i < 5; i++ {
		s.TextChannelData(ch, event.NewPlainTextLine("line"))
	}
	s.Service()

	if got := len(conn.texts); got != 4 {
		t.Fatalf("expected only 4 of 5 events to be sent while window=4, got %d", got)
	}
	s.mu.Lock()
	outgoing := len(s.outgoing)
	s.mu.Unlock()
	if outgoing != 1 {
		t.Fatalf("expected 1 event to remain queued, got %d", outgoing)
	}
}

func TestClientAck_Idempotence_SecondCallRejected(t *testing.T) {
	s, _ := newTestSession(4)
	conn := newFakeConn()
	connectAndHandshake(s, conn)

	ch := &fakeChannel{name: "out", kind: channel.KindText}
	s.ChannelAdded(ch, true)
	s.Service()
	conn.statuses = nil

	s.TextChannelData(ch, event.NewPlainTextLine("hello"))
	s.Service()

	s.mu.Lock()
	serial := s.sent[len(s.sent)-1].SerialID()
	s.mu.Unlock()

	s.ClientAck(serial)
	s.mu.Lock()
	disconnectAfterFirst := s.needsDisconnect
	s.mu.Unlock()
	if disconnectAfterFirst {
		t.Fatalf("first ack should be accepted")
	}

	s.ClientAck(serial)
	s.mu.Lock()
	disconnectAfterSecond := s.needsDisconnect
	s.mu.Unlock()
	if !disconnectAfterSecond {
		t.Errorf("a repeated ack for an already-acked serial must be rejected as a protocol violation")
	}
}

func TestReconnect_ReplaysUnackedTail(t *testing.T) {
	s, _ := newTestSession(4)
	conn1 := newFakeConn()
	connectAndHandshake(s, conn1)

	ch := &fakeChannel{name: "out", kind: channel.KindText}
	s.ChannelAdded(ch, true)
	s.Service()

	s.TextChannelData(ch, event.NewPlainTextLine("a"))
	s.TextChannelData(ch, event.NewPlainTextLine("b"))
	s.TextChannelData(ch, event.NewPlainTextLine("c"))
	s.Service()

	s.mu.Lock()
	if len(s.sent) < 3 {
		s.mu.Unlock()
		t.Fatalf("setup: expected at least 3 events in sent")
	}
	last := s.sent[len(s.sent)-1].SerialID()
	middle := s.sent[len(s.sent)-2].SerialID()
	s.mu.Unlock()

	conn2 := newFakeConn()
	s.ConnectionDropped()
	s.SetConnection(conn2)
	s.Service()

	s.ClientAckReconnect(middle)

	s.mu.Lock()
	remainingSent := len(s.sent)
	outgoingHeadIsLast := len(s.outgoing) > 0 && s.outgoing[0].SerialID() == last
	s.mu.Unlock()

	if remainingSent != 0 {
		t.Errorf("expected sent to be fully cleared after reconnect-ack, got %d entries", remainingSent)
	}
	if !outgoingHeadIsLast {
		t.Errorf("expected the unacked event (serial %d) to be retransmitted at the head of outgoing", last)
	}
}

func TestSerialWrap_SkipsZero(t *testing.T) {
	s, _ := newTestSession(4)
	s.lastMessageID = 1<<32 - 1
	next := s.nextMessageIDLocked()
	if next != 1 {
		t.Errorf("serial after wrap = %d, want 1 (skipping the reserved 0)", next)
	}
}

func TestBlockedQueueOverflow_TriggersDisconnect(t *testing.T) {
	s, _ := newTestSession(2)
	conn := newFakeConn()
	connectAndHandshake(s, conn)

	ch := &fakeChannel{name: "in", kind: channel.KindText, blocked: true}
	id, err := s.ChannelAdded(ch, false)
	if err != nil {
		t.Fatalf("ChannelAdded: %v", err)
	}

	s.ClientTextData(id, 1, event.NewPlainTextLine("one"))
	s.ClientTextData(id, 2, event.NewPlainTextLine("two"))
	s.mu.Lock()
	disconnectAfterTwo := s.needsDisconnect
	s.mu.Unlock()
	if disconnectAfterTwo {
		t.Fatalf("window of 2 should tolerate exactly 2 queued items")
	}

	s.ClientTextData(id, 3, event.NewPlainTextLine("three"))
	s.mu.Lock()
	disconnectAfterThree := s.needsDisconnect
	s.mu.Unlock()
	if !disconnectAfterThree {
		t.Errorf("exceeding the blocked-queue window must set needs_disconnect")
	}
}

func TestClientData_OnToClientChannel_Disconnects(t *testing.T) {
	s, _ := newTestSession(4)
	conn := newFakeConn()
	connectAndHandshake(s, conn)

	ch := &fakeChannel{name: "out", kind: channel.KindText}
	id, _ := s.ChannelAdded(ch, true)

	s.ClientTextData(id, 1, event.NewPlainTextLine("not allowed"))
	s.mu.Lock()
	needsDisconnect := s.needsDisconnect
	s.mu.Unlock()
	if !needsDisconnect {
		t.Errorf("client data on a ToClient channel must be treated as a protocol violation")
	}
}
