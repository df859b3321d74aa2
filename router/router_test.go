// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

package router

import (
	"net"
	"testing"
	"time"

	"github.com/textrealm/commrouter/event"
	"github.com/textrealm/commrouter/session"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake:0" }

type fakeConn struct {
	sent        []event.Event
	disconnects int
}

func (c *fakeConn) SendText(line event.TextLine, serialID session.SerialID, channelID session.ChannelID) session.SendReturnCode {
	c.sent = append(c.sent, event.NewText(line, serialID, channelID))
	return session.SendOK
}
func (c *fakeConn) SendStructured(p event.StructuredPayload, serialID session.SerialID, channelID session.ChannelID) session.SendReturnCode {
	return session.SendOK
}
func (c *fakeConn) SendChannelStatus(s event.ChannelStatusChange, serialID session.SerialID, channelID session.ChannelID) session.SendReturnCode {
	return session.SendOK
}
func (c *fakeConn) SendBareAck(ack session.SerialID) session.SendReturnCode      { return session.SendOK }
func (c *fakeConn) SendReconnectAck(ack session.SerialID) session.SendReturnCode { return session.SendOK }
func (c *fakeConn) Disconnect()                                                 { c.disconnects++ }
func (c *fakeConn) RemoteAddr() net.Addr                                        { return fakeAddr{} }

type fakeDriver struct {
	name     string
	released []session.Connection
}

func (d *fakeDriver) Name() string                 { return d.name }
func (d *fakeDriver) DoWork() bool                 { return false }
func (d *fakeDriver) Release(c session.Connection) { d.released = append(d.released, c) }

type fakeAuth struct {
	users map[string]string
}

func (a *fakeAuth) Authenticate(site session.SiteID, name, password string) (session.EntityID, bool) {
	want, ok := a.users[name]
	if !ok || want != password {
		return session.EntityID{}, false
	}
	return session.EntityID{Site: site, Number: int64(len(name)) + 1}, true
}

func newTestRouter() (*Router, *fakeDriver, *fakeAuth) {
	auth := &fakeAuth{users: map[string]string{"alice": "secret"}}
	r := New(auth, 1)
	d := &fakeDriver{name: "fake"}
	r.AddDriver(d)
	return r, d, auth
}

func TestAuthorizeClient_Success(t *testing.T) {
	r, d, _ := newTestRouter()
	conn := &fakeConn{}
	s := r.AuthorizeClient("west", "alice", "secret", d, conn)
	if s == nil {
		t.Fatal("expected a session, got nil")
	}
	if got := r.GetOnlineCount("west"); got != 1 {
		t.Errorf("GetOnlineCount = %d, want 1", got)
	}
	ids := r.GetOnlineIDs("west")
	if len(ids) != 1 || ids[0] != s.EntityID() {
		t.Errorf("GetOnlineIDs = %v, want [%v]", ids, s.EntityID())
	}
}

func TestAuthorizeClient_BadPassword(t *testing.T) {
	r, d, _ := newTestRouter()
	conn := &fakeConn{}
	s := r.AuthorizeClient("west", "alice", "wrong", d, conn)
	if s != nil {
		t.Fatal("expected nil session on bad password")
	}
	if got := r.GetOnlineCount("west"); got != 0 {
		t.Errorf("GetOnlineCount = %d, want 0", got)
	}
}

func TestAuthorizeClient_DuplicateEntityRejected(t *testing.T) {
	r, d, _ := newTestRouter()
	first := r.AuthorizeClient("west", "alice", "secret", d, &fakeConn{})
	if first == nil {
		t.Fatal("expected first login to succeed")
	}
	second := r.AuthorizeClient("west", "alice", "secret", d, &fakeConn{})
	if second != nil {
		t.Fatal("expected duplicate authorize_client for an already-online entity to fail")
	}
}

func TestReauthorizeClient_ReusesExistingSession(t *testing.T) {
	r, d, _ := newTestRouter()
	conn1 := &fakeConn{}
	first := r.AuthorizeClient("west", "alice", "secret", d, conn1)
	if first == nil {
		t.Fatal("expected first login to succeed")
	}

	conn2 := &fakeConn{}
	second := r.ReauthorizeClient("west", "alice", "secret", d, conn2, false)
	if second != first {
		t.Fatalf("expected ReauthorizeClient to return the same session pointer")
	}
}

func TestReauthorizeClient_MakeNewIfAbsent(t *testing.T) {
	r, d, _ := newTestRouter()
	s := r.ReauthorizeClient("west", "alice", "secret", d, &fakeConn{}, true)
	if s == nil {
		t.Fatal("expected ReauthorizeClient with makeNewIfAbsent to create a session")
	}
	if got := r.GetOnlineCount("west"); got != 1 {
		t.Errorf("GetOnlineCount = %d, want 1", got)
	}
}

func TestReauthorizeClient_NoSessionAndNoCreate(t *testing.T) {
	r, d, _ := newTestRouter()
	s := r.ReauthorizeClient("west", "alice", "secret", d, &fakeConn{}, false)
	if s != nil {
		t.Fatal("expected nil when no existing session and makeNewIfAbsent is false")
	}
}

func TestDisconnectSession_DrivesDisconnect(t *testing.T) {
	r, d, _ := newTestRouter()
	conn := &fakeConn{}
	s := r.AuthorizeClient("west", "alice", "secret", d, conn)
	if s == nil {
		t.Fatal("setup: expected session")
	}

	r.Start()
	defer r.Shutdown()

	r.DisconnectSession(s.EntityID())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn.disconnects > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected the connection to be disconnected within the deadline")
}

func TestReleaseConnection_ForwardsToDriver(t *testing.T) {
	r, d, _ := newTestRouter()
	conn := &fakeConn{}
	s := r.AuthorizeClient("west", "alice", "secret", d, conn)
	if s == nil {
		t.Fatal("setup: expected session")
	}

	r.ReleaseConnection(conn)
	if len(d.released) != 1 || d.released[0] != conn {
		t.Errorf("expected driver to receive the released connection, got %v", d.released)
	}
}

func TestGetSessionStats(t *testing.T) {
	r, d, _ := newTestRouter()
	conn := &fakeConn{}
	s := r.AuthorizeClient("west", "alice", "secret", d, conn)
	if s == nil {
		t.Fatal("setup: expected session")
	}

	stats, ok := r.GetSessionStats(s.EntityID())
	if !ok {
		t.Fatal("expected stats for the online entity")
	}
	if !stats.Connected {
		t.Errorf("expected Connected = true right after authorize_client")
	}

	bySite := r.GetSessionStatsForSite("west")
	if len(bySite) != 1 {
		t.Errorf("GetSessionStatsForSite = %d entries, want 1", len(bySite))
	}
}
