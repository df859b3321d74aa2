// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

package admin

import (
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"

	"github.com/textrealm/commrouter/event"
	"github.com/textrealm/commrouter/router"
	"github.com/textrealm/commrouter/session"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake:0" }

type fakeConn struct{ disconnects int }

func (c *fakeConn) SendText(event.TextLine, session.SerialID, session.ChannelID) session.SendReturnCode {
	return session.SendOK
}
func (c *fakeConn) SendStructured(event.StructuredPayload, session.SerialID, session.ChannelID) session.SendReturnCode {
	return session.SendOK
}
func (c *fakeConn) SendChannelStatus(event.ChannelStatusChange, session.SerialID, session.ChannelID) session.SendReturnCode {
	return session.SendOK
}
func (c *fakeConn) SendBareAck(session.SerialID) session.SendReturnCode      { return session.SendOK }
func (c *fakeConn) SendReconnectAck(session.SerialID) session.SendReturnCode { return session.SendOK }
func (c *fakeConn) Disconnect()                                             { c.disconnects++ }
func (c *fakeConn) RemoteAddr() net.Addr                                     { return fakeAddr{} }

type fakeDriver struct{}

func (fakeDriver) Name() string { return "fake" }
func (fakeDriver) DoWork() bool { return false }

type fakeAuth struct{}

func (fakeAuth) Authenticate(site session.SiteID, name, password string) (session.EntityID, bool) {
	return session.EntityID{Site: site, Number: 1}, true
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	r := router.New(fakeAuth{}, 1)
	r.AddDriver(fakeDriver{})
	if s := r.AuthorizeClient("west", "alice", "x", fakeDriver{}, &fakeConn{}); s == nil {
		t.Fatal("setup: expected authorize to succeed")
	}
	srv := New(":0", r)
	return srv, httptest.NewServer(srv.http.Handler)
}

func TestHandleSites(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/sites")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var sites []string
	if err := json.NewDecoder(resp.Body).Decode(&sites); err != nil {
		t.Fatal(err)
	}
	if len(sites) != 1 || sites[0] != "west" {
		t.Errorf("sites = %v, want [west]", sites)
	}
}

func TestHandleOnline_Count(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/online?site=west&count=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var count int
	if err := json.NewDecoder(resp.Body).Decode(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestHandleStats_MissingSite(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleDisconnect_RequiresPost(t *testing.T) {
	_, ts := newTestServer(t)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/disconnect?site=west&number=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 405 {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}
