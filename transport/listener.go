// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

package transport

import (
	"crypto/tls"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/textrealm/commrouter/internal/env"
	"github.com/textrealm/commrouter/internal/log"
	"github.com/textrealm/commrouter/session"
)

// baseDriver is the shared accept-loop plumbing the plain and TLS variants
// both embed (spec.md §4.4.1's "plain and TLS variants share a base"),
// grounded on the teacher's Node.listenAndServe accept loop
// (cluster/node.go): net.Listen once at Start, then one goroutine per
// accepted connection forever.
//
// SPEC_FULL §C.4 adds a listener-level accept limiter on top of this,
// separate from the per-line DoS guard in framing.go: a burst of new
// connection attempts is throttled the same way the per-connection login
// attempt limiter throttles repeated `connect` lines.
type baseDriver struct {
	name     string
	addr     string
	listener net.Listener
	router   Router

	acceptLimiter *rate.Limiter
}

func newBaseDriver(name, addr string, r Router) baseDriver {
	return baseDriver{
		name:          name,
		addr:          addr,
		router:        r,
		acceptLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}
}

func (b *baseDriver) Name() string { return b.name }

// DoWork is a no-op: per package doc, all I/O already runs on
// per-connection goroutines spawned from acceptLoop, not from the
// router's service-loop goroutine (spec.md §4.3.2 step 1 still gets
// called every tick, it simply has nothing to do here).
func (b *baseDriver) DoWork() bool { return false }

func (b *baseDriver) acceptLoop(self Driver, accept func() (net.Conn, error)) {
	for {
		nc, err := accept()
		if err != nil {
			log.Printf("transport: %s accept: %v", b.name, err)
			return
		}
		if !b.acceptLimiter.Allow() {
			_ = nc.Close()
			continue
		}
		go b.handle(self, nc)
	}
}

func (b *baseDriver) handle(self Driver, nc net.Conn) {
	c := newConn(nc, self, b.router)
	c.ackCancel = c.startAckFlushTicker()
	c.puppetCancel = c.startPuppetReaper()
	c.preAuthTimer = time.AfterFunc(env.PreAuthTimeout, func() {
		if !c.isAuthenticated() {
			log.Printf("transport: %s pre-auth timeout from %s", b.name, c.RemoteAddr())
			c.Disconnect()
		}
	})

	_ = c.write([]byte(siteListBanner(b.router.GetSiteIDs())))
	c.runReadLoop()
}

// PlainDriver is the router.Driver for unencrypted TCP (spec.md §4.4.1).
type PlainDriver struct {
	baseDriver
}

// NewPlainDriver constructs a PlainDriver bound to addr. Call Start to
// begin accepting.
func NewPlainDriver(addr string, r Router) *PlainDriver {
	return &PlainDriver{baseDriver: newBaseDriver("plain", addr, r)}
}

// Start binds the listening socket and spawns the accept loop. Must be
// called before the owning router starts servicing (spec.md §4.3.1).
func (d *PlainDriver) Start() error {
	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		return err
	}
	d.listener = ln
	go d.acceptLoop(d, ln.Accept)
	return nil
}

// Release implements the router's driver-forwarded connection release
// (spec.md §4.3.1's release_connection); plain TCP connections need no
// further reference counting once the router has dropped its own map
// entry, so this is a no-op.
func (d *PlainDriver) Release(session.Connection) {}

// Stop closes the listening socket. Existing connections are unaffected;
// the router's Shutdown disconnects sessions directly.
func (d *PlainDriver) Stop() error {
	if d.listener == nil {
		return nil
	}
	return d.listener.Close()
}

// TLSDriver is the router.Driver for TLSv1.2+ encrypted TCP (spec.md
// §4.4.1, §6).
type TLSDriver struct {
	baseDriver
	certPath, keyPath string
}

// NewTLSDriver constructs a TLSDriver bound to addr, using the PEM
// certificate/key pair at certPath/keyPath.
func NewTLSDriver(addr, certPath, keyPath string, r Router) *TLSDriver {
	return &TLSDriver{baseDriver: newBaseDriver("tls", addr, r), certPath: certPath, keyPath: keyPath}
}

// Start loads the certificate, binds the listening socket, and spawns the
// accept loop. Each accepted connection completes its TLS handshake
// before entering the shared framing/command path, per spec.md §4.4.1.
func (d *TLSDriver) Start() error {
	cert, err := tls.LoadX509KeyPair(d.certPath, d.keyPath)
	if err != nil {
		return err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	ln, err := tls.Listen("tcp", d.addr, cfg)
	if err != nil {
		return err
	}
	d.listener = ln
	go d.acceptLoop(d, ln.Accept)
	return nil
}

// Release mirrors PlainDriver.Release.
func (d *TLSDriver) Release(session.Connection) {}

// Stop closes the listening socket.
func (d *TLSDriver) Stop() error {
	if d.listener == nil {
		return nil
	}
	return d.listener.Close()
}
