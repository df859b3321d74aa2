// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

package wsdriver

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/textrealm/commrouter/internal/log"
)

// WSDriver serves one websocket endpoint, grounded on the teacher's
// Node.listenAndServeWS/setupWSHandler (cluster/node.go): a ServeMux with
// one upgrade handler, served via net/http instead of a raw net.Listener
// accept loop since the websocket handshake itself is HTTP.
type WSDriver struct {
	addr   string
	path   string
	router Router
	server *http.Server
}

// NewWSDriver constructs a WSDriver that will upgrade connections to addr+path.
func NewWSDriver(addr, path string, r Router) *WSDriver {
	return &WSDriver{addr: addr, path: path, router: r}
}

func (d *WSDriver) Name() string { return "websocket" }

// DoWork is a no-op; all I/O runs on net/http's own goroutine-per-request
// model plus one goroutine per upgraded connection, the same division of
// labor transport.PlainDriver uses.
func (d *WSDriver) DoWork() bool { return false }

// Start registers the upgrade handler and begins serving in the
// background. Mirrors cluster.Node.listenAndServeWS, minus the TLS
// variant (websocket TLS is delegated to a reverse proxy in front of this
// driver in typical deployments, per SPEC_FULL §B's "out of the core").
func (d *WSDriver) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(d.path, d.handleUpgrade)
	d.server = &http.Server{Addr: d.addr, Handler: mux}

	go func() {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("wsdriver: serve: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (d *WSDriver) Stop() error {
	if d.server == nil {
		return nil
	}
	return d.server.Close()
}

func (d *WSDriver) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsdriver: upgrade failure, uri=%s: %v", r.RequestURI, err)
		return
	}
	c := newConn(ws, d, d.router)
	go c.readLoop()
}
