// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

// Package router implements the process-wide Router / Session Manager
// described in spec.md §4.3: it owns every session, indexes them by
// connection, by site, and by entity, drives the single-threaded service
// loop, and is the only thing that talks to both the session package and
// the transport Driver interface.
//
// Router never imports a transport package directly (spec.md §2's
// "Router depends on Connection only by interface"); it consumes
// transports through the Driver interface defined here, the same way the
// teacher's cluster.Node consumes its RPC member clients only through the
// clusterpb interfaces it generates rather than importing grpc transport
// code into node.go.
package router

import (
	"sync"
	"time"

	"github.com/pingcap/errors"

	"github.com/textrealm/commrouter/channel"
	"github.com/textrealm/commrouter/internal/env"
	"github.com/textrealm/commrouter/internal/log"
	"github.com/textrealm/commrouter/session"
)

// Driver is a registered transport (plain socket, TLS socket, websocket).
// The router polls every driver once per service-loop iteration and never
// otherwise reaches into transport internals (spec.md §4.3.2 step 1).
//
// DoWork takes no argument: a driver is handed the Router it needs at
// construction time (e.g. transport.NewPlainDriver(addr, router)) rather
// than on every poll. The transport and wsdriver packages hold that
// *Router directly (their Router types are aliases of *router.Router);
// only this package's view of a driver is interface-only.
type Driver interface {
	// Name identifies the driver for logs and admin queries.
	Name() string
	// DoWork polls I/O and advances per-connection state machines. It
	// returns true if it did anything useful (so the loop should not
	// sleep).
	DoWork() bool
}

// AuthBackend is the external player database the router consults for
// authentication (spec.md §4.3.3). The router never stores passwords.
type AuthBackend interface {
	// Authenticate verifies name/password within site and returns the
	// authenticated entity id. ok is false on any failure (unknown
	// player, bad password, database error) and the router treats all
	// of them identically: AuthorizeClient and ReauthorizeClient return
	// nil (spec.md §4.3.5).
	Authenticate(site session.SiteID, name, password string) (entity session.EntityID, ok bool)
}

type connEntry struct {
	driver Driver
	sess   *session.Session
}

// Router is the process-wide session owner (spec.md §4.3.4).
type Router struct {
	auth AuthBackend

	driversMu sync.Mutex
	drivers   []Driver

	idxMu     sync.Mutex
	byConn    map[session.Connection]*connEntry
	bySession map[session.ID]session.Connection
	bySite    map[session.SiteID]map[session.EntityID]*session.Session
	byID      map[session.ID]*session.Session

	queueMu sync.Mutex
	pending map[session.ID]*session.Session
	inQueue map[session.ID]bool

	lastSessionID uint64
	runnerID      uint32

	stopOnce sync.Once
	stopped  chan struct{}
	wake     chan struct{}
}

// New constructs a Router backed by the given authentication database.
// runnerID distinguishes this process in a multi-listener deployment the
// way the teacher's gate id distinguishes one gate node (service/
// connection.go); commrouter has no multi-node Non-goal carve-out for
// *sessions* (only for cluster RPC), so this stays purely local: it is
// XORed with the per-process random nonce (sessionid.go) into the high 32
// bits of every SessionId, and the low 32 bits come from this Router's
// own counter.
func New(auth AuthBackend, runnerID uint32) *Router {
	return &Router{
		auth:      auth,
		byConn:    make(map[session.Connection]*connEntry),
		bySession: make(map[session.ID]session.Connection),
		bySite:    make(map[session.SiteID]map[session.EntityID]*session.Session),
		byID:      make(map[session.ID]*session.Session),
		pending:   make(map[session.ID]*session.Session),
		inQueue:   make(map[session.ID]bool),
		runnerID:  runnerID,
		stopped:   make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
}

// AddDriver registers a transport driver. Must be called before Start
// (spec.md §4.3.1).
func (r *Router) AddDriver(d Driver) {
	r.driversMu.Lock()
	r.drivers = append(r.drivers, d)
	r.driversMu.Unlock()
}

// Start spawns the service-loop goroutine (spec.md §4.3.2). It does not
// block; call Shutdown to stop it.
func (r *Router) Start() {
	go r.serviceLoop()
}

// Shutdown idempotently tears down the service loop and every session
// (spec.md §4.3.1).
func (r *Router) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.stopped)

		r.idxMu.Lock()
		sessions := make([]*session.Session, 0, len(r.byID))
		for _, s := range r.byID {
			sessions = append(sessions, s)
		}
		r.idxMu.Unlock()

		for _, s := range sessions {
			s.RequestDisconnect()
			s.Service()
			session.Lifetime.Destroy(s)
		}
	})
}

func (r *Router) serviceLoop() {
	for {
		select {
		case <-r.stopped:
			return
		default:
		}

		busy := false
		r.driversMu.Lock()
		drivers := append([]Driver(nil), r.drivers...)
		r.driversMu.Unlock()
		for _, d := range drivers {
			if d.DoWork() {
				busy = true
			}
		}

		r.queueMu.Lock()
		batch := r.pending
		r.pending = make(map[session.ID]*session.Session)
		r.inQueue = make(map[session.ID]bool)
		r.queueMu.Unlock()

		if len(batch) > 0 {
			busy = true
		}
		for _, s := range batch {
			s.Service()
		}

		if !busy {
			select {
			case <-r.wake:
			case <-time.After(20 * time.Millisecond):
			case <-r.stopped:
				return
			}
		}
	}
}

// SessionNeedsService implements session.Scheduler (spec.md §4.3.1,
// §4.3.2 step 2): enqueue at the back of the service queue, idempotent
// within a tick.
func (r *Router) SessionNeedsService(s *session.Session) {
	r.queueMu.Lock()
	if !r.inQueue[s.ID()] {
		r.inQueue[s.ID()] = true
		r.pending[s.ID()] = s
	}
	r.queueMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Router) nextSessionID() session.ID {
	n := nextLocalSessionID(&r.lastSessionID)
	return composeSessionID(r.runnerID, n)
}

// AuthorizeClient implements spec.md §4.3.1's first-time login path.
func (r *Router) AuthorizeClient(site session.SiteID, name, password string, d Driver, conn session.Connection) *session.Session {
	entity, ok := r.auth.Authenticate(site, name, password)
	if !ok {
		return nil
	}

	r.idxMu.Lock()
	if byEntity := r.bySite[site]; byEntity != nil {
		if existing, dup := byEntity[entity]; dup {
			r.idxMu.Unlock()
			log.Printf("router: authorize_client for already-online entity %s", existing.EntityID())
			return nil
		}
	}
	r.idxMu.Unlock()

	id := r.nextSessionID()
	s := session.New(id, entity, env.ClientWindowSize, r)
	s.SetConnection(conn)

	r.idxMu.Lock()
	r.byID[id] = s
	r.bySession[id] = conn
	r.byConn[conn] = &connEntry{driver: d, sess: s}
	if r.bySite[site] == nil {
		r.bySite[site] = make(map[session.EntityID]*session.Session)
	}
	r.bySite[site][entity] = s
	r.idxMu.Unlock()

	return s
}

// ReauthorizeClient implements spec.md §4.3.1's reconnect path.
func (r *Router) ReauthorizeClient(site session.SiteID, name, password string, d Driver, conn session.Connection, makeNewIfAbsent bool) *session.Session {
	entity, ok := r.auth.Authenticate(site, name, password)
	if !ok {
		return nil
	}

	r.idxMu.Lock()
	byEntity := r.bySite[site]
	var existing *session.Session
	if byEntity != nil {
		existing = byEntity[entity]
	}
	r.idxMu.Unlock()

	if existing != nil {
		existing.SetConnection(conn)
		r.idxMu.Lock()
		r.bySession[existing.ID()] = conn
		r.byConn[conn] = &connEntry{driver: d, sess: existing}
		r.idxMu.Unlock()
		return existing
	}

	if !makeNewIfAbsent {
		return nil
	}
	return r.AuthorizeClient(site, name, password, d, conn)
}

// AddChannel forwards to the session indexed by entity (spec.md §4.3.1).
// It returns false if no such session is online.
func (r *Router) AddChannel(entity session.EntityID, ch channel.Channel, toClient bool) bool {
	r.idxMu.Lock()
	byEntity := r.bySite[entity.Site]
	var s *session.Session
	if byEntity != nil {
		s = byEntity[entity]
	}
	r.idxMu.Unlock()

	if s == nil {
		return false
	}
	if _, err := s.ChannelAdded(ch, toClient); err != nil {
		log.Printf("router: add_channel entity=%s: %v", entity, errors.Trace(err))
		return false
	}
	return true
}

// DisconnectSession hard-closes the session owning entity (spec.md
// §4.3.1).
func (r *Router) DisconnectSession(entity session.EntityID) {
	r.idxMu.Lock()
	byEntity := r.bySite[entity.Site]
	var s *session.Session
	if byEntity != nil {
		s = byEntity[entity]
	}
	r.idxMu.Unlock()

	if s == nil {
		return
	}
	s.RequestDisconnect()
	r.SessionNeedsService(s)
}

// ReleaseConnection forwards to the owning driver once a session is done
// with a connection (spec.md §4.3.1).
func (r *Router) ReleaseConnection(conn session.Connection) {
	r.idxMu.Lock()
	entry, ok := r.byConn[conn]
	if ok {
		delete(r.byConn, conn)
	}
	r.idxMu.Unlock()

	if !ok {
		return
	}
	if releaser, ok := entry.driver.(interface{ Release(session.Connection) }); ok {
		releaser.Release(conn)
	}
}

// ConnectionDropped is called by a driver when a transport-level error or
// EOF occurs (spec.md §4.3.5). The owning session enters limbo.
func (r *Router) ConnectionDropped(conn session.Connection) {
	r.idxMu.Lock()
	entry, ok := r.byConn[conn]
	if ok {
		delete(r.byConn, conn)
	}
	r.idxMu.Unlock()

	if !ok {
		return
	}
	entry.sess.ConnectionDropped()
}

// GetSiteIDs implements spec.md §4.3.1's query surface.
func (r *Router) GetSiteIDs() []session.SiteID {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	out := make([]session.SiteID, 0, len(r.bySite))
	for site := range r.bySite {
		out = append(out, site)
	}
	return out
}

// GetOnlineIDs implements spec.md §4.3.1's query surface.
func (r *Router) GetOnlineIDs(site session.SiteID) []session.EntityID {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	byEntity := r.bySite[site]
	out := make([]session.EntityID, 0, len(byEntity))
	for entity := range byEntity {
		out = append(out, entity)
	}
	return out
}

// GetOnlineCount implements spec.md §4.3.1's query surface.
func (r *Router) GetOnlineCount(site session.SiteID) int {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	return len(r.bySite[site])
}

// GetSessionStatsForSite implements the site-scoped overload of
// get_session_stats (spec.md §4.3.1).
func (r *Router) GetSessionStatsForSite(site session.SiteID) []session.Stats {
	r.idxMu.Lock()
	byEntity := r.bySite[site]
	sessions := make([]*session.Session, 0, len(byEntity))
	for _, s := range byEntity {
		sessions = append(sessions, s)
	}
	r.idxMu.Unlock()

	out := make([]session.Stats, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Stats())
	}
	return out
}

// GetSessionStats implements the entity-scoped overload of
// get_session_stats (spec.md §4.3.1).
func (r *Router) GetSessionStats(entity session.EntityID) (session.Stats, bool) {
	r.idxMu.Lock()
	byEntity := r.bySite[entity.Site]
	var s *session.Session
	if byEntity != nil {
		s = byEntity[entity]
	}
	r.idxMu.Unlock()

	if s == nil {
		return session.Stats{}, false
	}
	return s.Stats(), true
}
