// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

// Package admin is the HTTP/JSON front end for the query and control
// surface spec.md §4.3.1 calls "indirect" (get_session_stats,
// get_online_ids, get_online_count, disconnect_session). It is the
// network-facing half of cmd/commrouterctl, the way the teacher's
// cluster.Node serves its gate websocket endpoint off a private
// http.ServeMux rather than http.DefaultServeMux (cluster/node.go).
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/textrealm/commrouter/internal/log"
	"github.com/textrealm/commrouter/router"
	"github.com/textrealm/commrouter/session"
)

// Server exposes a *router.Router over HTTP for commrouterctl to drive
// remotely. It is intentionally read-mostly: the only mutating endpoint
// is disconnect.
type Server struct {
	router *router.Router
	addr   string
	http   *http.Server
}

// New constructs an admin Server bound to addr, serving off its own mux.
func New(addr string, r *router.Router) *Server {
	mux := http.NewServeMux()
	s := &Server{router: r, addr: addr}
	mux.HandleFunc("/sites", s.handleSites)
	mux.HandleFunc("/online", s.handleOnline)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/disconnect", s.handleDisconnect)
	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins serving in the background. Mirrors the non-blocking
// Start/Shutdown shape of router.Router itself.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("admin: serve %s: %v", s.addr, err)
		}
	}()
}

// Stop gracefully shuts the admin HTTP server down.
func (s *Server) Stop() error {
	return s.http.Close()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("admin: encode response: %v", err)
	}
}

// handleSites implements get_site_ids.
func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.router.GetSiteIDs())
}

// handleOnline implements get_online_ids / get_online_count for
// ?site=<id>. With &count=1 it returns just the count.
func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	site := session.SiteID(r.URL.Query().Get("site"))
	if site == "" {
		http.Error(w, "missing site", http.StatusBadRequest)
		return
	}
	if r.URL.Query().Get("count") != "" {
		writeJSON(w, s.router.GetOnlineCount(site))
		return
	}
	writeJSON(w, s.router.GetOnlineIDs(site))
}

// handleStats implements get_session_stats, either for one entity
// (?site=&number=) or every session at a site (?site=).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	site := session.SiteID(r.URL.Query().Get("site"))
	if site == "" {
		http.Error(w, "missing site", http.StatusBadRequest)
		return
	}
	number := r.URL.Query().Get("number")
	if number == "" {
		writeJSON(w, s.router.GetSessionStatsForSite(site))
		return
	}
	n, err := strconv.ParseInt(number, 10, 64)
	if err != nil {
		http.Error(w, "bad number", http.StatusBadRequest)
		return
	}
	stats, ok := s.router.GetSessionStats(session.EntityID{Site: site, Number: n})
	if !ok {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	writeJSON(w, stats)
}

// handleDisconnect implements disconnect_session, POST-only.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	site := session.SiteID(r.URL.Query().Get("site"))
	number := r.URL.Query().Get("number")
	if site == "" || number == "" {
		http.Error(w, "missing site/number", http.StatusBadRequest)
		return
	}
	n, err := strconv.ParseInt(number, 10, 64)
	if err != nil {
		http.Error(w, "bad number", http.StatusBadRequest)
		return
	}
	s.router.DisconnectSession(session.EntityID{Site: site, Number: n})
	w.WriteHeader(http.StatusNoContent)
}
