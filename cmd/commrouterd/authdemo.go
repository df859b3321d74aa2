// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

package main

import (
	"sync"

	"github.com/textrealm/commrouter/session"
)

// demoAuth is a stand-in for the real player database spec.md §1 calls
// out of scope as an external collaborator. It exists only so
// commrouterd can boot and accept logins without a real backend wired
// in; a production deployment replaces this with its own
// router.AuthBackend implementation.
type demoAuth struct {
	mu      sync.Mutex
	nextNum int64
	known   map[string]string // name -> password
	numbers map[string]int64  // name -> assigned entity number
}

func newDemoAuth() *demoAuth {
	return &demoAuth{
		known:   map[string]string{"guest": "guest"},
		numbers: map[string]int64{},
	}
}

func (a *demoAuth) Authenticate(site session.SiteID, name, password string) (session.EntityID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	want, ok := a.known[name]
	if !ok || want != password {
		return session.EntityID{}, false
	}
	num, ok := a.numbers[name]
	if !ok {
		a.nextNum++
		num = a.nextNum
		a.numbers[name] = num
	}
	return session.EntityID{Site: site, Number: num}, true
}
