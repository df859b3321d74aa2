// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

// Package env represents the environment of the current process: the
// config knobs spec.md §6 calls out, plus a process-wide shutdown
// channel (Die).
package env

import "time"

var (
	// Debug records commrouterd's --debug flag. Mirrors the teacher's
	// env.Debug switch; no log call in this module checks it, so it does
	// not change what is logged.
	Debug bool

	// Die is a process-wide shutdown channel. Nothing in this module
	// closes it or selects on it: the router's service loop stops via
	// Router.Shutdown and each transport connection via Disconnect.
	Die = make(chan struct{})

	// PlainEnabled/PlainAddr configure the plain TCP listener (spec.md §6).
	PlainEnabled bool
	PlainAddr    string

	// TLSEnabled/TLSAddr/TLSCertPath/TLSKeyPath configure the TLS listener.
	TLSEnabled  bool
	TLSAddr     string
	TLSCertPath string
	TLSKeyPath  string

	// PreAuthTimeout bounds how long a connection may stay unauthenticated
	// after accept, whatever input it sends meanwhile, before the socket
	// driver closes it (spec.md §4.4.1).
	PreAuthTimeout = 60 * time.Second

	// MaxInputLineLength is the DoS guard on a single incoming line
	// (spec.md §4.4.2).
	MaxInputLineLength = 4096

	// TargetPendingAckBytes is the soft target of unacknowledged outbound
	// bytes the driver-side ack heuristic drains toward (spec.md §4.4.3).
	TargetPendingAckBytes = 4096

	// AckFlushLineThreshold is the number of input lines that triggers an
	// opportunistic ack flush (spec.md §4.4.3).
	AckFlushLineThreshold = 5

	// PuppetIdleTimeout is how long a "Puppet " channel may sit silent
	// before the driver asks the session to close it (spec.md §4.4.4).
	PuppetIdleTimeout = 600 * time.Second

	// MaxLoginAttempts is the number of failed `connect` attempts honored
	// before further attempts are silently rejected (spec.md §4.4.5).
	MaxLoginAttempts = 6

	// MaxLoginAttemptCounter is where the per-connection failure counter
	// clamps once MaxLoginAttempts has been exceeded.
	MaxLoginAttemptCounter = 500

	// ClientWindowSize bounds how many unacknowledged events a session may
	// hold in its sent queue (and, per channel, its blocked queue) before
	// treating further growth as a protocol violation (spec.md §3, §4.2.5).
	ClientWindowSize uint32 = 256
)

// Reset restores every tunable to its default. Tests use this to avoid
// cross-test leakage since the values above are process globals, in the
// same spirit as the teacher's env package.
func Reset() {
	Debug = false
	PlainEnabled = false
	PlainAddr = ""
	TLSEnabled = false
	TLSAddr = ""
	TLSCertPath = ""
	TLSKeyPath = ""
	PreAuthTimeout = 60 * time.Second
	MaxInputLineLength = 4096
	TargetPendingAckBytes = 4096
	AckFlushLineThreshold = 5
	PuppetIdleTimeout = 600 * time.Second
	MaxLoginAttempts = 6
	MaxLoginAttemptCounter = 500
	ClientWindowSize = 256
}
