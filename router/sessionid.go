// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

package router

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/textrealm/commrouter/session"
)

// runnerNonce is derived once per process from a random uuid so that
// session ids stay unique across listener restarts even though the
// per-process counter always starts back at 1. This plays the role the
// teacher's gate id plays in service/connection.go's SID (high bits
// distinguish the issuing gate); commrouter has no gate concept since
// multi-node distribution is out of scope, so a uuid-derived value fills
// the same high bits instead.
var runnerNonce = func() uint32 {
	id, err := uuid.NewRandom()
	if err != nil {
		return 1
	}
	b := id[:]
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(b[i])
	}
	if v == 0 {
		v = 1
	}
	return v
}()

const localIDMask = 0xffffffff
const runnerIDShift = 32

// nextLocalSessionID atomically increments counter, the low 32 bits of
// the composed session id.
func nextLocalSessionID(counter *uint64) uint64 {
	return atomic.AddUint64(counter, 1)
}

// composeSessionID packs a small per-process runner tag into the high
// bits and the monotonic local counter into the low bits, mirroring
// service/connection.go's SID layout (gate id << 32 | session counter).
func composeSessionID(runnerID uint32, local uint64) session.ID {
	tag := runnerID ^ runnerNonce
	return session.ID(uint64(tag)<<runnerIDShift | (local & localIDMask))
}
