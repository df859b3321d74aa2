// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

// Package scheduler runs the periodic, low-volume background jobs the
// router and transport layers need outside the main service loop: the
// puppet-channel idle reaper (spec.md §4.4.4) and the driver-side ack
// heuristic's periodic flush (spec.md §4.4.3). It is adapted from the
// teacher's heap-based TimedSched so neither job needs its own ticker
// goroutine per session.
package scheduler

import (
	"runtime/debug"
	"time"

	"github.com/textrealm/commrouter/internal/log"
)

// Job is a unit of scheduled work.
type Job func()

// systemSched is the process-wide scheduler instance.
var systemSched = NewTimedSched(1)

func guarded(j Job) Job {
	return func() {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("scheduler: job panic: %+v\n%s", err, debug.Stack())
			}
		}()
		j()
	}
}

// Close stops the process-wide scheduler. Safe to call once at shutdown.
func Close() {
	systemSched.Close()
}

// Run executes job as soon as the scheduler's single worker goroutine is
// free, for one-shot deferred work.
func Run(job Job) {
	systemSched.Run(guarded(job))
}

// CancelFunc stops a job scheduled via Repeat from running again. Calling
// it does not interrupt a currently-executing invocation.
type CancelFunc func()

type repeating struct {
	job      Job
	interval time.Duration
	canceled chan struct{}
}

func (r *repeating) tick() {
	select {
	case <-r.canceled:
		return
	default:
	}
	now := time.Now()
	r.job()
	systemSched.Put(r.tick, now.Add(r.interval))
}

// Repeat runs job every interval until the returned CancelFunc is called.
// Used by the puppet reaper (one repeating scan per accepted connection) and by
// the per-connection ack-flush ticker.
func Repeat(job Job, interval time.Duration) CancelFunc {
	r := &repeating{job: guarded(job), interval: interval, canceled: make(chan struct{})}
	systemSched.Put(r.tick, time.Now().Add(interval))
	return func() { close(r.canceled) }
}
