// deferred.go - cooperative deferred-call primitive.
// Copyright (C) 2024 Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.

package packetpass

// Dispatcher is the owner-context job queue used to break reentrancy.
// Jobs armed during a call to Dispatch never fire during that same call;
// they fire on a subsequent call to Dispatch, FIFO relative to other jobs
// armed in the same generation. A Dispatcher is not safe for concurrent
// use; it belongs to a single owner context.
type Dispatcher struct {
	pending []*Job
}

// Job is a single-shot cooperative task. The zero value is a disarmed Job
// not yet attached to a Dispatcher; use NewJob.
type Job struct {
	disp   *Dispatcher
	fn     func()
	armed  bool
	queued bool
}

// NewJob creates a Job bound to disp that calls fn when it fires.
func NewJob(disp *Dispatcher, fn func()) *Job {
	return &Job{disp: disp, fn: fn}
}

// Set arms the job. Idempotent: arming an already-armed job has no
// additional effect and does not reorder it within the FIFO.
func (j *Job) Set() {
	j.armed = true
	if !j.queued {
		j.queued = true
		j.disp.pending = append(j.disp.pending, j)
	}
}

// Unset disarms the job. If it is currently queued awaiting a Dispatch
// call it is skipped when its turn comes.
func (j *Job) Unset() {
	j.armed = false
}

// IsSet reports whether the job is currently armed.
func (j *Job) IsSet() bool {
	return j.armed
}

// Dispatch runs every job armed as of this call, in FIFO arming order.
// Jobs armed by a running job's fn are deferred to the next Dispatch
// call — they are never invoked from within this one. Returns the number
// of jobs that actually fired.
func (d *Dispatcher) Dispatch() int {
	generation := d.pending
	d.pending = nil
	fired := 0
	for _, j := range generation {
		j.queued = false
		if !j.armed {
			continue
		}
		j.armed = false
		j.fn()
		fired++
	}
	return fired
}

// Pending reports whether any job is currently armed and queued.
func (d *Dispatcher) Pending() bool {
	for _, j := range d.pending {
		if j.armed {
			return true
		}
	}
	return false
}
