// pool.go - fixed-size goroutine pool for off-owner-goroutine work.
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

// Package workerpool dispatches opaque closures onto a fixed set of
// goroutines and delivers their results back to a single owner goroutine.
// A submission's Handle can be freed before the work completes; a freed
// handle's result is silently discarded rather than delivered, so the
// owner never observes a completion for work it has already abandoned.
package workerpool

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/channels"
	"github.com/op/go-logging"
)

// WorkFunc is an opaque unit of work run on a pool goroutine. It must not
// touch owner-context state directly; its return value is handed back to
// the submission's completion callback on the owner's Pump call.
type WorkFunc func() interface{}

// Handle identifies one submission. Free marks the submission's eventual
// result (if any) for discarding; it does not and cannot stop the
// in-flight WorkFunc, which runs to completion and has its result
// dropped.
type Handle struct {
	freed uint32 // atomic
}

// Free discards any not-yet-delivered result for this submission. Safe to
// call more than once, and safe to call after the result has already been
// delivered (a no-op in that case).
func (h *Handle) Free() {
	atomic.StoreUint32(&h.freed, 1)
}

func (h *Handle) isFreed() bool {
	return atomic.LoadUint32(&h.freed) != 0
}

type job struct {
	fn     WorkFunc
	handle *Handle
	onDone func(interface{})
}

type result struct {
	handle *Handle
	onDone func(interface{})
	value  interface{}
}

// Pool is a fixed-size worker pool. The zero value is not usable; build
// one with New.
type Pool struct {
	sync.WaitGroup

	jobs    *channels.InfiniteChannel
	results *channels.InfiniteChannel
	haltCh  chan struct{}
	log     *logging.Logger
}

// New starts n worker goroutines draining a shared, unbounded job queue.
// n must be positive.
func New(n int, log *logging.Logger) *Pool {
	if n <= 0 {
		panic("workerpool: New requires n > 0")
	}
	p := &Pool{
		jobs:    channels.NewInfiniteChannel(),
		results: channels.NewInfiniteChannel(),
		haltCh:  make(chan struct{}),
		log:     log,
	}
	for i := 0; i < n; i++ {
		p.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues fn for execution on a worker goroutine. Once fn
// returns, its result is queued for delivery; the owner goroutine
// receives it via Pump, which invokes onDone unless the returned Handle
// was freed first. Submit never blocks the caller on fn's execution.
func (p *Pool) Submit(fn WorkFunc, onDone func(interface{})) *Handle {
	h := &Handle{}
	p.jobs.In() <- job{fn: fn, handle: h, onDone: onDone}
	return h
}

func (p *Pool) worker() {
	defer p.Done()
	in := p.jobs.Out()
	for {
		select {
		case <-p.haltCh:
			if p.log != nil {
				p.log.Debugf("workerpool: worker halting")
			}
			return
		case e := <-in:
			j := e.(job)
			v := j.fn()
			p.results.In() <- result{handle: j.handle, onDone: j.onDone, value: v}
		}
	}
}

// Pump runs on the owner goroutine: it drains every result currently
// available and invokes each one's completion callback, unless its
// Handle was freed in the meantime. It returns the number of callbacks
// invoked. Pump never blocks: it only delivers results already queued.
func (p *Pool) Pump() int {
	out := p.results.Out()
	delivered := 0
	for {
		select {
		case e := <-out:
			r := e.(result)
			if !r.handle.isFreed() {
				r.onDone(r.value)
				delivered++
			}
		default:
			return delivered
		}
	}
}

// Halt stops all worker goroutines, waiting for in-flight WorkFuncs to
// return before closing the job and result queues. Any results produced
// by work that was already in flight when Halt was called are dropped
// without delivery.
func (p *Pool) Halt() {
	close(p.haltCh)
	p.Wait()
	p.jobs.Close()
	p.results.Close()
}
