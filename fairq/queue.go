// queue.go - start-time fair queueing with a virtual clock per flow.
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

// Package fairq implements the Fair Packet Queue: a virtual-time weighted
// fair scheduler multiplexing packets from many flows onto one downstream
// PacketPass sink, guaranteeing per-flow fairness, at-most-one in-flight
// packet at the sink, and safe mid-transmission cancellation.
package fairq

import (
	"container/heap"
	"errors"
	"math"

	"github.com/dmagyar/badvpn/internal/dbg"
	"github.com/dmagyar/badvpn/packetpass"
	"github.com/op/go-logging"
)

// MaxTime bounds any flow's virtual time. It is set well below the true
// uint64 ceiling so that a rebase (which only ever subtracts) can never
// itself overflow, and so a single packet's cost can always be added
// safely once Init's precondition holds.
const MaxTime = math.MaxUint64 / 2

// Queue is the Fair Packet Queue scheduler.
type Queue struct {
	output       packetpass.Sender
	useCancel    bool
	packetWeight int

	flows []*Flow
	heap  flowHeap

	sending *Flow
	prev    *Flow // previously-sent flow, retained only for documentation/inspection

	freeing      bool
	nextSeq      uint64
	inOutputSend bool // guards the forbidden-nesting debug assertion

	disp        *packetpass.Dispatcher
	scheduleJob *packetpass.Job

	log *logging.Logger
}

// New constructs a Queue writing to output. packetWeight must be
// positive: it is added to every packet's virtual cost so that even
// zero-length packets advance vt, guaranteeing forward progress and
// preventing a flow of all-empty packets from starving its peers.
func New(output packetpass.Sender, useCancel bool, packetWeight int, log *logging.Logger) (*Queue, error) {
	if packetWeight <= 0 {
		return nil, errors.New("fairq: packet_weight must be > 0")
	}
	if uint64(output.MTU())+uint64(packetWeight) > MaxTime {
		return nil, errors.New("fairq: output.MTU() + packet_weight exceeds MaxTime")
	}
	q := &Queue{
		output:       output,
		useCancel:    useCancel,
		packetWeight: packetWeight,
		log:          log,
	}
	q.disp = &packetpass.Dispatcher{}
	q.scheduleJob = packetpass.NewJob(q.disp, q.trySend)
	output.SetDoneHandler(q.onOutputDone)
	return q, nil
}

// SendingFlow returns the flow currently in flight at the output, or nil
// if none. Intended for owner-context wiring that needs to associate a
// delivered payload with its originating flow (e.g. to route it to the
// right recipient downstream); the scheduler itself never needs this.
func (q *Queue) SendingFlow() *Flow {
	return q.sending
}

// Dispatch drains the queue's deferred scheduling job. The owner context
// must call this once per turn (directly, or via whatever drives its
// Dispatcher) for the scheduler to ever make progress; Queue never calls
// output.Send synchronously from a flow's Send or from output.Done.
func (q *Queue) Dispatch() int {
	return q.disp.Dispatch()
}

// FlowInit attaches f to the queue: vt starts at zero, not queued.
// Must not be called from within an output.Send call.
func (q *Queue) FlowInit(f *Flow) {
	q.assertNotInOutputSend("FlowInit")
	dbg.Assert(f.queue == nil, "fairq: FlowInit on an already-attached flow")
	f.queue = q
	f.vt = 0
	f.queued = false
	f.heapIndex = -1
	f.input = packetpass.NewChannel(q.output.MTU(), func(buf []byte, length int) {
		q.flowSend(f, buf, length)
	})
	q.flows = append(q.flows, f)
}

func (q *Queue) flowFree(f *Flow) {
	q.assertNotInOutputSend("FlowFree")
	dbg.Assert(q.freeing || !f.IsBusy(), "fairq: FlowFree on a busy flow outside freeing state")
	if f.queued {
		heap.Remove(&q.heap, f.heapIndex)
		f.queued = false
	}
	if q.sending == f {
		q.sending = nil
	}
	if q.prev == f {
		q.prev = nil
	}
	for i, fl := range q.flows {
		if fl == f {
			q.flows[i] = q.flows[len(q.flows)-1]
			q.flows = q.flows[:len(q.flows)-1]
			break
		}
	}
	f.queue = nil
	f.busyHandler = nil
}

func (q *Queue) flowRequestCancel(f *Flow) {
	dbg.Assert(q.useCancel, "fairq: RequestCancel on a queue constructed with useCancel=false")
	dbg.Assert(f.IsBusy(), "fairq: RequestCancel on a non-busy flow")
	dbg.Assert(!q.freeing, "fairq: RequestCancel during PrepareFree")
	if q.sending == f {
		q.output.RequestCancel()
	}
	// A queued-but-not-sending flow has nothing in flight downstream to
	// cancel; the request is accepted but has no observable effect.
}

// PrepareFree enters the freeing state: all future output.Send calls are
// suppressed, and flows may be freed regardless of busy status. The
// Queue itself must not be used for further I/O after this call; only
// flow teardown is permitted.
func (q *Queue) PrepareFree() {
	q.freeing = true
}

func (q *Queue) rebase() {
	if len(q.flows) == 0 {
		return
	}
	min := q.flows[0].vt
	for _, fl := range q.flows[1:] {
		if fl.vt < min {
			min = fl.vt
		}
	}
	if min == 0 {
		return
	}
	if q.log != nil {
		q.log.Debugf("fairq: rebasing virtual time by %d across %d flows", min, len(q.flows))
	}
	// Subtracting the same constant from every flow's vt preserves all
	// pairwise comparisons, so the heap's invariant holds without a
	// heap.Fix pass.
	for _, fl := range q.flows {
		fl.vt -= min
	}
}

func (q *Queue) flowSend(f *Flow, buf []byte, length int) {
	dbg.Assert(!f.queued, "fairq: flow Send while already queued")
	cost := uint64(length) + uint64(q.packetWeight)
	if f.vt+cost > MaxTime {
		q.rebase()
	}
	dbg.Assert(f.vt+cost <= MaxTime, "fairq: vt overflow even after rebase (misconfigured packet_weight/mtu)")
	f.vt += cost
	f.payload = buf
	f.payloadLen = length
	f.queued = true
	f.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.heap, f)
	q.scheduleJob.Set()
}

// trySend is the deferred scheduler turn: if the output is idle and the
// queue is not freeing, pop the minimum-vt flow and send its packet.
func (q *Queue) trySend() {
	if q.freeing {
		return
	}
	if q.sending != nil {
		return
	}
	if q.heap.Len() == 0 {
		return
	}
	f := heap.Pop(&q.heap).(*Flow)
	f.queued = false
	q.sending = f
	payload, length := f.payload, f.payloadLen
	f.payload = nil
	q.inOutputSend = true
	q.output.Send(payload, length)
	q.inOutputSend = false
}

// assertNotInOutputSend catches forbidden nesting: FlowInit, FlowFree,
// Flow.IsBusy and Flow.SetBusyHandler must not be invoked from within an
// output.Send call.
func (q *Queue) assertNotInOutputSend(op string) {
	dbg.Assert(!q.inOutputSend, "fairq: %s called reentrantly from within output.Send", op)
}

// onOutputDone is the output channel's completion callback. It fires the
// just-sent flow's busy handler (if armed) and signals the flow's own
// input channel so its producer may send the next packet, then
// re-enters the scheduler via the deferred job — never synchronously, to
// bound stack depth and avoid reentering output.Send from within
// output.Done.
func (q *Queue) onOutputDone() {
	f := q.sending
	q.sending = nil
	if f != nil {
		q.prev = f
		cb := f.busyHandler
		f.busyHandler = nil
		if cb != nil {
			cb()
		}
		if f.input != nil {
			f.input.Done()
		}
	}
	q.scheduleJob.Set()
}
