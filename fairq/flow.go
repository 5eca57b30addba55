// flow.go - a single logical flow multiplexed through a Queue.
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

package fairq

import "github.com/dmagyar/badvpn/packetpass"

// Flow is one logical sub-stream multiplexed through a Queue. A Flow is
// externally owned; it registers itself with a Queue via FlowInit and
// deregisters via Free. The zero value is an unattached Flow ready for
// FlowInit.
type Flow struct {
	queue *Queue // non-owning back-reference; nil when unattached

	vt     uint64 // virtual time, advanced by L+packet_weight per packet
	seq    uint64 // insertion tie-break, assigned when enqueued
	queued bool
	payload    []byte
	payloadLen int

	heapIndex int // position in the queue's heap, -1 when not queued

	input       *packetpass.Channel
	busyHandler func()
}

// NewFlow returns an unattached Flow. Call (*Queue).FlowInit to attach it
// before use.
func NewFlow() *Flow {
	return &Flow{heapIndex: -1}
}

// Input returns the PacketPass channel a producer sends packets into.
// Valid only once attached via FlowInit.
func (f *Flow) Input() *packetpass.Channel {
	return f.input
}

// IsBusy reports whether the flow has a packet queued, or is the flow
// currently in flight at the queue's output.
func (f *Flow) IsBusy() bool {
	if f.queue != nil {
		f.queue.assertNotInOutputSend("Flow.IsBusy")
	}
	return f.queued || (f.queue != nil && f.queue.sending == f)
}

// SetBusyHandler arms cb to fire exactly once, asynchronously, the next
// time this flow transitions from busy to not-busy, before any re-queue.
// If the flow is already not busy, cb is simply remembered for the next
// such transition; it is not fired eagerly.
func (f *Flow) SetBusyHandler(cb func()) {
	if f.queue != nil {
		f.queue.assertNotInOutputSend("Flow.SetBusyHandler")
	}
	f.busyHandler = cb
}

// RequestCancel forwards a cancellation hint to the queue's output iff
// this flow is the one currently sending. Requires the owning queue to
// have been constructed with useCancel, and the flow to be busy.
func (f *Flow) RequestCancel() {
	f.queue.flowRequestCancel(f)
}

// Free detaches the flow from its queue. Valid when the flow is not busy,
// or when the queue has entered its freeing state (see Queue.PrepareFree).
func (f *Flow) Free() {
	f.queue.flowFree(f)
}
