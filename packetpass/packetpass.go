// packetpass.go - push-style one-packet-at-a-time channel.
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

// Package packetpass implements the PacketPass channel: a unidirectional,
// single-packet-in-flight push channel with done-signalling and an
// optional cooperative cancel hint, plus the deferred-job primitive used
// throughout this repository to break reentrancy on the owner context.
package packetpass

import "github.com/dmagyar/badvpn/internal/dbg"

type state int

const (
	idle state = iota
	inFlight
)

// Sender is the producer-facing view of a Channel: Send pushes a packet,
// RequestCancel hints the consumer to abort or hurry the in-flight packet,
// and SetDoneHandler registers the producer's own callback for when the
// consumer signals completion. All three are valid only from the owner
// context.
type Sender interface {
	MTU() int
	Send(buf []byte, length int)
	RequestCancel()
	SetDoneHandler(onDone func())
}

// Channel is the concrete PacketPass implementation. It is constructed by
// the consumer (the side that processes sent packets and eventually calls
// Done), which registers onSend and optionally onCancel. The Channel
// itself (typed as Sender) is then handed to the producer, which may
// register its own onDone completion callback.
type Channel struct {
	mtu       int
	state     state
	onSend    func(buf []byte, length int)
	onCancel  func()
	onDone    func()
	cancelled bool
}

// NewChannel creates a Channel with a fixed mtu. onSend is the consumer's
// entry point, invoked synchronously from Send; it must not block.
func NewChannel(mtu int, onSend func(buf []byte, length int)) *Channel {
	dbg.Assert(mtu > 0, "packetpass: mtu must be positive")
	dbg.Assert(onSend != nil, "packetpass: onSend must not be nil")
	return &Channel{mtu: mtu, onSend: onSend}
}

// SetCancelHandler registers the consumer's optional RequestCancel hint
// handler. It may be left unset; RequestCancel is then a no-op.
func (c *Channel) SetCancelHandler(onCancel func()) {
	c.onCancel = onCancel
}

// MTU returns the fixed maximum packet size accepted by this channel.
func (c *Channel) MTU() int {
	return c.mtu
}

// Send pushes a packet to the consumer. Valid only when idle. buf is
// borrowed by the consumer for the entire in-flight interval, ending at
// the matching Done call.
func (c *Channel) Send(buf []byte, length int) {
	dbg.Assert(c.state == idle, "packetpass: Send called while in-flight")
	dbg.Assert(length >= 0 && length <= c.mtu, "packetpass: length %d exceeds mtu %d", length, c.mtu)
	c.state = inFlight
	c.cancelled = false
	c.onSend(buf, length)
}

// SetDoneHandler registers the producer's completion callback, invoked
// synchronously from Done. Optional: a producer that doesn't need to
// learn of completion (e.g. it's driven by some other signal) may leave
// it unset.
func (c *Channel) SetDoneHandler(onDone func()) {
	c.onDone = onDone
}

// Done is called by the consumer when it has finished with the in-flight
// packet, transitioning the channel back to idle and notifying the
// producer. Safe to call synchronously from within the onSend handler
// (Send-from-Done and Done-from-Send reentrancy is explicitly supported:
// state flips before any callback runs, so a reentrant Send sees the
// correct idle state).
func (c *Channel) Done() {
	dbg.Assert(c.state == inFlight, "packetpass: Done called while idle")
	c.state = idle
	if c.onDone != nil {
		c.onDone()
	}
}

// RequestCancel is an idempotent hint from the producer asking the
// consumer to abort or accelerate completion of the in-flight packet. The
// consumer may ignore it; calling it multiple times, or when idle, has no
// additional effect beyond the first call while in-flight.
func (c *Channel) RequestCancel() {
	if c.state != inFlight || c.cancelled {
		return
	}
	c.cancelled = true
	if c.onCancel != nil {
		c.onCancel()
	}
}

// InFlight reports whether a packet is currently outstanding.
func (c *Channel) InFlight() bool {
	return c.state == inFlight
}
