// provider.go - the FPQ output multiplexer.
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

package server

import (
	"github.com/op/go-logging"

	"github.com/dmagyar/badvpn/fairq"
	"github.com/dmagyar/badvpn/internal/dbg"
	"github.com/dmagyar/badvpn/server/recipientdb"
	"github.com/dmagyar/badvpn/server/spool"
)

// provider is the single downstream packetpass.Sender a fairq.Queue is
// constructed with: the terminal delivery stage that persists each
// decoded payload to its recipient's spool. Because fairq.Queue
// multiplexes many flows onto one Sender, provider tracks which
// recipient each attached Flow belongs to so Send can route the
// delivered bytes correctly (see fairq.Queue.SendingFlow).
type provider struct {
	queue      *fairq.Queue
	mtu        int
	spool      spool.Spool
	recipients recipientdb.RecipientDB
	log        *logging.Logger

	onDone func()

	flowRecipient map[*fairq.Flow][]byte
}

// newProvider constructs a provider. Its queue field is filled in by
// attachQueue once the fairq.Queue that owns it has been constructed
// (fairq.New requires a Sender up front, so the two are wired together
// in two steps rather than one).
func newProvider(mtu int, sp spool.Spool, recipients recipientdb.RecipientDB, log *logging.Logger) *provider {
	return &provider{
		mtu:           mtu,
		spool:         sp,
		recipients:    recipients,
		log:           log,
		flowRecipient: make(map[*fairq.Flow][]byte),
	}
}

func (p *provider) attachQueue(q *fairq.Queue) {
	p.queue = q
}

// RegisterFlow records which recipient a Flow delivers to. Must be
// called once after fairq.Queue.FlowInit and before the flow sends
// anything.
func (p *provider) RegisterFlow(f *fairq.Flow, recipient []byte) {
	p.flowRecipient[f] = append([]byte(nil), recipient...)
}

// UnregisterFlow discards the recipient association for f. Must be
// called after the flow has been freed from the queue.
func (p *provider) UnregisterFlow(f *fairq.Flow) {
	delete(p.flowRecipient, f)
}

func (p *provider) MTU() int { return p.mtu }

// Send is the fairq.Queue's output entry point: exactly one packet is
// ever in flight here at a time (the queue's own invariant), so no
// locking is needed to look up the sending flow's recipient.
func (p *provider) Send(buf []byte, length int) {
	f := p.queue.SendingFlow()
	dbg.Assert(f != nil, "provider: Send with no sending flow")
	recipient, ok := p.flowRecipient[f]
	if !ok {
		p.log.Warningf("provider: dropping packet for unregistered flow")
		p.finish()
		return
	}
	if !p.recipients.Exists(recipient) {
		p.log.Debugf("provider: dropping packet for unknown recipient '%s'", recipient)
		p.finish()
		return
	}

	msg := append([]byte(nil), buf[:length]...)
	if err := p.spool.StoreMessage(recipient, msg); err != nil {
		p.log.Warningf("provider: failed to store message for '%s': %v", recipient, err)
	}
	p.finish()
}

func (p *provider) finish() {
	if p.onDone != nil {
		p.onDone()
	}
}

// RequestCancel is a no-op: provider is a terminal, synchronous sink, so
// there is never anything in flight worth cancelling by the time a
// cancel hint could arrive.
func (p *provider) RequestCancel() {}

func (p *provider) SetDoneHandler(f func()) {
	p.onDone = f
}

func (p *provider) halt() {
	if p.spool != nil {
		p.spool.Close()
		p.spool = nil
	}
	if p.recipients != nil {
		p.recipients.Close()
		p.recipients = nil
	}
}
