// decoder.go - the Secure-Protocol Decoder state machine.
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

// Package decoder implements the Secure-Protocol Decoder: an inbound
// datagram pipeline that strips SPProto framing, optionally CBC-decrypts,
// verifies a keyed hash, and checks an OTP replay guard, offloading the
// cryptographic work to a workerpool.Pool while preserving strict
// ordering and backpressure with its single upstream producer.
package decoder

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"math"

	"github.com/dmagyar/badvpn/internal/dbg"
	"github.com/dmagyar/badvpn/otp"
	"github.com/dmagyar/badvpn/packetpass"
	"github.com/dmagyar/badvpn/spproto"
	"github.com/dmagyar/badvpn/workerpool"
	"github.com/op/go-logging"
)

// maxOTPCounter leaves every installed seed's counter effectively
// unbounded; the Guard's exhaustion event still fires for seeds given a
// finite ceiling, which the otp package's own tests exercise.
const maxOTPCounter = math.MaxUint64

// deriveSeedKey folds iv into key via the same keyed-hash primitive used
// for the frame hash sub-field, so seeds sharing a raw key but distinct
// IVs never collide. With no iv, key is used as-is.
func deriveSeedKey(key, iv []byte) []byte {
	if len(iv) == 0 {
		return append([]byte(nil), key...)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(iv)
	return mac.Sum(nil)
}

type state int

const (
	stateIdle state = iota
	stateDecoding
	stateAwaitingOutput
)

// Decoder is the Secure-Protocol Decoder. It owns one input PacketPass
// channel (exposed via GetInput) and drives one output PacketPass sender
// supplied at construction. All methods must be called from the owner
// context; decodeWork is the only logic that runs off it, on the shared
// workerpool.Pool.
type Decoder struct {
	output    packetpass.Sender
	input     *packetpass.Channel
	params    spproto.Params
	outputMTU int

	pool   *workerpool.Pool
	handle *workerpool.Handle
	state  state

	haveKey bool
	encKey  []byte
	hashKey []byte

	otpGuard *otp.Guard

	log *logging.Logger
}

// New constructs a Decoder. If params.HaveOTP, numOTPSeeds must be at
// least 2 (one live seed plus one being provisioned); hashKey may be
// nil when params.HaveHash is false.
func New(output packetpass.Sender, params spproto.Params, numOTPSeeds int, hashKey []byte, pool *workerpool.Pool, log *logging.Logger) (*Decoder, error) {
	if params.HaveOTP && numOTPSeeds < 2 {
		return nil, errors.New("decoder: OTP enabled requires numOTPSeeds >= 2")
	}
	d := &Decoder{
		output:    output,
		params:    params,
		outputMTU: output.MTU(),
		pool:      pool,
		log:       log,
	}
	if params.HaveHash {
		d.hashKey = append([]byte(nil), hashKey...)
	}
	if params.HaveOTP {
		d.otpGuard = otp.New(nil)
	}
	inputMTU := spproto.CarrierMTUForPayloadMTU(params, d.outputMTU)
	d.input = packetpass.NewChannel(inputMTU, d.onInputSend)
	output.SetDoneHandler(d.onOutputDone)
	return d, nil
}

// GetInput returns the PacketPass channel the upstream sends raw SPProto
// frames into.
func (d *Decoder) GetInput() *packetpass.Channel {
	return d.input
}

func (d *Decoder) onInputSend(buf []byte, length int) {
	dbg.Assert(d.state == stateIdle, "decoder: input Send while not idle")

	in := make([]byte, length)
	copy(in, buf[:length])

	wi := workInput{
		in:        in,
		params:    d.params,
		haveKey:   d.haveKey,
		encKey:    d.encKey,
		hashKey:   d.hashKey,
		outputMTU: d.outputMTU,
	}
	// A freshly allocated scratch buffer per submission, rather than one
	// reused buffer on the Decoder: once a worker task is merely
	// "freed" rather than interrupted (rekey can cancel, but not stop,
	// an in-flight decode), a stale worker could still be writing into a
	// shared buffer after a new decode has started into the same one.
	// Per-call allocation sidesteps that race instead of papering over
	// it with a lock.
	scratch := make([]byte, length)

	d.state = stateDecoding
	d.handle = d.pool.Submit(func() interface{} {
		return decodeWork(wi, scratch)
	}, d.onDecodeComplete)
}

func (d *Decoder) onDecodeComplete(v interface{}) {
	d.handle = nil
	res := v.(workResult)

	if res.outLen < 0 {
		d.drop(res.reason)
		return
	}
	if d.params.HaveOTP && !d.otpGuard.Check(res.seedID, res.otpValue) {
		d.drop("OTP replay check failed")
		return
	}

	d.state = stateAwaitingOutput
	d.output.Send(res.out, res.outLen)
}

func (d *Decoder) drop(reason string) {
	if d.log != nil {
		d.log.Warningf("decoder: dropping packet: %s", reason)
	}
	d.state = stateIdle
	d.input.Done()
}

func (d *Decoder) onOutputDone() {
	dbg.Assert(d.state == stateAwaitingOutput, "decoder: output Done while not awaiting-output")
	d.state = stateIdle
	d.input.Done()
}

// cancelInFlight implements the rekey-cancels-decoding transition: while
// decoding, free the worker handle (its eventual result, if any, is
// discarded by workerpool.Pool.Pump) and acknowledge the upstream. A
// packet already in awaiting-output is left alone; it has already
// reached the downstream.
func (d *Decoder) cancelInFlight() {
	if d.state != stateDecoding {
		return
	}
	if d.handle != nil {
		d.handle.Free()
		d.handle = nil
	}
	d.state = stateIdle
	d.input.Done()
}

// SetEncryptionKey installs key as the active encryption key, cloning it.
// Cancels any in-flight decode first, then mutates the key slot: a
// worker goroutine that already captured the old key by value (see
// onInputSend's workInput snapshot) never observes the new one, and its
// result — if it arrives anyway — is discarded because cancelInFlight
// already freed its handle. The mutation happening strictly after the
// cancel is what makes this safe without any shared lock.
func (d *Decoder) SetEncryptionKey(key []byte) {
	d.cancelInFlight()
	d.encKey = append([]byte(nil), key...)
	d.haveKey = true
}

// RemoveEncryptionKey clears the active encryption key, cancelling any
// in-flight decode first (see SetEncryptionKey).
func (d *Decoder) RemoveEncryptionKey() {
	d.cancelInFlight()
	d.haveKey = false
	d.encKey = nil
}

// AddOTPSeed installs (or replaces) the keyed counter state for seedID.
// iv, when non-empty, is mixed into key via the same keyed-hash
// primitive used for the frame hash sub-field, so two seeds sharing a
// raw key but distinct IVs never produce colliding token streams.
func (d *Decoder) AddOTPSeed(seedID uint16, key []byte, iv []byte) {
	dbg.Assert(d.params.HaveOTP, "decoder: AddOTPSeed on a decoder without OTP enabled")
	effectiveKey := deriveSeedKey(key, iv)
	d.otpGuard.AddSeed(seedID, effectiveKey, maxOTPCounter)
}

// RemoveOTPSeeds discards every installed OTP seed.
func (d *Decoder) RemoveOTPSeeds() {
	dbg.Assert(d.params.HaveOTP, "decoder: RemoveOTPSeeds on a decoder without OTP enabled")
	d.otpGuard.RemoveAllSeeds()
}

// SetOTPHandler installs the OTP collaborator's lifecycle handler.
func (d *Decoder) SetOTPHandler(h otp.Handler) {
	dbg.Assert(d.params.HaveOTP, "decoder: SetOTPHandler on a decoder without OTP enabled")
	d.otpGuard.SetHandler(h)
}
