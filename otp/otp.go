// otp.go - HOTP-style per-seed replay guard.
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

// Package otp implements the one-time-password replay guard SPProto's
// OTP sub-field relies on: a small, keyed, monotonic counter per seed,
// checked against a forward sliding window so packets may arrive
// slightly out of order without either accepting a replay or requiring
// strict in-order delivery.
//
// A Guard is owner-context state: every method is called from decoder's
// single owner goroutine, never from a workerpool goroutine, so it needs
// no internal locking.
package otp

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
)

// WindowSize bounds how far ahead of a seed's next-expected counter an
// incoming value may be while still being accepted, to tolerate modest
// reordering without allowing indefinite replay.
const WindowSize = 32

// Handler receives Guard lifecycle events.
type Handler interface {
	// OnOTPExhausted fires once a seed's counter reaches its configured
	// maximum: the seed can no longer authenticate any packet and should
	// be replaced (RemoveSeed then AddSeed with a fresh key).
	OnOTPExhausted(seedID uint16)
}

type seedState struct {
	key    []byte
	next   uint64 // lowest counter not yet confirmed consumed
	seen   uint32 // bitmap over [next, next+WindowSize): bit i set => next+i consumed
	maxCtr uint64
	done   bool // true once exhausted; further checks always fail
}

// Guard tracks replay state for a set of concurrently-live OTP seeds.
type Guard struct {
	seeds   map[uint16]*seedState
	handler Handler
}

// New returns an empty Guard. handler may be nil.
func New(handler Handler) *Guard {
	return &Guard{seeds: make(map[uint16]*seedState), handler: handler}
}

// SetHandler replaces the lifecycle handler.
func (g *Guard) SetHandler(h Handler) { g.handler = h }

// AddSeed installs (or replaces) the state for seedID, keyed by key. The
// counter starts at zero; counters 0 through maxCounter inclusive are
// accepted, and the seed is exhausted once every one of them has been
// consumed. Pass math.MaxUint64 for "effectively unbounded".
func (g *Guard) AddSeed(seedID uint16, key []byte, maxCounter uint64) {
	k := make([]byte, len(key))
	copy(k, key)
	g.seeds[seedID] = &seedState{key: k, maxCtr: maxCounter}
}

// RemoveSeed discards all state for seedID. Checking an unknown seed
// always fails.
func (g *Guard) RemoveSeed(seedID uint16) {
	delete(g.seeds, seedID)
}

// RemoveAllSeeds discards every seed's state, e.g. on rekey.
func (g *Guard) RemoveAllSeeds() {
	g.seeds = make(map[uint16]*seedState)
}

// token derives the 16-bit OTP value for (key, counter).
func token(key []byte, counter uint64) uint16 {
	var ctrBytes [8]byte
	binary.BigEndian.PutUint64(ctrBytes[:], counter)
	mac := hmac.New(sha256.New, key)
	mac.Write(ctrBytes[:])
	sum := mac.Sum(nil)
	return binary.BigEndian.Uint16(sum[:2])
}

// Check validates value against seedID's counter window. On success, the
// matched counter alone is marked consumed (lower counters it skipped
// past stay acceptable) and the window slides forward past any
// now-leading consumed run; Check returns true. Any other outcome (unknown seed, exhausted seed, no
// counter in the window produces value) returns false and consumes
// nothing.
func (g *Guard) Check(seedID uint16, value uint16) bool {
	s, ok := g.seeds[seedID]
	if !ok || s.done {
		return false
	}

	for i := uint64(0); i < WindowSize; i++ {
		ctr := s.next + i
		if ctr > s.maxCtr {
			break // window would run past the configured counter ceiling
		}
		if s.seen&(1<<uint(i)) != 0 {
			continue // already consumed
		}
		want := token(s.key, ctr)
		if subtle.ConstantTimeCompare(uint16Bytes(want), uint16Bytes(value)) == 1 {
			s.seen |= 1 << uint(i)
			g.slide(s)
			if s.next > s.maxCtr {
				s.done = true
				if g.handler != nil {
					g.handler.OnOTPExhausted(seedID)
				}
			}
			return true
		}
	}
	return false
}

// slide advances s.next past every leading consumed bit, compacting the
// bitmap so the window always starts at the first not-yet-consumed
// counter.
func (g *Guard) slide(s *seedState) {
	for s.seen&1 != 0 {
		s.seen >>= 1
		s.next++
	}
}

func uint16Bytes(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}
