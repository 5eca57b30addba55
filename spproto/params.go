// params.go - SPProto negotiated parameters and MTU/header math.
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

// Package spproto defines the SPProto frame byte layout: header offsets,
// the OTP and hash sub-fields, and the MTU arithmetic relating a carried
// (wire) packet's size to its payload size. It has no I/O of its own;
// decoder builds on it to implement the Secure-Protocol Decoder.
package spproto

// OTPSeedIDSize and OTPValueSize are the wire widths of the OTP
// sub-field.
const (
	OTPSeedIDSize = 2 // uint16, little-endian
	OTPValueSize  = 2 // uint16, little-endian
	OTPLen        = OTPSeedIDSize + OTPValueSize
)

// Params are the negotiated security parameters for one decoder/encoder
// pair. A zero Params value means no encryption, no hash, no OTP.
type Params struct {
	HaveEncryption bool
	HaveHash       bool
	HaveOTP        bool

	// BlockSize is the cipher block size in bytes; required when
	// HaveEncryption is set (CBC mode is always used, see decoder).
	BlockSize int

	// HashSize is the width, in bytes, of the hash sub-field and of the
	// keyed-hash tag computed over the frame. Required when HaveHash is
	// set.
	HashSize int
}

// HeaderLen returns the total size of the header region (OTP sub-field
// plus hash sub-field). The OTP sub-field always precedes the hash
// sub-field when both are present.
func (p Params) HeaderLen() int {
	n := 0
	if p.HaveOTP {
		n += OTPLen
	}
	if p.HaveHash {
		n += p.HashSize
	}
	return n
}

// OTPOffset returns the byte offset of the OTP sub-field within the
// header, or -1 if OTP is not enabled. The OTP sub-field is always first.
func (p Params) OTPOffset() int {
	if !p.HaveOTP {
		return -1
	}
	return 0
}

// HashOffset returns the byte offset of the hash sub-field within the
// header, or -1 if hashing is not enabled.
func (p Params) HashOffset() int {
	if !p.HaveHash {
		return -1
	}
	off := 0
	if p.HaveOTP {
		off += OTPLen
	}
	return off
}

// AlignUp rounds n up to the next multiple of to. to must be positive.
func AlignUp(n, to int) int {
	if to <= 0 {
		panic("spproto: AlignUp: to must be positive")
	}
	r := n % to
	if r == 0 {
		return n
	}
	return n + (to - r)
}

// CarrierMTUForPayloadMTU returns the largest wire-frame size needed to
// carry a payload of up to payloadMTU bytes under params:
//
//	base = header_len + payload_mtu
//	encryption: block_size + align_up(base + 1, block_size)
//	no encryption: base
func CarrierMTUForPayloadMTU(p Params, payloadMTU int) int {
	base := p.HeaderLen() + payloadMTU
	if !p.HaveEncryption {
		return base
	}
	return p.BlockSize + AlignUp(base+1, p.BlockSize)
}
