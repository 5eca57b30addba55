// frame.go - byte-level header encode/decode for SPProto frames.
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

package spproto

import "encoding/binary"

// Header is the parsed form of a frame's header region (the OTP and hash
// sub-fields), decoupled from the surrounding IV/payload/padding that
// decoder handles directly against the frame buffer.
type Header struct {
	HaveOTP  bool
	SeedID   uint16
	OTPValue uint16

	HaveHash bool
	Hash     []byte // length == Params.HashSize
}

// PutHeader writes h into dst[0:p.HeaderLen()] per p's layout. dst must be
// at least p.HeaderLen() bytes. The hash sub-field is written verbatim
// from h.Hash (zero-fill it before computing a keyed hash over the
// frame).
func PutHeader(dst []byte, p Params, h Header) {
	off := 0
	if p.HaveOTP {
		binary.LittleEndian.PutUint16(dst[off:], h.SeedID)
		binary.LittleEndian.PutUint16(dst[off+OTPSeedIDSize:], h.OTPValue)
		off += OTPLen
	}
	if p.HaveHash {
		copy(dst[off:off+p.HashSize], h.Hash)
	}
}

// ParseHeader reads the header region out of src per p's layout. src must
// be at least p.HeaderLen() bytes; ParseHeader does not validate src's
// length, callers are expected to have already checked the frame is at
// least HeaderLen() bytes long.
func ParseHeader(src []byte, p Params) Header {
	var h Header
	off := 0
	if p.HaveOTP {
		h.HaveOTP = true
		h.SeedID = binary.LittleEndian.Uint16(src[off:])
		h.OTPValue = binary.LittleEndian.Uint16(src[off+OTPSeedIDSize:])
		off += OTPLen
	}
	if p.HaveHash {
		h.HaveHash = true
		h.Hash = make([]byte, p.HashSize)
		copy(h.Hash, src[off:off+p.HashSize])
	}
	return h
}

// ZeroHashField zeroes the hash sub-field in place within buf, which must
// be a full frame (or at least header-length prefix) laid out per p. The
// hash sub-field must hold zeroes while the frame's keyed hash is
// computed; callers restore the original bytes afterwards.
func ZeroHashField(buf []byte, p Params) {
	if !p.HaveHash {
		return
	}
	off := p.HashOffset()
	for i := 0; i < p.HashSize; i++ {
		buf[off+i] = 0
	}
}
