// workfunc.go - the Secure-Protocol Decoder's pure decode algorithm.
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

package decoder

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"

	"github.com/dmagyar/badvpn/spproto"
)

// workInput is the read-only snapshot handed to decodeWork. Every field
// is either copied or, for the key slices, captured by value from a
// variable the owner context only ever reassigns (never mutates in
// place) — so decodeWork never observes a torn or concurrently-mutated
// key, without needing any lock. See decoder.go's onInputSend for where
// this snapshot is built.
type workInput struct {
	in        []byte
	params    spproto.Params
	haveKey   bool
	encKey    []byte
	hashKey   []byte
	outputMTU int
}

// workResult is decodeWork's outcome, captured for delivery back to the
// owner context.
type workResult struct {
	out      []byte
	outLen   int // -1 means rejected
	seedID   uint16
	otpValue uint16
	reason   string
}

func reject(reason string) workResult {
	return workResult{outLen: -1, reason: reason}
}

// decodeWork strips the frame: CBC-decrypt and unpad (if encryption),
// bounds-check against the header and output MTU, capture the OTP
// sub-field, verify the keyed hash. It touches no Decoder state:
// everything it needs arrives in in, and its
// only mutable working space is scratch plus, when encryption is off,
// the private copy in in.in (whose hash sub-field is zeroed and then
// restored); the caller guarantees neither is touched by anything else
// until the result is delivered.
func decodeWork(in workInput, scratch []byte) workResult {
	p := in.params
	plain := in.in
	plainLen := len(plain)

	if p.HaveEncryption {
		bs := p.BlockSize
		inLen := len(in.in)
		if inLen == 0 || inLen%bs != 0 {
			return reject("ciphertext length not a positive multiple of block size")
		}
		if inLen < bs {
			return reject("ciphertext too short to contain an IV")
		}
		if !in.haveKey {
			return reject("no encryption key set")
		}
		iv := make([]byte, bs)
		copy(iv, in.in[:bs])
		ciphertext := in.in[bs:]
		decLen := len(ciphertext)
		if decLen < bs {
			return reject("decrypted payload shorter than one block")
		}

		block, err := aes.NewCipher(in.encKey)
		if err != nil {
			return reject("invalid encryption key")
		}
		dec := cipher.NewCBCDecrypter(block, iv)
		dec.CryptBlocks(scratch[:decLen], ciphertext)

		lastBlock := scratch[decLen-bs : decLen]
		i := bs - 1
		for i >= 0 && lastBlock[i] == 0x00 {
			i--
		}
		if i < 0 {
			return reject("padding block is all zero, no terminator")
		}
		if lastBlock[i] != 0x01 {
			return reject("padding terminator is not 0x01")
		}
		plainLen = decLen - bs + i
		plain = scratch[:plainLen]
	}

	headerLen := p.HeaderLen()
	if plainLen < headerLen {
		return reject("plaintext shorter than header")
	}
	if plainLen-headerLen > in.outputMTU {
		return reject("payload exceeds output MTU")
	}

	var seedID, otpValue uint16
	if p.HaveOTP {
		h := spproto.ParseHeader(plain, p)
		seedID = h.SeedID
		otpValue = h.OTPValue
	}

	if p.HaveHash {
		off := p.HashOffset()
		sz := p.HashSize
		orig := make([]byte, sz)
		copy(orig, plain[off:off+sz])
		spproto.ZeroHashField(plain, p)

		mac := hmac.New(sha256.New, in.hashKey)
		mac.Write(plain[:plainLen])
		sum := mac.Sum(nil)[:sz]

		copy(plain[off:off+sz], orig)

		if subtle.ConstantTimeCompare(sum, orig) != 1 {
			return reject("header hash mismatch")
		}
	}

	out := plain[headerLen:plainLen]
	return workResult{out: out, outLen: len(out), seedID: seedID, otpValue: otpValue}
}
