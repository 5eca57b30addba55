// nodekey.go - server secret key store.
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
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
)

// loadOrGenerateKey deserializes a PEM encoded symmetric key from fn, or
// generates a fresh size-byte key and persists it there first if no file
// exists yet. Restarting a server against the same DataDir therefore
// always yields the same key material.
func loadOrGenerateKey(fn, keyType string, size int) ([]byte, error) {
	if buf, err := ioutil.ReadFile(fn); err == nil {
		blk, rest := pem.Decode(buf)
		if blk == nil {
			return nil, fmt.Errorf("server: failed to decode PEM in '%v'", fn)
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("server: trailing garbage after key in '%v'", fn)
		}
		if blk.Type != keyType {
			return nil, fmt.Errorf("server: invalid PEM Type: '%v'", blk.Type)
		}
		if len(blk.Bytes) != size {
			return nil, fmt.Errorf("server: key in '%v' has size %d, expected %d", fn, len(blk.Bytes), size)
		}
		return blk.Bytes, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	k := make([]byte, size)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	blk := &pem.Block{
		Type:  keyType,
		Bytes: k,
	}
	if err := ioutil.WriteFile(fn, pem.EncodeToMemory(blk), fileMode); err != nil {
		return nil, err
	}
	return k, nil
}

// initSecrets loads (or generates) the SPProto secrets implied by the
// [Decoder] configuration: the keyed-hash key when hashing is enabled,
// and the block-cipher key when encryption is enabled. Sources attached
// without explicit key material fall back to these.
func (s *Server) initSecrets() error {
	const (
		hashKeyFile = "hash.private.pem"
		hashKeyType = "SPPROTO HASH KEY"
		hashKeySize = 32

		encKeyFile = "encryption.private.pem"
		encKeyType = "SPPROTO ENCRYPTION KEY"
	)

	var err error
	if s.cfg.Decoder.HaveHash {
		fn := filepath.Join(s.cfg.Server.DataDir, hashKeyFile)
		if s.hashKey, err = loadOrGenerateKey(fn, hashKeyType, hashKeySize); err != nil {
			return err
		}
	}
	if s.cfg.Decoder.HaveEncryption {
		fn := filepath.Join(s.cfg.Server.DataDir, encKeyFile)
		if s.encKey, err = loadOrGenerateKey(fn, encKeyType, s.cfg.Decoder.BlockSize); err != nil {
			return err
		}
	}
	return nil
}

// EncryptionKey returns the server's persistent block-cipher key, or nil
// when encryption is not configured. Callers install it into a source's
// decoder via Decoder.SetEncryptionKey; the server never does so itself,
// since rekeying is an owner-context decision the embedder drives.
func (s *Server) EncryptionKey() []byte {
	return s.encKey
}
