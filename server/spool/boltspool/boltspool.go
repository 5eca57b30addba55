// boltspool.go - BoltDB backed decoded-payload spool.
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

// Package boltspool implements the decoded-payload spool with a bbolt
// backend, one nested bucket per recipient holding FIFO-ordered messages
// keyed by an auto-incrementing sequence number.
package boltspool

import (
	"encoding/binary"
	"fmt"

	bolt "github.com/coreos/bbolt"

	"github.com/dmagyar/badvpn/server/spool"
)

const (
	metadataBucket = "metadata"
	messagesBucket = "messages"
	versionKey     = "version"
)

type boltSpool struct {
	db *bolt.DB
}

func (s *boltSpool) StoreMessage(recipient, msg []byte) error {
	if len(recipient) == 0 {
		return fmt.Errorf("spool: invalid recipient")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket([]byte(messagesBucket))
		if top == nil {
			panic("BUG: spool: `messages` bucket is missing")
		}
		bkt, err := top.CreateBucketIfNotExists(recipient)
		if err != nil {
			return err
		}
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bkt.Put(key[:], msg)
	})
}

func (s *boltSpool) Get(recipient []byte, advance bool) (msg []byte, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket([]byte(messagesBucket))
		if top == nil {
			panic("BUG: spool: `messages` bucket is missing")
		}
		bkt := top.Bucket(recipient)
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		msg = append([]byte(nil), v...)
		if advance {
			return bkt.Delete(k)
		}
		return nil
	})
	return msg, err
}

func (s *boltSpool) Close() {
	s.db.Sync()
	s.db.Close()
}

// New creates (or loads) a decoded-payload spool backed by the bbolt
// database at file name f.
func New(f string) (spool.Spool, error) {
	s := new(boltSpool)
	var err error
	s.db, err = bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(messagesBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("spool: incompatible version: %d", uint(b[0]))
			}
			return nil
		}

		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		s.db.Close()
		return nil, err
	}

	return s, nil
}
