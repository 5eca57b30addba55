// recipientdb.go - BoltDB backed recipient database.
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

// Package recipientdb implements the server's recipient database: the set
// of recipient names a decoded payload may be routed to, each bound to a
// shared-secret delivery token compared in constant time. There is no
// connection or key-exchange layer here; token provisioning is the
// embedder's problem.
package recipientdb

import (
	"crypto/subtle"
	"fmt"

	bolt "github.com/coreos/bbolt"
)

// MaxRecipientSize bounds a recipient name's length.
const MaxRecipientSize = 64

const (
	metadataBucket   = "metadata"
	recipientsBucket = "recipients"
	versionKey       = "version"
)

// RecipientDB is the interface provided by the recipient database.
type RecipientDB interface {
	// IsValid reports whether recipient is known and token matches its
	// stored shared secret.
	IsValid(recipient, token []byte) bool

	// Exists reports whether recipient is a known recipient, regardless
	// of token.
	Exists(recipient []byte) bool

	// Add registers (or updates) recipient with the given shared secret
	// token.
	Add(recipient, token []byte) error

	// Close closes the RecipientDB instance.
	Close()
}

type boltRecipientDB struct {
	db *bolt.DB
}

func (d *boltRecipientDB) IsValid(recipient, token []byte) bool {
	if len(recipient) == 0 || len(recipient) > MaxRecipientSize || token == nil {
		return false
	}

	isValid := false
	if err := d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(recipientsBucket))
		if bkt == nil {
			panic("BUG: recipientdb: `recipients` bucket is missing")
		}
		stored := bkt.Get(recipient)
		if stored != nil {
			isValid = subtle.ConstantTimeCompare(stored, token) == 1
		}
		return nil
	}); err != nil {
		return false
	}
	return isValid
}

func (d *boltRecipientDB) Exists(recipient []byte) bool {
	exists := false
	d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(recipientsBucket))
		if bkt == nil {
			panic("BUG: recipientdb: `recipients` bucket is missing")
		}
		exists = bkt.Get(recipient) != nil
		return nil
	})
	return exists
}

func (d *boltRecipientDB) Add(recipient, token []byte) error {
	if len(recipient) == 0 || len(recipient) > MaxRecipientSize {
		return fmt.Errorf("recipientdb: invalid recipient: `%v`", recipient)
	}
	if len(token) == 0 {
		return fmt.Errorf("recipientdb: must provide a token")
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(recipientsBucket))
		if bkt == nil {
			panic("BUG: recipientdb: `recipients` bucket is missing")
		}
		return bkt.Put(recipient, token)
	})
}

func (d *boltRecipientDB) Close() {
	d.db.Sync()
	d.db.Close()
}

// New creates (or loads) a recipient database with the given file name f.
func New(f string) (RecipientDB, error) {
	d := new(boltRecipientDB)
	var err error
	d.db, err = bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = d.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(recipientsBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("recipientdb: incompatible version: %d", uint(b[0]))
			}
			return nil
		}

		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		d.db.Close()
		return nil, err
	}

	return d, nil
}
