// spool.go - decoded payload spool abstract interface.
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

// Package spool defines the abstract interface for persisting decoded
// payloads delivered through the fair queue, keyed by recipient. It is
// a plain FIFO message store; there is no reply or acknowledgement
// concept at this layer.
package spool

// Spool is the interface provided by all decoded-payload spool
// implementations.
type Spool interface {
	// StoreMessage appends msg to recipient's spool.
	StoreMessage(recipient, msg []byte) error

	// Get returns the first entry in recipient's spool and, if advance
	// is set, removes that entry. A nil msg with a nil error means the
	// spool is empty.
	Get(recipient []byte, advance bool) (msg []byte, err error)

	// Close closes the Spool instance.
	Close()
}
