// cryptoworker.go - crypto worker pool construction.
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
	"runtime"

	"github.com/op/go-logging"

	"github.com/dmagyar/badvpn/workerpool"
)

// newCryptoWorkerPool builds the workerpool.Pool every attached
// decoder offloads its decode work to, sized to the machine. The pool
// carries no key material of its own; each submission captures the
// keys it needs, so there is nothing for the server to push into the
// pool after construction.
func newCryptoWorkerPool(log *logging.Logger) *workerpool.Pool {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return workerpool.New(n, log)
}
