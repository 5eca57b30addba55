// server.go - owner-context wiring for one Fair Packet Queue plus one
// Secure-Protocol Decoder per attached source.
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

// Package server wires the Fair Packet Queue and the Secure-Protocol
// Decoder into a runnable data-plane node: one fairq.Queue multiplexing
// many decoder-fed flows onto one recipient-routing provider, with
// logging, configuration, and persistence. Socket I/O stays outside
// this package: callers push raw frames into a source's decoder input
// and read delivered payloads back out of the spool.
package server

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/op/go-logging"

	"github.com/dmagyar/badvpn/decoder"
	"github.com/dmagyar/badvpn/fairq"
	"github.com/dmagyar/badvpn/server/config"
	"github.com/dmagyar/badvpn/server/recipientdb"
	"github.com/dmagyar/badvpn/server/spool"
	"github.com/dmagyar/badvpn/server/spool/boltspool"
	"github.com/dmagyar/badvpn/spproto"
	"github.com/dmagyar/badvpn/workerpool"
)

const fileMode = 0600

// source bundles one recipient's decoder with the fairq.Flow it feeds.
// Externally, a caller only ever sees the decoder (to push frames and
// drive rekey/OTP operations); the Flow exists purely to let the shared
// Queue schedule this source fairly against every other attached source.
type source struct {
	flow *fairq.Flow
	dec  *decoder.Decoder
}

// Server hosts one Fair Packet Queue and the set of Secure-Protocol
// Decoders multiplexed onto it, plus the recipient database and spool
// the provider persists decoded payloads into. All exported methods
// must be called from the single owner context; Server does not start
// any goroutine of its own beyond the crypto worker pool and the
// scheduler's ticker (see scheduler.go), neither of which ever touches
// Server state directly.
type Server struct {
	cfg *config.Config

	logBackend logging.LeveledBackend
	log        *logging.Logger

	hashKey []byte
	encKey  []byte

	recipients recipientdb.RecipientDB
	spool      spool.Spool

	pool  *workerpool.Pool
	queue *fairq.Queue
	prov  *provider
	sched *scheduler

	sources map[string]*source

	haltOnce sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else if !fi.IsDir() {
		return fmt.Errorf("server: DataDir '%v' is not a directory", d)
	}

	return nil
}

func (s *Server) initLogging() error {
	var f io.Writer
	if s.cfg.Logging.Disable {
		f = ioutil.Discard
	} else if s.cfg.Logging.File == "" {
		f = os.Stdout
	} else {
		p := s.cfg.Logging.File
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
		var err error
		flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
		if f, err = os.OpenFile(p, flags, fileMode); err != nil {
			return fmt.Errorf("server: failed to create log file: %v", err)
		}
	}

	logFmt := logging.MustStringFormatter("%{time:15:04:05.000} %{level:.4s} %{module}: %{message}")
	b := logging.NewLogBackend(f, "", 0)
	bFmt := logging.NewBackendFormatter(b, logFmt)
	bl := logging.AddModuleLevel(bFmt)
	s.logBackend = bl
	s.logBackend.SetLevel(logLevelFromString(s.cfg.Logging.Level), "")
	s.log = s.newLogger("server")
	return nil
}

func (s *Server) newLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(s.logBackend)
	return l
}

// New returns a new Server built from cfg. On any failure past the point
// where resources have been acquired, New unwinds them in reverse order
// before returning the error; no partial resources leak.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.sources = make(map[string]*source)

	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}
	s.log.Noticef("Server identifier is: '%v'", s.cfg.Server.Identifier)

	if err := s.initSecrets(); err != nil {
		s.log.Errorf("Failed to initialize secret keys: %v", err)
		return nil, err
	}

	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	var err error
	if s.recipients, err = recipientdb.New(filepath.Join(cfg.Server.DataDir, "recipients.db")); err != nil {
		s.log.Errorf("Failed to initialize recipient database: %v", err)
		return nil, err
	}
	if s.spool, err = boltspool.New(filepath.Join(cfg.Server.DataDir, "spool.db")); err != nil {
		s.log.Errorf("Failed to initialize spool: %v", err)
		return nil, err
	}

	s.pool = newCryptoWorkerPool(s.newLogger("crypto"))

	s.prov = newProvider(cfg.Decoder.OutputMTU, s.spool, s.recipients, s.newLogger("provider"))
	if s.queue, err = fairq.New(s.prov, cfg.FairQueue.UseCancel, cfg.FairQueue.PacketWeight, s.newLogger("fairq")); err != nil {
		s.log.Errorf("Failed to initialize fair packet queue: %v", err)
		return nil, err
	}
	s.prov.attachQueue(s.queue)

	if cfg.Server.TickIntervalMS > 0 {
		s.sched = newScheduler(s.tick, time.Duration(cfg.Server.TickIntervalMS)*time.Millisecond)
		s.sched.start()
	}

	isOk = true
	return s, nil
}

// AddSource attaches a new Secure-Protocol Decoder, feeding a dedicated
// fairq.Flow, for recipient. The returned Decoder is the caller's handle
// for pushing raw inbound frames (via Decoder.GetInput()) and for
// rekey/OTP-seed operations; recipient must already be registered in the
// recipient database (see Server.Recipients) for delivered payloads to
// reach the spool rather than being silently dropped by the provider.
// A nil hashKey with params.HaveHash set selects the server's own
// persistent hash key (see nodekey.go).
func (s *Server) AddSource(recipient []byte, params spproto.Params, numOTPSeeds int, hashKey []byte) (*decoder.Decoder, error) {
	key := string(recipient)
	if _, exists := s.sources[key]; exists {
		return nil, errors.New("server: source already attached for this recipient")
	}
	if params.HaveHash && hashKey == nil {
		hashKey = s.hashKey
	}

	f := fairq.NewFlow()
	s.queue.FlowInit(f)
	s.prov.RegisterFlow(f, recipient)

	dec, err := decoder.New(f.Input(), params, numOTPSeeds, hashKey, s.pool, s.newLogger("decoder"))
	if err != nil {
		s.prov.UnregisterFlow(f)
		f.Free()
		return nil, fmt.Errorf("server: failed to initialize decoder: %v", err)
	}

	s.sources[key] = &source{flow: f, dec: dec}
	return dec, nil
}

// RemoveSource detaches the source previously attached for recipient. The
// underlying Flow must not be busy; callers that need to tear down a
// source unconditionally should use Shutdown instead, which enters the
// queue's freeing state first.
func (s *Server) RemoveSource(recipient []byte) {
	key := string(recipient)
	src, ok := s.sources[key]
	if !ok {
		return
	}
	delete(s.sources, key)
	s.prov.UnregisterFlow(src.flow)
	src.flow.Free()
}

// Recipients exposes the recipient database so an embedder can register
// valid recipients before routing frames to them via AddSource.
func (s *Server) Recipients() recipientdb.RecipientDB {
	return s.recipients
}

// Spool exposes the decoded-payload spool so an embedder (or a test) can
// read back what the provider has persisted for a recipient.
func (s *Server) Spool() spool.Spool {
	return s.spool
}

// tick drives one owner-context turn: deliver any crypto results that
// finished since the last turn, then let the fair queue's deferred
// scheduler run. Exposed indirectly via the background scheduler
// (scheduler.go); exported as Tick for embedders that want to drive the
// owner context from their own event loop instead.
func (s *Server) tick() {
	s.pool.Pump()
	s.queue.Dispatch()
}

// Tick drives one owner-context turn synchronously. Embedders that
// already run their own event loop (e.g. driving socket I/O) should call
// this once per loop iteration instead of relying on the background
// scheduler; Shutdown stops the background scheduler regardless of
// which driving mode was used.
func (s *Server) Tick() {
	s.tick()
}

// Shutdown cleanly shuts down the Server exactly once.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

func (s *Server) halt() {
	// Stop intake before tearing down the state intake depends on.
	if s.sched != nil {
		s.sched.stop()
		s.sched = nil
	}

	if s.queue != nil {
		s.queue.PrepareFree()
	}
	for key, src := range s.sources {
		delete(s.sources, key)
		if s.prov != nil {
			s.prov.UnregisterFlow(src.flow)
		}
		src.flow.Free()
	}

	if s.pool != nil {
		s.pool.Halt()
		s.pool = nil
	}
	if s.prov != nil {
		// prov.halt() closes the recipient database and spool it was
		// constructed with.
		s.prov.halt()
		s.prov = nil
		s.recipients = nil
		s.spool = nil
	} else {
		// New failed before the provider took ownership; close whatever
		// was already open directly.
		if s.spool != nil {
			s.spool.Close()
			s.spool = nil
		}
		if s.recipients != nil {
			s.recipients.Close()
			s.recipients = nil
		}
	}

	if s.log != nil {
		s.log.Noticef("Shutdown complete.")
	}
}

func logLevelFromString(l string) logging.Level {
	switch l {
	case "ERROR":
		return logging.ERROR
	case "WARNING":
		return logging.WARNING
	case "NOTICE":
		return logging.NOTICE
	case "INFO":
		return logging.INFO
	case "DEBUG":
		return logging.DEBUG
	default:
		panic("BUG: invalid log level (post-validation)")
	}
}

