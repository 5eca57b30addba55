// config.go - server configuration.
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

// Package config implements the TOML configuration format consumed by
// server.New.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"

	"github.com/BurntSushi/toml"
)

// Server holds the top level identity and addressing options.
type Server struct {
	// DataDir is the absolute path to the server's persistent state
	// directory (recipient database, spool).
	DataDir string

	// Identifier is a human readable name for this instance, used only
	// in log output.
	Identifier string

	// Addresses lists the endpoints an embedder's listener should bind.
	// This package does not open sockets itself; embedders that wire up
	// a listener read the addresses to bind from here.
	Addresses []string

	// TickIntervalMS, when positive, starts a background goroutine that
	// drives the owner context (pumping the crypto worker pool and the
	// fair queue's deferred scheduler) on this interval. Leave it zero
	// when the embedder already runs its own event loop around socket
	// I/O and will call Server.Tick itself once per iteration instead.
	// The two drivers must never be used at once; the owner context has
	// to stay a single execution context.
	TickIntervalMS int
}

// FairQueue configures the Fair Packet Queue scheduler.
type FairQueue struct {
	// PacketWeight is the fixed per-packet virtual-time cost added on
	// top of each packet's length. Must be positive.
	PacketWeight int

	// UseCancel enables the queue's cooperative cancellation path
	// (Flow.RequestCancel forwarded to the output's RequestCancel).
	UseCancel bool
}

// Decoder configures the Secure-Protocol Decoder's wire parameters.
type Decoder struct {
	HaveEncryption bool
	HaveHash       bool
	HaveOTP        bool

	BlockSize int
	HashSize  int

	// NumOTPSeeds is the number of OTP seeds the decoder is provisioned
	// for; ignored unless HaveOTP is set, where it must be >= 2.
	NumOTPSeeds int

	// OutputMTU bounds the decoded payload size handed to the provider.
	OutputMTU int
}

// Logging configures the server's go-logging backend.
type Logging struct {
	Disable bool
	File    string
	Level   string
}

// Config is the root server configuration.
type Config struct {
	Server    Server
	FairQueue FairQueue
	Decoder   Decoder
	Logging   Logging
}

func (c *Config) validate() error {
	if c.Server.DataDir == "" {
		return errors.New("config: Server.DataDir is not set")
	}
	if c.Server.Identifier == "" {
		return errors.New("config: Server.Identifier is not set")
	}
	if c.FairQueue.PacketWeight <= 0 {
		return errors.New("config: FairQueue.PacketWeight must be > 0")
	}
	if c.Decoder.HaveEncryption && c.Decoder.BlockSize <= 0 {
		return errors.New("config: Decoder.BlockSize must be > 0 when HaveEncryption is set")
	}
	if c.Decoder.HaveHash && c.Decoder.HashSize <= 0 {
		return errors.New("config: Decoder.HashSize must be > 0 when HaveHash is set")
	}
	if c.Decoder.HaveOTP && c.Decoder.NumOTPSeeds < 2 {
		return errors.New("config: Decoder.NumOTPSeeds must be >= 2 when HaveOTP is set")
	}
	if c.Decoder.OutputMTU <= 0 {
		return errors.New("config: Decoder.OutputMTU must be > 0")
	}
	switch c.Logging.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	default:
		return fmt.Errorf("config: invalid Logging.Level: '%v'", c.Logging.Level)
	}
	return nil
}

// Load parses a Config from raw TOML bytes, applying defaults to any
// unset field that has a sane zero-value-incompatible default, then
// validates the result.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: malformed TOML: %v", err)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "NOTICE"
	}
	if cfg.Decoder.OutputMTU == 0 {
		cfg.Decoder.OutputMTU = 1500
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads and parses a Config from the TOML file at path.
func LoadFile(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read '%v': %v", path, err)
	}
	return Load(b)
}
