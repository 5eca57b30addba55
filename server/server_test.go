// server_test.go - server lifecycle tests.
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
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmagyar/badvpn/server/config"
	"github.com/dmagyar/badvpn/spproto"
)

const testConfig = `
[Server]
Identifier = "test.example.com"
DataDir = "%s"

[FairQueue]
PacketWeight = 1

[Decoder]
HaveEncryption = true
HaveHash = true
BlockSize = 16
HashSize = 16
OutputMTU = 512

[Logging]
Disable = true
`

func testServer(t *testing.T) (*Server, string) {
	t.Helper()
	datadir, err := ioutil.TempDir("", "badvpn-server-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(datadir) })

	cfg, err := config.Load([]byte(fmt.Sprintf(testConfig, datadir)))
	require.NoError(t, err)

	s, err := New(cfg)
	require.NoError(t, err)
	return s, datadir
}

func TestNewShutdown(t *testing.T) {
	s, datadir := testServer(t)
	s.Shutdown()
	s.Shutdown() // must be idempotent

	for _, fn := range []string{"recipients.db", "spool.db", "hash.private.pem", "encryption.private.pem"} {
		_, err := os.Stat(filepath.Join(datadir, fn))
		require.NoError(t, err, "expected '%v' to exist after Shutdown", fn)
	}
}

func TestSecretsSurviveRestart(t *testing.T) {
	s, datadir := testServer(t)
	hashKey := append([]byte(nil), s.hashKey...)
	encKey := append([]byte(nil), s.EncryptionKey()...)
	require.Len(t, encKey, 16)
	s.Shutdown()

	cfg, err := config.Load([]byte(fmt.Sprintf(testConfig, datadir)))
	require.NoError(t, err)
	s2, err := New(cfg)
	require.NoError(t, err)
	defer s2.Shutdown()

	require.Equal(t, hashKey, s2.hashKey, "hash key must persist across restarts")
	require.Equal(t, encKey, s2.EncryptionKey(), "encryption key must persist across restarts")
}

func TestAddSourceRejectsDuplicate(t *testing.T) {
	s, _ := testServer(t)
	defer s.Shutdown()

	params := spproto.Params{HaveEncryption: true, HaveHash: true, BlockSize: 16, HashSize: 16}
	recipient := []byte("bob")
	_, err := s.AddSource(recipient, params, 0, nil)
	require.NoError(t, err)

	_, err = s.AddSource(recipient, params, 0, nil)
	require.Error(t, err, "second AddSource for the same recipient must fail")
}

func TestAddSourceDefaultsToServerHashKey(t *testing.T) {
	s, _ := testServer(t)
	defer s.Shutdown()

	params := spproto.Params{HaveHash: true, HashSize: 16}
	dec, err := s.AddSource([]byte("carol"), params, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, dec)
}

func TestRemoveSourceAllowsReattach(t *testing.T) {
	s, _ := testServer(t)
	defer s.Shutdown()

	params := spproto.Params{HaveHash: true, HashSize: 16}
	recipient := []byte("dave")
	_, err := s.AddSource(recipient, params, 0, nil)
	require.NoError(t, err)

	s.RemoveSource(recipient)

	_, err = s.AddSource(recipient, params, 0, nil)
	require.NoError(t, err, "reattach after RemoveSource must succeed")
}

func TestAddSourceRejectsBadOTPSeedCount(t *testing.T) {
	s, _ := testServer(t)
	defer s.Shutdown()

	params := spproto.Params{HaveOTP: true}
	_, err := s.AddSource([]byte("eve"), params, 1, nil)
	require.Error(t, err, "OTP with fewer than 2 seeds must fail")
}
