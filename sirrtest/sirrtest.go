// Copyright (c) Carabiner Systems, Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package sirrtest provides constructors to simplify standing up a
// Sirr store and HTTP server for unit tests.
//
// # Usage
//
//	st := sirrtest.NewStore(t)
//	st.MustPut("name", "value")
//
//	srv := sirrtest.NewServer(t, st, nil)
//	hs := httptest.NewServer(srv.Mux)
package sirrtest

import (
	"net/http"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/carabiner-dev/sirr/audit"
	"github.com/carabiner-dev/sirr/crypto"
	"github.com/carabiner-dev/sirr/db"
	"github.com/carabiner-dev/sirr/license"
	"github.com/carabiner-dev/sirr/server"
	"github.com/carabiner-dev/sirr/webhook"
)

// Store wraps a db.Store to simplify test setup.
type Store struct {
	t      *testing.T
	Path   string
	Key    *crypto.Key
	Actual *db.Store
}

// NewStore constructs a new empty Store backed by a temp-dir database
// file. It is cleaned up automatically when t ends.
func NewStore(t *testing.T) *Store {
	t.Helper()

	raw, err := crypto.GenerateRawKey()
	if err != nil {
		t.Fatalf("generating test master key: %v", err)
	}
	key, err := crypto.NewKey(raw, 1)
	if err != nil {
		t.Fatalf("wrapping test master key: %v", err)
	}
	t.Cleanup(key.Close)

	path := filepath.Join(t.TempDir(), "sirrtest.db")
	bdb, err := db.OpenFile(path)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { bdb.Close() })

	store, err := db.NewStore(bdb, key, zerolog.Nop())
	if err != nil {
		t.Fatalf("constructing test store: %v", err)
	}
	return &Store{t: t, Path: path, Key: key, Actual: store}
}

// MustPut writes a secret or fails the test.
func (s *Store) MustPut(name, value string) {
	s.t.Helper()
	if _, err := s.Actual.Put(name, db.PutParams{Value: []byte(value)}); err != nil {
		s.t.Fatalf("Put %q=%q failed: %v", name, value, err)
	}
}

// Server wraps a server.Server for tests.
type Server struct {
	Actual *server.Server
	Mux    *http.ServeMux
}

// ServerOptions configures NewServer. A nil *ServerOptions is ready
// for use and provides discard-everything defaults.
type ServerOptions struct {
	APIKey              string
	RedactAuditKeys     bool
	PerSecretSigningKey string
	AllowedOrigins      []string
	// WebhookHTTPClient overrides the registry's outbound HTTP client,
	// for tests delivering to an httptest.NewTLSServer.
	WebhookHTTPClient *http.Client
}

// NewServer constructs a Server wired to store, with an audit log and
// a webhook registry opened on store's database file. Webhook URLs are
// permitted only under opts.AllowedOrigins, so with nil opts webhook
// registration is closed.
func NewServer(t *testing.T, store *Store, opts *ServerOptions) *Server {
	t.Helper()
	if opts == nil {
		opts = &ServerOptions{}
	}

	auditLog, err := audit.Open(store.Actual.Bolt(), zerolog.Nop())
	if err != nil {
		t.Fatalf("opening test audit log: %v", err)
	}
	webhooks, err := webhook.Open(store.Actual.Bolt(), opts.AllowedOrigins, opts.PerSecretSigningKey, zerolog.Nop())
	if err != nil {
		t.Fatalf("opening test webhook registry: %v", err)
	}
	if opts.WebhookHTTPClient != nil {
		webhooks.SetHTTPClient(opts.WebhookHTTPClient)
	}

	mux := http.NewServeMux()
	actual := server.New(server.Config{
		Store:           store.Actual,
		Audit:           auditLog,
		Webhooks:        webhooks,
		License:         license.New("", nil),
		Mux:             mux,
		APIKey:          opts.APIKey,
		RedactAuditKeys: opts.RedactAuditKeys,
		InstanceID:      "test-instance",
		Log:             zerolog.Nop(),
	})
	return &Server{Actual: actual, Mux: mux}
}
