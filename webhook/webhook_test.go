// Copyright (c) Carabiner Systems, Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/carabiner-dev/sirr/webhook"
)

func newRegistry(t *testing.T, allowed []string) *webhook.Registry {
	t.Helper()
	return newRegistryWithSigningKey(t, allowed, "")
}

func newRegistryWithSigningKey(t *testing.T, allowed []string, perSecretSigningKey string) *webhook.Registry {
	t.Helper()
	bdb, err := bbolt.Open(filepath.Join(t.TempDir(), "webhooks.db"), 0600, nil)
	if err != nil {
		t.Fatalf("bbolt.Open: %v", err)
	}
	t.Cleanup(func() { bdb.Close() })

	reg, err := webhook.Open(bdb, allowed, perSecretSigningKey, zerolog.Nop())
	if err != nil {
		t.Fatalf("webhook.Open: %v", err)
	}
	return reg
}

func TestValidateURLRejectsHTTP(t *testing.T) {
	reg := newRegistry(t, []string{"https://hooks.example.com"})
	if err := reg.ValidateURL("http://hooks.example.com/x"); err == nil {
		t.Fatal("http:// URL accepted, want rejected")
	}
}

func TestValidateURLRejectsPrivateIP(t *testing.T) {
	reg := newRegistry(t, []string{"https://169.254.169.254"})
	if err := reg.ValidateURL("https://169.254.169.254/meta"); err == nil {
		t.Fatal("link-local IP accepted, want rejected")
	}
}

func TestValidateURLRejectsEmptyAllowlist(t *testing.T) {
	reg := newRegistry(t, nil)
	if err := reg.ValidateURL("https://hooks.example.com/x"); err == nil {
		t.Fatal("URL accepted with empty allowlist, want rejected")
	}
}

func TestValidateURLAcceptsAllowlistedOrigin(t *testing.T) {
	reg := newRegistry(t, []string{"https://hooks.example.com"})
	if err := reg.ValidateURL("https://hooks.example.com/x"); err != nil {
		t.Fatalf("allowlisted URL rejected: %v", err)
	}
}

func TestValidateURLRejectsNonMatchingOrigin(t *testing.T) {
	reg := newRegistry(t, []string{"https://hooks.example.com"})
	if err := reg.ValidateURL("https://evil.example.com/x"); err == nil {
		t.Fatal("non-allowlisted URL accepted, want rejected")
	}
}

func TestPutRejectsBadURL(t *testing.T) {
	reg := newRegistry(t, []string{"https://hooks.example.com"})
	if _, err := reg.Put("https://169.254.169.254/x", []string{"*"}, 0); err == nil {
		t.Fatal("Put accepted an SSRF-blocked URL")
	}
}

func TestPutGeneratesIDAndSecret(t *testing.T) {
	reg := newRegistry(t, []string{"https://hooks.example.com"})
	r, err := reg.Put("https://hooks.example.com/x", []string{"secret.read"}, 1000)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(r.ID) != 16 {
		t.Fatalf("id = %q, want 16 hex chars", r.ID)
	}
	if !strings.HasPrefix(r.Secret, "whsec_") || len(r.Secret) != len("whsec_")+32 {
		t.Fatalf("secret = %q, want whsec_ + 32 hex chars", r.Secret)
	}
}

func TestPutEnforcesMaxWebhooks(t *testing.T) {
	reg := newRegistry(t, []string{"https://hooks.example.com"})
	for i := 0; i < webhook.MaxWebhooks; i++ {
		if _, err := reg.Put("https://hooks.example.com/x", []string{"*"}, 0); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}
	if _, err := reg.Put("https://hooks.example.com/x", []string{"*"}, 0); err == nil {
		t.Fatal("Put beyond MaxWebhooks succeeded, want rejected")
	}
}

func TestDeleteAndCount(t *testing.T) {
	reg := newRegistry(t, []string{"https://hooks.example.com"})
	r, err := reg.Put("https://hooks.example.com/x", []string{"*"}, 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	n, err := reg.Count()
	if err != nil || n != 1 {
		t.Fatalf("Count = %d, err = %v, want 1", n, err)
	}
	existed, err := reg.Delete(r.ID)
	if err != nil || !existed {
		t.Fatalf("Delete: existed=%v err=%v", existed, err)
	}
	n, err = reg.Count()
	if err != nil || n != 0 {
		t.Fatalf("Count after delete = %d, err = %v, want 0", n, err)
	}
}

func TestFireDeliversSignedPayloadToMatchingSubscriber(t *testing.T) {
	received := make(chan *http.Request, 1)
	var gotBody []byte

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		io.ReadFull(r.Body, buf)
		gotBody = buf
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// srv.URL is a loopback address, which the SSRF guard refuses; the
	// test server's client routes example.com and its subdomains to srv.
	reg := newRegistry(t, []string{"https://hooks.example.com"})
	reg.SetHTTPClient(srv.Client())

	r, err := reg.Put("https://hooks.example.com/x", []string{"secret.read"}, 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	reg.Fire(context.Background(), "instance-1", webhook.FireEvent{Event: "secret.read", Key: "k", Timestamp: 100})

	select {
	case req := <-received:
		sig := req.Header.Get("X-Sirr-Signature")
		mac := hmac.New(sha256.New, []byte(r.Secret))
		mac.Write(gotBody)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		if sig != want {
			t.Fatalf("signature = %q, want %q", sig, want)
		}
		var payload webhook.FireEvent
		if err := json.Unmarshal(gotBody, &payload); err != nil {
			t.Fatalf("decoding delivered payload: %v", err)
		}
		if payload.InstanceID != "instance-1" || payload.Key != "k" {
			t.Fatalf("payload = %+v, want instance_id=instance-1 key=k", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered within timeout")
	}
}

func TestFireSkipsNonMatchingEvent(t *testing.T) {
	reg := newRegistry(t, []string{"https://hooks.example.com"})
	if _, err := reg.Put("https://hooks.example.com/x", []string{"secret.create"}, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Fire with an event type nothing subscribes to; this must not
	// panic or block, and there is nothing observable to assert beyond
	// that since delivery happens in background goroutines.
	reg.Fire(context.Background(), "instance-1", webhook.FireEvent{Event: "secret.delete", Key: "k", Timestamp: 1})
}

func TestFireForURLDeliversWithPerSecretKey(t *testing.T) {
	received := make(chan *http.Request, 1)
	var gotBody []byte

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		io.ReadFull(r.Body, buf)
		gotBody = buf
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	const signingKey = "test-per-secret-key"
	// srv.URL is a loopback address, which the SSRF guard refuses; the
	// test server's client routes example.com and its subdomains to srv.
	reg := newRegistryWithSigningKey(t, []string{"https://hooks.example.com"}, signingKey)
	reg.SetHTTPClient(srv.Client())

	reg.FireForURL(context.Background(), "instance-1", "https://hooks.example.com/x", webhook.FireEvent{Event: "secret.create", Key: "k", Timestamp: 100})

	select {
	case req := <-received:
		sig := req.Header.Get("X-Sirr-Signature")
		mac := hmac.New(sha256.New, []byte(signingKey))
		mac.Write(gotBody)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		if sig != want {
			t.Fatalf("signature = %q, want %q", sig, want)
		}
		var payload webhook.FireEvent
		if err := json.Unmarshal(gotBody, &payload); err != nil {
			t.Fatalf("decoding delivered payload: %v", err)
		}
		if payload.InstanceID != "instance-1" || payload.Key != "k" {
			t.Fatalf("payload = %+v, want instance_id=instance-1 key=k", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered within timeout")
	}
}

func TestFireForURLSkippedWithoutSigningKey(t *testing.T) {
	var called bool
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := newRegistry(t, []string{srv.URL})
	reg.SetHTTPClient(srv.Client())

	reg.FireForURL(context.Background(), "instance-1", srv.URL, webhook.FireEvent{Event: "secret.create", Key: "k", Timestamp: 100})

	// Delivery is skipped synchronously when no signing key is
	// configured, so there is no goroutine to race against.
	if called {
		t.Fatal("FireForURL delivered without a configured per-secret signing key")
	}
}

func TestFireForURLRejectsNonAllowlistedURL(t *testing.T) {
	var called bool
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := newRegistryWithSigningKey(t, []string{"https://hooks.example.com"}, "test-per-secret-key")
	reg.SetHTTPClient(srv.Client())

	reg.FireForURL(context.Background(), "instance-1", srv.URL, webhook.FireEvent{Event: "secret.create", Key: "k", Timestamp: 100})

	if called {
		t.Fatal("FireForURL delivered to a URL outside the allowlist")
	}
}
