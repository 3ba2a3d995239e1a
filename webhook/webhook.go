// Copyright (c) Carabiner Systems, Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package webhook implements registration storage, SSRF-guarded URL
// validation, HMAC signing, and concurrent fan-out delivery for
// outbound event notifications.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

var bucketWebhooks = []byte("webhooks")

// MaxWebhooks is the global cap on registrations per instance.
const MaxWebhooks = 10

var privateRanges = mustParsePrefixes(
	"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
	"169.254.0.0/16", "::1/128", "fc00::/7", "fe80::/10",
)

func mustParsePrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			panic(err)
		}
		out[i] = p
	}
	return out
}

// Registration is a stored webhook subscription.
type Registration struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Secret    string   `json:"secret"`
	Events    []string `json:"events"`
	CreatedAt int64    `json:"created_at"`
}

// Matches reports whether event is one this registration subscribes
// to, per its event list or the "*" wildcard.
func (r *Registration) Matches(event string) bool {
	for _, e := range r.Events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

// FireEvent is the payload POSTed to a matching registration's URL.
type FireEvent struct {
	Event      string `json:"event"`
	Key        string `json:"key"`
	Timestamp  int64  `json:"timestamp"`
	InstanceID string `json:"instance_id"`
	Detail     string `json:"detail,omitempty"`
}

// Registry stores webhook registrations in a bbolt bucket and
// delivers fire events to every matching registration concurrently.
type Registry struct {
	bdb                 *bbolt.DB
	log                 zerolog.Logger
	client              *http.Client
	allowedOrigins      []string
	perSecretSigningKey string
}

// Open wraps bdb as a webhook Registry, creating its bucket if
// necessary. allowedOrigins is the configured SSRF allowlist
// (SIRR_WEBHOOK_ALLOWED_ORIGINS); an empty list rejects every URL.
// perSecretSigningKey is SIRR_WEBHOOK_SECRET, the HMAC key used for
// ad-hoc per-secret deliveries fired via FireForURL; an empty value
// disables per-secret delivery entirely.
func Open(bdb *bbolt.DB, allowedOrigins []string, perSecretSigningKey string, log zerolog.Logger) (*Registry, error) {
	err := bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWebhooks)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing webhooks bucket: %w", err)
	}
	return &Registry{
		bdb:                 bdb,
		log:                 log.With().Str("component", "webhook").Logger(),
		client:              &http.Client{Timeout: 5 * time.Second},
		allowedOrigins:      allowedOrigins,
		perSecretSigningKey: perSecretSigningKey,
	}, nil
}

// SetHTTPClient overrides the HTTP client used for delivery. Intended
// for tests that need to point at an httptest.Server with a custom
// TLS configuration.
func (reg *Registry) SetHTTPClient(c *http.Client) { reg.client = c }

// ValidateURL applies the SSRF validation pipeline to rawURL, in the
// documented order: well-formed https URL, no literal private/
// loopback/link-local IP host, and an allowlist prefix match. No DNS
// resolution is performed; the allowlist is the primary defense
// against hostname-based attacks.
func (reg *Registry) ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return errors.New("webhook url must be a well-formed absolute URL")
	}
	if u.Scheme != "https" {
		return errors.New("webhook url must use https")
	}

	host := u.Hostname()
	if ip, err := netip.ParseAddr(host); err == nil {
		for _, blocked := range privateRanges {
			if blocked.Contains(ip) {
				return fmt.Errorf("webhook url host %s falls in a blocked range", host)
			}
		}
	}

	if len(reg.allowedOrigins) == 0 {
		return errors.New("webhook urls are not permitted: SIRR_WEBHOOK_ALLOWED_ORIGINS is empty")
	}
	for _, prefix := range reg.allowedOrigins {
		if strings.HasPrefix(rawURL, prefix) {
			return nil
		}
	}
	return fmt.Errorf("webhook url %q does not match any allowed origin", rawURL)
}

// Put validates and stores a new registration, generating its ID and
// signing secret. It fails once MaxWebhooks registrations already
// exist.
func (reg *Registry) Put(rawURL string, events []string, now int64) (Registration, error) {
	if err := reg.ValidateURL(rawURL); err != nil {
		return Registration{}, err
	}

	count, err := reg.Count()
	if err != nil {
		return Registration{}, err
	}
	if count >= MaxWebhooks {
		return Registration{}, fmt.Errorf("at most %d webhook registrations are allowed", MaxWebhooks)
	}

	id, err := randomHex(8) // 16 hex chars
	if err != nil {
		return Registration{}, err
	}
	secretSuffix, err := randomHex(16) // 32 hex chars
	if err != nil {
		return Registration{}, err
	}

	r := Registration{
		ID:        id,
		URL:       rawURL,
		Secret:    "whsec_" + secretSuffix,
		Events:    events,
		CreatedAt: now,
	}

	err = reg.bdb.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWebhooks).Put([]byte(r.ID), data)
	})
	if err != nil {
		return Registration{}, err
	}
	return r, nil
}

// List returns every registration, in no particular order.
func (reg *Registry) List() ([]Registration, error) {
	var out []Registration
	err := reg.bdb.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWebhooks).ForEach(func(_, v []byte) error {
			var r Registration
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// Count reports the number of current registrations.
func (reg *Registry) Count() (int, error) {
	var n int
	err := reg.bdb.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketWebhooks).Stats().KeyN
		return nil
	})
	return n, err
}

// Delete removes the registration with the given id, reporting
// whether it existed.
func (reg *Registry) Delete(id string) (bool, error) {
	var existed bool
	err := reg.bdb.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWebhooks)
		existed = b.Get([]byte(id)) != nil
		return b.Delete([]byte(id))
	})
	return existed, err
}

// Fire delivers event to every registration subscribed to it,
// concurrently and independently. Each delivery is re-validated
// against the SSRF pipeline before send (defense in depth), has a
// hard 5-second timeout, and is never retried; failures are logged
// at warn and otherwise dropped. Fire does not block on deliveries
// completing.
func (reg *Registry) Fire(ctx context.Context, instanceID string, event FireEvent) {
	event.InstanceID = instanceID

	regs, err := reg.List()
	if err != nil {
		reg.log.Error().Err(err).Msg("listing webhook registrations for delivery")
		return
	}

	for _, r := range regs {
		if !r.Matches(event.Event) {
			continue
		}
		go reg.deliver(ctx, r.URL, r.Secret, r.ID, event)
	}
}

// FireForURL delivers event to a single ad-hoc URL supplied with the
// triggering request, rather than a persisted registration, signed
// with the operator-configured per-secret signing key
// (SIRR_WEBHOOK_SECRET). If no signing key is configured, the
// delivery is skipped: per-secret URLs require that explicit opt-in
// just like the allowlist requires one for registrations.
func (reg *Registry) FireForURL(ctx context.Context, instanceID, rawURL string, event FireEvent) {
	if reg.perSecretSigningKey == "" {
		reg.log.Debug().Str("url", rawURL).Msg("per-secret webhook URL set but SIRR_WEBHOOK_SECRET is not configured; skipping")
		return
	}
	// The ad-hoc URL is not stored, so this is its first check against
	// the SSRF guard; deliver checks it once more before sending.
	if err := reg.ValidateURL(rawURL); err != nil {
		reg.log.Warn().Err(err).Msg("dropping per-secret webhook: SSRF guard rejected URL")
		return
	}
	event.InstanceID = instanceID
	go reg.deliver(ctx, rawURL, reg.perSecretSigningKey, "per-secret", event)
}

func (reg *Registry) deliver(ctx context.Context, url, secret, logID string, event FireEvent) {
	if err := reg.ValidateURL(url); err != nil {
		reg.log.Warn().Err(err).Str("webhook_id", logID).Msg("webhook delivery skipped: URL failed re-validation")
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		reg.log.Warn().Err(err).Str("webhook_id", logID).Msg("webhook delivery failed: encoding payload")
		return
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	// The delivery outlives the caller (often an HTTP handler whose
	// request context ends when it returns), so only ctx's values are
	// kept, not its cancellation.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		reg.log.Warn().Err(err).Str("webhook_id", logID).Msg("webhook delivery failed: building request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sirr-Signature", "sha256="+signature)

	resp, err := reg.client.Do(req)
	if err != nil {
		reg.log.Warn().Err(err).Str("webhook_id", logID).Str("event", event.Event).Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		reg.log.Warn().Str("webhook_id", logID).Int("status", resp.StatusCode).Msg("webhook subscriber returned non-2xx")
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
