// Copyright (c) Carabiner Systems, Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package server implements the Sirr secrets HTTP daemon.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/carabiner-dev/sirr/audit"
	"github.com/carabiner-dev/sirr/db"
	"github.com/carabiner-dev/sirr/license"
	"github.com/carabiner-dev/sirr/record"
	"github.com/carabiner-dev/sirr/types/api"
	"github.com/carabiner-dev/sirr/webhook"
)

// Config is the configuration for a Server.
type Config struct {
	Store     *db.Store
	Audit     *audit.Log
	Webhooks  *webhook.Registry
	License   *license.Gate
	Mux       *http.ServeMux
	APIKey    string
	// TrustedProxies is the set of CIDRs from which X-Forwarded-For and
	// X-Real-IP are honored.
	TrustedProxies []netip.Prefix
	// RedactAuditKeys, when true, redacts secret keys in audit list
	// responses.
	RedactAuditKeys bool
	InstanceID      string
	Log             zerolog.Logger
}

// Server is a Sirr secrets HTTP server.
type Server struct {
	store          *db.Store
	audit          *audit.Log
	webhooks       *webhook.Registry
	license        *license.Gate
	apiKey         string
	trustedProxies []netip.Prefix
	redactAudit    bool
	instanceID     string
	log            zerolog.Logger
}

// New creates a Server and registers its routes on cfg.Mux.
func New(cfg Config) *Server {
	s := &Server{
		store:          cfg.Store,
		audit:          cfg.Audit,
		webhooks:       cfg.Webhooks,
		license:        cfg.License,
		apiKey:         cfg.APIKey,
		trustedProxies: cfg.TrustedProxies,
		redactAudit:    cfg.RedactAuditKeys,
		instanceID:     cfg.InstanceID,
		log:            cfg.Log.With().Str("component", "server").Logger(),
	}

	cfg.Mux.HandleFunc("GET /health", s.health)
	cfg.Mux.HandleFunc("GET /secrets", s.requireAuth(s.listSecrets))
	cfg.Mux.HandleFunc("POST /secrets", s.requireAuth(s.createSecret))
	cfg.Mux.HandleFunc("GET /secrets/{key}", s.getSecret)
	cfg.Mux.HandleFunc("HEAD /secrets/{key}", s.headSecret)
	cfg.Mux.HandleFunc("PATCH /secrets/{key}", s.requireAuth(s.patchSecret))
	cfg.Mux.HandleFunc("DELETE /secrets/{key}", s.requireAuth(s.deleteSecret))
	cfg.Mux.HandleFunc("POST /prune", s.requireAuth(s.prune))
	cfg.Mux.HandleFunc("GET /audit", s.requireAuth(s.listAudit))

	return s
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

// requireAuth wraps next with constant-time bearer-token
// verification. An unconfigured API key leaves every route open,
// matching the documented "unconfigured -> all routes open" policy.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	var req api.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	active, err := s.store.CountActive()
	if err != nil {
		s.log.Error().Err(err).Msg("counting active secrets")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !s.license.AllowCreate(r.Context(), active) {
		writeError(w, http.StatusPaymentRequired, "free-tier limit reached; see https://carabiner.dev/sirr/license to upgrade")
		return
	}

	params := db.PutParams{Value: []byte(req.Value), Delete: true}
	if req.Delete != nil {
		params.Delete = *req.Delete
	}
	if req.TTLSeconds != nil {
		params.HasTTL, params.TTL = true, *req.TTLSeconds
	}
	if req.MaxReads != nil {
		params.HasMax, params.MaxReads = true, *req.MaxReads
	}

	_, err = s.store.Put(req.Key, params)
	if err != nil {
		s.recordAudit(r, audit.ActionCreate, req.Key, false, err.Error())
		writeStoreError(w, err)
		return
	}

	s.recordAudit(r, audit.ActionCreate, req.Key, true, "")
	s.fireWebhook(r.Context(), "secret.create", req.Key, "")
	if req.WebhookURL != "" {
		s.webhooks.FireForURL(r.Context(), s.instanceID, req.WebhookURL, webhook.FireEvent{
			Event: "secret.create", Key: req.Key, Timestamp: time.Now().Unix(),
		})
	}
	writeJSON(w, http.StatusCreated, api.CreateResponse{Key: req.Key})
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	metas, err := s.store.List()
	if err != nil {
		s.log.Error().Err(err).Msg("listing secrets")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.recordAudit(r, audit.ActionList, "", true, "")

	resp := api.ListResponse{Secrets: make([]api.SecretMeta, len(metas))}
	for i, m := range metas {
		resp.Secrets[i] = toAPIMeta(m)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getSecret(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	res, err := s.store.Get(key)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("get failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch res.Status {
	case db.GetNotFound:
		s.recordAudit(r, audit.ActionRead, key, false, "not found")
		writeError(w, http.StatusNotFound, "not found")
	case db.GetSealed:
		s.recordAudit(r, audit.ActionRead, key, false, "sealed")
		writeError(w, http.StatusGone, "sealed")
	case db.GetBurned:
		s.recordAudit(r, audit.ActionBurned, key, true, "")
		s.fireWebhook(r.Context(), "secret.burned", key, "")
		writeJSON(w, http.StatusOK, api.GetResponse{Key: key, Value: string(res.Value)})
	case db.GetValue:
		s.recordAudit(r, audit.ActionRead, key, true, "")
		s.fireWebhook(r.Context(), "secret.read", key, "")
		writeJSON(w, http.StatusOK, api.GetResponse{Key: key, Value: string(res.Value)})
	}
}

func (s *Server) headSecret(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	meta, found, err := s.store.Head(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	rec := &record.Record{MaxReads: meta.MaxReads, ReadCount: meta.ReadCount, Delete: meta.Delete}
	w.Header().Set("X-Sirr-Read-Count", strconv.FormatUint(uint64(meta.ReadCount), 10))
	if remaining := rec.ReadsRemaining(); remaining < 0 {
		w.Header().Set("X-Sirr-Reads-Remaining", "unlimited")
	} else {
		w.Header().Set("X-Sirr-Reads-Remaining", strconv.FormatInt(remaining, 10))
	}
	w.Header().Set("X-Sirr-Delete", strconv.FormatBool(meta.Delete))
	w.Header().Set("X-Sirr-Created-At", strconv.FormatInt(meta.CreatedAt, 10))
	if meta.ExpiresAt != 0 {
		w.Header().Set("X-Sirr-Expires-At", strconv.FormatInt(meta.ExpiresAt, 10))
	}
	w.Header().Set("X-Sirr-Status", string(meta.Status))

	if meta.Status == record.StatusSealed {
		w.WriteHeader(http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) patchSecret(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	raw := map[string]json.RawMessage{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	var params db.PatchParams
	if v, ok := raw["value"]; ok {
		var val string
		if err := json.Unmarshal(v, &val); err != nil {
			writeError(w, http.StatusBadRequest, "value must be a string")
			return
		}
		params.HasValue, params.Value = true, []byte(val)
	}
	if v, ok := raw["max_reads"]; ok {
		var n uint32
		if err := json.Unmarshal(v, &n); err != nil {
			writeError(w, http.StatusBadRequest, "max_reads must be a non-negative integer")
			return
		}
		params.HasMaxReads, params.MaxReads = true, n
	}
	if v, ok := raw["ttl_seconds"]; ok {
		params.HasTTL = true
		if string(v) == "null" {
			params.ClearTTL = true
		} else {
			var n uint32
			if err := json.Unmarshal(v, &n); err != nil {
				writeError(w, http.StatusBadRequest, "ttl_seconds must be a non-negative integer or null")
				return
			}
			params.TTLSeconds = n
		}
	}

	meta, err := s.store.Patch(key, params)
	if err != nil {
		s.recordAudit(r, audit.ActionPatch, key, false, err.Error())
		writeStoreError(w, err)
		return
	}

	s.recordAudit(r, audit.ActionPatch, key, true, "")
	s.fireWebhook(r.Context(), "secret.patch", key, "")
	writeJSON(w, http.StatusOK, toAPIMeta(meta))
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	existed, err := s.store.Delete(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !existed {
		s.recordAudit(r, audit.ActionDelete, key, false, "not found")
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.recordAudit(r, audit.ActionDelete, key, true, "")
	s.fireWebhook(r.Context(), "secret.delete", key, "")
	writeJSON(w, http.StatusOK, api.DeleteResponse{Deleted: true})
}

func (s *Server) prune(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Prune()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.recordAudit(r, audit.ActionPrune, "", true, "")
	writeJSON(w, http.StatusOK, api.PruneResponse{Pruned: n})
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := audit.ListParams{Redact: s.redactAudit}
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a unix timestamp")
			return
		}
		params.Since = n
	}
	if v := q.Get("until"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be a unix timestamp")
			return
		}
		params.Until = n
	}
	if v := q.Get("action"); v != "" {
		params.Action = audit.Action(v)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		params.Limit = n
	}

	entries, err := s.audit.List(params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := api.AuditListResponse{Events: make([]api.AuditEvent, len(entries))}
	for i, e := range entries {
		resp.Events[i] = api.AuditEvent{
			Timestamp: e.Timestamp, Action: string(e.Action), Key: e.Key,
			IP: e.IP, Success: e.Success, Detail: e.Detail,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) recordAudit(r *http.Request, action audit.Action, key string, success bool, detail string) {
	s.audit.Record(audit.Entry{
		Timestamp: time.Now().Unix(),
		Action:    action,
		Key:       key,
		IP:        s.attributeIP(r),
		Success:   success,
		Detail:    detail,
	})
}

func (s *Server) fireWebhook(ctx context.Context, event, key, detail string) {
	s.webhooks.Fire(ctx, s.instanceID, webhook.FireEvent{
		Event: event, Key: key, Timestamp: time.Now().Unix(), Detail: detail,
	})
}

// attributeIP resolves the caller's address per the documented
// precedence: the first X-Forwarded-For token, then X-Real-IP, both
// honored only when the immediate peer is a trusted proxy, else the
// raw peer address. An untrusted peer cannot spoof either header.
func (s *Server) attributeIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	peer, err := netip.ParseAddr(host)
	if err != nil || !s.peerIsTrustedProxy(peer) {
		return host
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	return host
}

func (s *Server) peerIsTrustedProxy(addr netip.Addr) bool {
	for _, p := range s.trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func toAPIMeta(m record.Meta) api.SecretMeta {
	return api.SecretMeta{
		Key: m.Key, CreatedAt: m.CreatedAt, ExpiresAt: m.ExpiresAt,
		MaxReads: m.MaxReads, ReadCount: m.ReadCount, Delete: m.Delete,
		KeyVersion: m.KeyVersion, Status: string(m.Status),
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, db.ErrConflict):
		writeError(w, http.StatusConflict, "cannot patch a burn-on-read secret")
	case errors.Is(err, db.ErrTooLarge):
		writeError(w, http.StatusBadRequest, "value exceeds maximum size")
	case errors.Is(err, db.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "invalid key")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}
