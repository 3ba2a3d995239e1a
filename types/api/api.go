// Copyright (c) Carabiner Systems, Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package api defines the wire types exchanged between a Sirr client
// and the daemon's HTTP surface.
package api

// CreateRequest is the body of POST /secrets.
type CreateRequest struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	TTLSeconds *uint32 `json:"ttl_seconds,omitempty"`
	MaxReads   *uint32 `json:"max_reads,omitempty"`
	// Delete selects burn-on-exhaust (true, the default) vs
	// seal-on-exhaust (false) when max_reads is reached.
	Delete *bool `json:"delete,omitempty"`
	// WebhookURL, if set, receives this create event as a one-off,
	// ad-hoc delivery signed with SIRR_WEBHOOK_SECRET rather than a
	// persisted registration's secret. It is not stored: it applies
	// only to this request's resulting event.
	WebhookURL string `json:"webhook_url,omitempty"`
}

// CreateResponse is the body of a successful POST /secrets.
type CreateResponse struct {
	Key string `json:"key"`
}

// PatchRequest is the body of PATCH /secrets/{key}. Fields use
// pointers so a handler can distinguish "omitted" from "present"; a
// present-but-null ttl_seconds clears the TTL, which the handler
// detects by decoding the raw request body rather than through this
// struct alone.
type PatchRequest struct {
	Value      *string `json:"value,omitempty"`
	MaxReads   *uint32 `json:"max_reads,omitempty"`
	TTLSeconds *uint32 `json:"ttl_seconds,omitempty"`
}

// SecretMeta is the metadata projection of a secret returned by list
// and patch. It never carries the secret's value.
type SecretMeta struct {
	Key        string `json:"key"`
	CreatedAt  int64  `json:"created_at"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
	MaxReads   uint32 `json:"max_reads,omitempty"`
	ReadCount  uint32 `json:"read_count"`
	Delete     bool   `json:"delete"`
	KeyVersion uint32 `json:"key_version"`
	Status     string `json:"status"`
}

// ListResponse is the body of GET /secrets.
type ListResponse struct {
	Secrets []SecretMeta `json:"secrets"`
}

// GetResponse is the body of a successful GET /secrets/{key}.
type GetResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DeleteResponse is the body of a successful DELETE /secrets/{key}.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// PruneResponse is the body of a successful POST /prune.
type PruneResponse struct {
	Pruned int `json:"pruned"`
}

// AuditEvent is one entry in the response of GET /audit.
type AuditEvent struct {
	Timestamp int64  `json:"timestamp"`
	Action    string `json:"action"`
	Key       string `json:"key,omitempty"`
	IP        string `json:"ip"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
}

// AuditListResponse is the body of GET /audit.
type AuditListResponse struct {
	Events []AuditEvent `json:"events"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WebhookFireEvent is the body POSTed to a subscriber's URL.
type WebhookFireEvent struct {
	Event      string `json:"event"`
	Key        string `json:"key"`
	Timestamp  int64  `json:"timestamp"`
	InstanceID string `json:"instance_id"`
	Detail     string `json:"detail,omitempty"`
}
