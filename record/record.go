// Copyright (c) Carabiner Systems, Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package record defines the in-memory shape of a stored secret and
// the pure predicates that classify its lifecycle state.
package record

// Record is the full in-memory representation of a stored secret,
// including its encrypted value. It is never logged or returned to a
// caller in this form; handlers project it through Meta or decrypt the
// value explicitly.
type Record struct {
	// Key is the secret's name, the table's primary key.
	Key string
	// Nonce is the 12-byte AEAD nonce used to seal Ciphertext.
	Nonce []byte
	// Ciphertext is the AEAD-sealed value, tag included.
	Ciphertext []byte
	// KeyVersion identifies which master key Ciphertext is sealed under.
	KeyVersion uint32
	// CreatedAt is the Unix second the record was first put.
	CreatedAt int64
	// ExpiresAt is the Unix second the record expires, or 0 if unset.
	ExpiresAt int64
	// MaxReads is the read-count cap, or 0 if unlimited.
	MaxReads uint32
	// ReadCount is the number of successful plaintext-returning reads
	// so far.
	ReadCount uint32
	// Delete selects burn-on-exhaust (true) vs seal-on-exhaust (false).
	Delete bool
}

// HasTTL reports whether r carries an expiration.
func (r *Record) HasTTL() bool { return r.ExpiresAt != 0 }

// HasReadLimit reports whether r carries a read-count cap.
func (r *Record) HasReadLimit() bool { return r.MaxReads != 0 }

// Expired reports whether r has passed its TTL as of now.
func (r *Record) Expired(now int64) bool {
	return r.HasTTL() && now >= r.ExpiresAt
}

// Burned reports whether r is a burn-on-exhaust record whose read quota
// has been exhausted. A burned record is removed rather than retained;
// this predicate only matters in the instant before that removal.
func (r *Record) Burned() bool {
	return r.Delete && r.HasReadLimit() && r.ReadCount >= r.MaxReads
}

// Sealed reports whether r is a seal-on-exhaust record whose read quota
// has been exhausted. A sealed record is retained and continues to
// serve metadata, but never again returns plaintext.
func (r *Record) Sealed() bool {
	return !r.Delete && r.HasReadLimit() && r.ReadCount >= r.MaxReads
}

// ReadsRemaining reports the number of plaintext-returning reads still
// available, or -1 if the record has no read-count cap.
func (r *Record) ReadsRemaining() int64 {
	if !r.HasReadLimit() {
		return -1
	}
	remaining := int64(r.MaxReads) - int64(r.ReadCount)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Status is a secret's coarse lifecycle state as observed at a point
// in time.
type Status string

const (
	StatusActive Status = "active"
	StatusSealed Status = "sealed"
)

// Meta is the metadata projection of a Record: everything about a
// secret except its encrypted value and nonce. It is safe to return to
// callers and to log.
type Meta struct {
	Key        string
	CreatedAt  int64
	ExpiresAt  int64 // 0 means no TTL
	MaxReads   uint32
	ReadCount  uint32
	Delete     bool
	KeyVersion uint32
	Status     Status
}

// MetaOf projects r into its metadata as observed at now. The caller
// must have already swept r if it is expired; MetaOf does not consult
// expiration.
func MetaOf(r *Record, now int64) Meta {
	status := StatusActive
	if r.Sealed() {
		status = StatusSealed
	}
	return Meta{
		Key:        r.Key,
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
		MaxReads:   r.MaxReads,
		ReadCount:  r.ReadCount,
		Delete:     r.Delete,
		KeyVersion: r.KeyVersion,
		Status:     status,
	}
}
