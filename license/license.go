// Copyright (c) Carabiner Systems, Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package license implements the gate that decides whether a create
// operation is permitted: unlicensed instances are capped at a small
// number of active secrets, and a licensed instance may optionally be
// checked against an online validator.
package license

import "context"

// Status is the outcome of evaluating a license key.
type Status int

const (
	Free Status = iota
	Licensed
	Invalid
)

func (s Status) String() string {
	switch s {
	case Free:
		return "free"
	case Licensed:
		return "licensed"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// FreeTierLimit is the default cap on active secrets for an instance
// with no configured license key. The specification treats the exact
// number as an implementation choice; this is deliberately small.
const FreeTierLimit = 25

// Validator checks a license key against an external authority. A
// false result, or a non-nil error, means the key should be treated
// as invalid.
type Validator interface {
	Validate(ctx context.Context, licenseKey string) (bool, error)
}

// Gate evaluates whether a create operation is permitted.
type Gate struct {
	licenseKey string
	validator  Validator
	limit      int
}

// New returns a Gate for the given configured license key (empty
// means unlicensed/Free) and optional online validator. A nil
// validator means any non-empty license key is accepted without a
// network round trip.
func New(licenseKey string, validator Validator) *Gate {
	return &Gate{licenseKey: licenseKey, validator: validator, limit: FreeTierLimit}
}

// SetLimit overrides the free-tier active-record cap, mainly for
// tests.
func (g *Gate) SetLimit(n int) { g.limit = n }

// EffectiveStatus reports whether this instance is Free, Licensed, or
// Invalid, consulting the online validator if one is configured.
func (g *Gate) EffectiveStatus(ctx context.Context) Status {
	if g.licenseKey == "" {
		return Free
	}
	if g.validator == nil {
		return Licensed
	}
	ok, err := g.validator.Validate(ctx, g.licenseKey)
	if err != nil || !ok {
		return Invalid
	}
	return Licensed
}

// AllowCreate decides whether a new secret may be created given the
// instance's current count of active records. A Free instance is
// rejected once it already holds at least the free-tier limit;
// Invalid is always rejected; Licensed is always allowed.
func (g *Gate) AllowCreate(ctx context.Context, activeCount int) bool {
	switch g.EffectiveStatus(ctx) {
	case Invalid:
		return false
	case Free:
		return activeCount < g.limit
	default:
		return true
	}
}
