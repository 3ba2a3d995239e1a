// Copyright (c) Carabiner Systems, Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package audit provides an append-only, queryable log of access to
// secrets. Entries are stored in their own bucket of the shared
// database file, keyed by a monotonic sequence number so enumeration
// is strictly time-ordered.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

var bucketAudit = []byte("audit")

// Action names an audited data-plane operation.
type Action string

const (
	ActionCreate Action = "secret.create"
	ActionRead   Action = "secret.read"
	ActionBurned Action = "secret.burned"
	ActionPatch  Action = "secret.patch"
	ActionDelete Action = "secret.delete"
	ActionList   Action = "secret.list"
	ActionPrune  Action = "secret.prune"
)

// Entry is a single audit log record.
type Entry struct {
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
	Action    Action `json:"action"`
	Key       string `json:"key,omitempty"`
	IP        string `json:"ip"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
}

// Log is an audit log writer and reader backed by a shared bbolt
// database.
type Log struct {
	bdb *bbolt.DB
	log zerolog.Logger
}

// Open wraps bdb as an audit Log, creating its bucket if necessary.
func Open(bdb *bbolt.DB, log zerolog.Logger) (*Log, error) {
	err := bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAudit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing audit bucket: %w", err)
	}
	return &Log{bdb: bdb, log: log.With().Str("component", "audit").Logger()}, nil
}

// Record appends entry to the log in its own transaction. Per the
// data path's durability contract, a failure here is logged and
// swallowed: the data-plane operation that triggered this audit entry
// has already committed and must not be rolled back or reported
// failed on the audit writer's account.
func (l *Log) Record(entry Entry) {
	err := l.bdb.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = seq
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		l.log.Error().Err(err).Str("action", string(entry.Action)).Msg("audit write failed")
	}
}

// ListParams filter a List query.
type ListParams struct {
	Since  int64 // inclusive, 0 means unbounded
	Until  int64 // inclusive, 0 means unbounded
	Action Action
	Limit  int // default 100, capped at 1000
	Redact bool
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// List returns entries matching params in insertion (oldest-first)
// order. When params.Redact is true, each entry's Key is replaced
// with a truncated SHA-256 hash before being returned; redaction is
// applied on read only and never alters what is stored.
func (l *Log) List(params ListParams) ([]Entry, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var entries []Entry
	err := l.bdb.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.First(); k != nil && len(entries) < limit; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("corrupt audit entry at seq %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if params.Since != 0 && e.Timestamp < params.Since {
				continue
			}
			if params.Until != 0 && e.Timestamp > params.Until {
				continue
			}
			if params.Action != "" && e.Action != params.Action {
				continue
			}
			if params.Redact && e.Key != "" {
				e.Key = redactKey(e.Key)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func redactKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("sha256:%x", sum[:4])
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
