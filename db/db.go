// Copyright (c) Carabiner Systems, Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package db implements the transactional, encrypted secrets table
// backed by an embedded single-file KV store (bbolt). It shares the
// underlying *bbolt.DB handle with the audit and webhook tables so
// that all three tables live in one database file, per the on-disk
// layout described by the specification.
package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/carabiner-dev/sirr/crypto"
	"github.com/carabiner-dev/sirr/record"
)

// MaxKeyLen and MaxValueSize bound the shape of a secret, per the
// specification's data model.
const (
	MaxKeyLen    = 256
	MaxValueSize = 1 << 20 // 1 MiB
)

var bucketSecrets = []byte("secrets")

var (
	// ErrNotFound is returned when a secret does not exist, has
	// expired, or has just been burned.
	ErrNotFound = errors.New("secret not found")
	// ErrConflict is returned by Patch when the target secret is a
	// burn-on-read record, which is immutable except by delete/overwrite.
	ErrConflict = errors.New("cannot patch a burn-on-read secret")
	// ErrInvalidKey is returned when a secret name violates the length
	// bound.
	ErrInvalidKey = errors.New("invalid secret key length")
	// ErrTooLarge is returned when a value exceeds MaxValueSize.
	ErrTooLarge = errors.New("value exceeds maximum size")
)

// PeekMaxKeyVersion scans the secrets bucket for the largest
// key_version among stored records, without needing the master key:
// key_version is stored unencrypted in each record's header. It
// returns 0 if the bucket does not exist yet or holds no records,
// which callers use to select version 1 for a key file's first use.
func PeekMaxKeyVersion(bdb *bbolt.DB) (uint32, error) {
	var max uint32
	err := bdb.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(string(k), v)
			if err != nil {
				return err
			}
			if rec.KeyVersion > max {
				max = rec.KeyVersion
			}
			return nil
		})
	})
	return max, err
}

// OpenFile opens (creating if necessary) the embedded KV database at
// path, taking an exclusive file lock. If another process (most
// commonly the running daemon) already holds the lock, Open fails
// after timeout instead of blocking forever, so that an operator
// running `rotate` against a live daemon gets a prompt, actionable
// error.
func OpenFile(path string) (*bbolt.DB, error) {
	bdb, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database %q (is the daemon already running?): %w", path, err)
	}
	return bdb, nil
}

// Store is the transactional, encrypted secrets table.
type Store struct {
	bdb *bbolt.DB
	key *crypto.Key
	log zerolog.Logger
	now func() time.Time
	gen atomic.Uint64
}

// NewStore wraps bdb as a secrets Store, encrypting and decrypting
// values with key. It creates the secrets bucket if it does not yet
// exist.
func NewStore(bdb *bbolt.DB, key *crypto.Key, log zerolog.Logger) (*Store, error) {
	err := bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSecrets)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing secrets bucket: %w", err)
	}
	return &Store{
		bdb: bdb,
		key: key,
		log: log.With().Str("component", "store").Logger(),
		now: time.Now,
	}, nil
}

// SetClock overrides the Store's notion of the current time, for
// tests. now must not be nil.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Gen returns a coarse counter incremented once for each write
// transaction that changes the secrets table: a put, a get that
// consumes a read or sweeps an expired record, a head that sweeps an
// expired record, a patch, a delete of an existing key, and a rotate
// or sweep that touches at least one record. It is not a precise change
// count — a sweep that removes several records increments it once —
// but it is cheap to read and lets the daemon shell log write activity
// without re-deriving it from the audit log.
func (s *Store) Gen() uint64 { return s.gen.Load() }

// PutParams are the fields accepted by Put.
type PutParams struct {
	Value    []byte
	HasTTL   bool
	TTL      uint32 // seconds, valid iff HasTTL
	HasMax   bool
	MaxReads uint32 // valid iff HasMax
	Delete   bool
}

// Put writes value to the secret called key, overwriting any existing
// record at that key (last-writer-wins).
func (s *Store) Put(key string, p PutParams) (record.Meta, error) {
	if len(key) < 1 || len(key) > MaxKeyLen {
		return record.Meta{}, ErrInvalidKey
	}
	if len(p.Value) > MaxValueSize {
		return record.Meta{}, ErrTooLarge
	}

	nonce, ciphertext, err := s.key.Encrypt(p.Value)
	if err != nil {
		return record.Meta{}, fmt.Errorf("encrypting value for %q: %w", key, err)
	}

	now := s.now().Unix()
	rec := &record.Record{
		Key:        key,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		KeyVersion: s.key.Version(),
		CreatedAt:  now,
		Delete:     p.Delete,
	}
	if p.HasTTL {
		rec.ExpiresAt = now + int64(p.TTL)
	}
	if p.HasMax {
		rec.MaxReads = p.MaxReads
	}

	err = s.bdb.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSecrets).Put([]byte(key), encodeRecord(rec))
	})
	if err != nil {
		return record.Meta{}, fmt.Errorf("writing %q: %w", key, err)
	}
	s.gen.Add(1)
	return record.MetaOf(rec, now), nil
}

// GetStatus tags the outcome of a Get.
type GetStatus int

const (
	GetNotFound GetStatus = iota
	GetValue
	GetBurned
	GetSealed
)

// GetResult is the sum-type response of Get.
type GetResult struct {
	Status GetStatus
	Value  []byte // set for GetValue and GetBurned
}

// Get reads and, unless already sealed, consumes one read of the
// secret called key, in a single write transaction. See the
// specification's description of the read/expire/burn/seal state
// machine; this method is its entire implementation.
func (s *Store) Get(key string) (GetResult, error) {
	var result GetResult
	var wrote bool
	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		raw := b.Get([]byte(key))
		if raw == nil {
			result = GetResult{Status: GetNotFound}
			return nil
		}
		rec, err := decodeRecord(key, raw)
		if err != nil {
			return err
		}

		now := s.now().Unix()
		// Expiration takes priority over read-limit exhaustion.
		if rec.Expired(now) {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
			wrote = true
			result = GetResult{Status: GetNotFound}
			return nil
		}
		// Already sealed: report without decrypting or incrementing.
		if rec.Sealed() {
			result = GetResult{Status: GetSealed}
			return nil
		}

		plaintext, err := s.key.Decrypt(rec.Nonce, rec.Ciphertext)
		if err != nil {
			return fmt.Errorf("decrypting %q: %w", key, err)
		}
		rec.ReadCount++

		if rec.Burned() {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
			wrote = true
			result = GetResult{Status: GetBurned, Value: plaintext}
			return nil
		}

		if err := b.Put([]byte(key), encodeRecord(rec)); err != nil {
			return err
		}
		wrote = true
		result = GetResult{Status: GetValue, Value: plaintext}
		return nil
	})
	if err != nil {
		return GetResult{}, err
	}
	if wrote {
		s.gen.Add(1)
	}
	return result, nil
}

// Head returns metadata for key without decrypting or consuming a
// read. It still sweeps an expired record on access, as Get does.
func (s *Store) Head(key string) (record.Meta, bool, error) {
	var meta record.Meta
	var found, wrote bool
	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		rec, err := decodeRecord(key, raw)
		if err != nil {
			return err
		}
		now := s.now().Unix()
		if rec.Expired(now) {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
			wrote = true
			return nil
		}
		meta = record.MetaOf(rec, now)
		found = true
		return nil
	})
	if err != nil {
		return record.Meta{}, false, err
	}
	if wrote {
		s.gen.Add(1)
	}
	return meta, found, nil
}

// PatchParams are the fields accepted by Patch. The Has* flags
// distinguish "field omitted" (leave unchanged) from "field present"
// (apply), and ClearTTL further distinguishes an explicit JSON null
// (clear the TTL) from a present numeric value (set the TTL).
type PatchParams struct {
	HasValue bool
	Value    []byte

	HasMaxReads bool
	MaxReads    uint32

	HasTTL     bool
	ClearTTL   bool
	TTLSeconds uint32
}

// Patch applies the given field updates to the secret called key.
// Patch fails with ErrConflict if the existing record is a
// burn-on-read secret. A new max_reads never resets read_count; if
// the new cap is at or below the current read_count, the record
// becomes immediately sealed.
func (s *Store) Patch(key string, p PatchParams) (record.Meta, error) {
	if p.HasValue && len(p.Value) > MaxValueSize {
		return record.Meta{}, ErrTooLarge
	}

	var meta record.Meta
	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		rec, err := decodeRecord(key, raw)
		if err != nil {
			return err
		}

		now := s.now().Unix()
		if rec.Expired(now) {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
			return ErrNotFound
		}
		if rec.Delete {
			return ErrConflict
		}

		if p.HasValue {
			nonce, ciphertext, err := s.key.Encrypt(p.Value)
			if err != nil {
				return fmt.Errorf("encrypting new value for %q: %w", key, err)
			}
			rec.Nonce, rec.Ciphertext, rec.KeyVersion = nonce, ciphertext, s.key.Version()
		}
		if p.HasMaxReads {
			rec.MaxReads = p.MaxReads
		}
		if p.ClearTTL {
			rec.ExpiresAt = 0
		} else if p.HasTTL {
			rec.ExpiresAt = now + int64(p.TTLSeconds)
		}

		if err := b.Put([]byte(key), encodeRecord(rec)); err != nil {
			return err
		}
		meta = record.MetaOf(rec, now)
		return nil
	})
	if err != nil {
		return record.Meta{}, err
	}
	s.gen.Add(1)
	return meta, nil
}

// Delete removes the secret called key, reporting whether it existed.
func (s *Store) Delete(key string) (bool, error) {
	var existed bool
	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		existed = b.Get([]byte(key)) != nil
		return b.Delete([]byte(key))
	})
	if err != nil {
		return false, err
	}
	if existed {
		s.gen.Add(1)
	}
	return existed, nil
}

// List returns metadata for all non-expired secrets. It is read-only
// and does not sweep.
func (s *Store) List() ([]record.Meta, error) {
	var metas []record.Meta
	err := s.bdb.View(func(tx *bbolt.Tx) error {
		now := s.now().Unix()
		return tx.Bucket(bucketSecrets).ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(string(k), v)
			if err != nil {
				return err
			}
			if rec.Expired(now) {
				return nil
			}
			metas = append(metas, record.MetaOf(rec, now))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Key < metas[j].Key })
	return metas, nil
}

// CountActive reports the number of non-expired secrets, for the
// license gate's free-tier cap.
func (s *Store) CountActive() (int, error) {
	metas, err := s.List()
	if err != nil {
		return 0, err
	}
	return len(metas), nil
}

// Prune removes every expired or burned record and reports how many
// were removed. Sealed records are preserved.
func (s *Store) Prune() (int, error) {
	var count int
	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		now := s.now().Unix()

		var dead [][]byte
		err := b.ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(string(k), v)
			if err != nil {
				return err
			}
			if rec.Expired(now) || rec.Burned() {
				dead = append(dead, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.gen.Add(1)
	}
	return count, nil
}

// MaxKeyVersion scans every record and returns the largest key_version
// observed, or 0 if the store is empty.
func (s *Store) MaxKeyVersion() (uint32, error) {
	var max uint32
	err := s.bdb.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSecrets).ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(string(k), v)
			if err != nil {
				return err
			}
			if rec.KeyVersion > max {
				max = rec.KeyVersion
			}
			return nil
		})
	})
	return max, err
}

// Rotate re-encrypts every record under newKey in a single write
// transaction: either all records are rotated or (on any error) none
// are, since bbolt rolls the whole transaction back. On success, the
// Store switches to using newKey for subsequent operations; the
// caller is responsible for persisting the new key file only after
// Rotate returns successfully.
func (s *Store) Rotate(newKey *crypto.Key) (int, error) {
	var count int
	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		c := b.Cursor()
		// Overwriting the exact key a bbolt cursor is positioned on is
		// documented as safe; it does not reshuffle the B+tree.
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec, err := decodeRecord(string(k), v)
			if err != nil {
				return fmt.Errorf("decoding %q during rotation: %w", k, err)
			}
			plaintext, err := s.key.Decrypt(rec.Nonce, rec.Ciphertext)
			if err != nil {
				return fmt.Errorf("decrypting %q during rotation: %w", k, err)
			}
			nonce, ciphertext, err := newKey.Encrypt(plaintext)
			if err != nil {
				return fmt.Errorf("re-encrypting %q during rotation: %w", k, err)
			}
			rec.Nonce, rec.Ciphertext, rec.KeyVersion = nonce, ciphertext, newKey.Version()
			if err := b.Put(k, encodeRecord(rec)); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.key = newKey
	if count > 0 {
		s.gen.Add(1)
	}
	return count, nil
}

// Bolt returns the shared bbolt handle, so the audit and webhook
// tables can be opened against the same database file.
func (s *Store) Bolt() *bbolt.DB { return s.bdb }

// Close closes the underlying database file.
func (s *Store) Close() error { return s.bdb.Close() }

// RunSweeper runs Prune on every tick of interval until ctx is
// canceled. A missed tick (e.g. a long GC pause) is not made up; the
// next tick simply does the work. RunSweeper blocks and is meant to
// be run in its own goroutine.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Prune()
			if err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
				continue
			}
			if n > 0 {
				s.log.Info().Int("count", n).Msg("swept expired/burned secrets")
			}
		}
	}
}
