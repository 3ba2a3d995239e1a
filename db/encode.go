// Copyright (c) Carabiner Systems, Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package db

import (
	"encoding/binary"
	"fmt"

	"github.com/carabiner-dev/sirr/record"
)

// encodeRecord serializes r to the fixed-order binary layout stored in
// the secrets bucket:
//
//	key_version   uint32
//	created_at    int64
//	expires_at    int64  (0 = unset)
//	max_reads     uint32 (0 = unlimited)
//	read_count    uint32
//	delete        byte   (0 or 1)
//	nonce_len     byte
//	nonce         [nonce_len]byte
//	ciphertext_len uint32
//	ciphertext    [ciphertext_len]byte
//
// The record's Key is not included: it is already the bucket key.
func encodeRecord(r *record.Record) []byte {
	size := 4 + 8 + 8 + 4 + 4 + 1 + 1 + len(r.Nonce) + 4 + len(r.Ciphertext)
	buf := make([]byte, size)
	off := 0

	binary.BigEndian.PutUint32(buf[off:], r.KeyVersion)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], uint64(r.CreatedAt))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(r.ExpiresAt))
	off += 8
	binary.BigEndian.PutUint32(buf[off:], r.MaxReads)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], r.ReadCount)
	off += 4
	if r.Delete {
		buf[off] = 1
	}
	off++
	buf[off] = byte(len(r.Nonce))
	off++
	off += copy(buf[off:], r.Nonce)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Ciphertext)))
	off += 4
	copy(buf[off:], r.Ciphertext)

	return buf
}

// decodeRecord parses the layout written by encodeRecord, attaching key
// as the record's name.
func decodeRecord(key string, data []byte) (*record.Record, error) {
	const headerLen = 4 + 8 + 8 + 4 + 4 + 1 + 1
	if len(data) < headerLen {
		return nil, fmt.Errorf("corrupt record %q: truncated header", key)
	}

	r := &record.Record{Key: key}
	off := 0

	r.KeyVersion = binary.BigEndian.Uint32(data[off:])
	off += 4
	r.CreatedAt = int64(binary.BigEndian.Uint64(data[off:]))
	off += 8
	r.ExpiresAt = int64(binary.BigEndian.Uint64(data[off:]))
	off += 8
	r.MaxReads = binary.BigEndian.Uint32(data[off:])
	off += 4
	r.ReadCount = binary.BigEndian.Uint32(data[off:])
	off += 4
	r.Delete = data[off] == 1
	off++
	nonceLen := int(data[off])
	off++

	if off+nonceLen > len(data) {
		return nil, fmt.Errorf("corrupt record %q: nonce overruns record", key)
	}
	r.Nonce = append([]byte(nil), data[off:off+nonceLen]...)
	off += nonceLen

	if off+4 > len(data) {
		return nil, fmt.Errorf("corrupt record %q: missing ciphertext length", key)
	}
	ctLen := int(binary.BigEndian.Uint32(data[off:]))
	off += 4

	if off+ctLen > len(data) {
		return nil, fmt.Errorf("corrupt record %q: ciphertext overruns record", key)
	}
	r.Ciphertext = append([]byte(nil), data[off:off+ctLen]...)

	return r, nil
}
