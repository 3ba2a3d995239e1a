// Copyright (c) Carabiner Systems, Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package crypto provides the authenticated encryption used to protect
// secret values at rest, and the handling of the master key that backs it.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/tink-crypto/tink-go/v2/aead/subtle"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// KeySize is the length in bytes of a master key.
const KeySize = 32

// NonceSize is the length in bytes of a per-encryption nonce.
const NonceSize = 12

// GenerateRawKey returns a fresh 32-byte master key drawn from the OS
// CSPRNG. The caller is responsible for persisting it (e.g. to the
// sirr.key sibling file) before wrapping it with NewKey, since NewKey
// takes ownership of the bytes and may scrub them.
func GenerateRawKey() ([]byte, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	return raw, nil
}

// Key wraps a master key and the AEAD cipher constructed from it. The
// underlying key material lives in guarded memory for the lifetime of
// the Key and is zeroed when Close is called.
type Key struct {
	version uint32
	buf     *memguard.LockedBuffer
	cipher  tink.AEAD
}

// NewKey wraps raw as a master key at the given version. raw must be
// exactly KeySize bytes. NewKey copies raw into locked, zero-on-destroy
// memory and wipes the caller's copy; the caller must not use raw again
// after this call.
func NewKey(raw []byte, version uint32) (*Key, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(raw))
	}
	buf := memguard.NewBufferFromBytes(raw)

	cipher, err := subtle.NewAESGCM(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("constructing AEAD cipher: %w", err)
	}
	return &Key{version: version, buf: buf, cipher: cipher}, nil
}

// Version reports the key version this Key was constructed with.
func (k *Key) Version() uint32 { return k.version }

// Close zeroes the master key's backing memory. Key must not be used
// after Close.
func (k *Key) Close() {
	k.buf.Destroy()
}

// Encrypt seals plaintext under k, returning a freshly generated
// 12-byte nonce and the ciphertext (with authentication tag appended).
// Nonces are never reused: each call draws a new one from the AEAD's
// own CSPRNG-backed nonce generation.
func (k *Key) Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error) {
	out, err := k.cipher.Encrypt(plaintext, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypting value: %w", err)
	}
	if len(out) < NonceSize {
		return nil, nil, errors.New("[unexpected] AEAD output shorter than a nonce")
	}
	nonce = append([]byte(nil), out[:NonceSize]...)
	ciphertext = append([]byte(nil), out[NonceSize:]...)
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext using nonce under k. It fails closed: any
// tampering with nonce, ciphertext, or the authentication tag yields an
// error and no partial plaintext.
func (k *Key) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce length %d, want %d", len(nonce), NonceSize)
	}
	combined := make([]byte, 0, len(nonce)+len(ciphertext))
	combined = append(combined, nonce...)
	combined = append(combined, ciphertext...)
	plaintext, err := k.cipher.Decrypt(combined, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting value: %w", err)
	}
	return plaintext, nil
}
