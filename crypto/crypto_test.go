// Copyright (c) Carabiner Systems, Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package crypto_test

import (
	"bytes"
	"testing"

	"github.com/carabiner-dev/sirr/crypto"
)

func mustKey(t *testing.T) *crypto.Key {
	t.Helper()
	raw, err := crypto.GenerateRawKey()
	if err != nil {
		t.Fatalf("GenerateRawKey: %v", err)
	}
	k, err := crypto.NewKey(raw, 1)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	t.Cleanup(k.Close)
	return k
}

func TestRoundTrip(t *testing.T) {
	k := mustKey(t)

	for _, pt := range [][]byte{
		[]byte(""),
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, 1<<20), // 1 MiB, the spec's size cap
	} {
		nonce, ct, err := k.Encrypt(pt)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", len(pt), err)
		}
		if len(nonce) != crypto.NonceSize {
			t.Fatalf("nonce length = %d, want %d", len(nonce), crypto.NonceSize)
		}
		if len(ct) == 0 {
			t.Fatalf("ciphertext for %d-byte plaintext must be non-empty (tag)", len(pt))
		}

		got, err := k.Decrypt(nonce, ct)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, pt) {
			t.Fatalf("round trip mismatch: got %q, want %q", got, pt)
		}
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	k := mustKey(t)

	nonce, ct, err := k.Encrypt([]byte("secret value"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0xFF

	if _, err := k.Decrypt(nonce, tampered); err == nil {
		t.Fatal("Decrypt of tampered ciphertext succeeded, want error")
	}
}

func TestDecryptWrongNonceFails(t *testing.T) {
	k := mustKey(t)

	_, ct, err := k.Encrypt([]byte("secret value"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	wrongNonce := make([]byte, crypto.NonceSize)

	if _, err := k.Decrypt(wrongNonce, ct); err == nil {
		t.Fatal("Decrypt with wrong nonce succeeded, want error")
	}
}

func TestNewKeyRejectsWrongLength(t *testing.T) {
	if _, err := crypto.NewKey(make([]byte, 16), 1); err == nil {
		t.Fatal("NewKey with 16-byte key succeeded, want error")
	}
}

func TestNoncesAreNotReused(t *testing.T) {
	k := mustKey(t)

	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		nonce, _, err := k.Encrypt([]byte("x"))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		s := string(nonce)
		if seen[s] {
			t.Fatalf("nonce reused after %d encryptions", i)
		}
		seen[s] = true
	}
}
