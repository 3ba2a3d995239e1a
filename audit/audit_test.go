// Copyright (c) Carabiner Systems, Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package audit_test

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/carabiner-dev/sirr/audit"
)

func newLog(t *testing.T) (*audit.Log, *bbolt.DB) {
	t.Helper()
	bdb, err := bbolt.Open(filepath.Join(t.TempDir(), "audit.db"), 0600, nil)
	if err != nil {
		t.Fatalf("bbolt.Open: %v", err)
	}
	t.Cleanup(func() { bdb.Close() })

	l, err := audit.Open(bdb, zerolog.Nop())
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	return l, bdb
}

func TestRecordAndListOrder(t *testing.T) {
	l, _ := newLog(t)

	l.Record(audit.Entry{Timestamp: 100, Action: audit.ActionCreate, Key: "a", IP: "10.0.0.1", Success: true})
	l.Record(audit.Entry{Timestamp: 101, Action: audit.ActionRead, Key: "a", IP: "10.0.0.1", Success: true})
	l.Record(audit.Entry{Timestamp: 102, Action: audit.ActionDelete, Key: "a", IP: "10.0.0.1", Success: true})

	entries, err := l.List(audit.ListParams{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	want := []audit.Entry{
		{Seq: 1, Timestamp: 100, Action: audit.ActionCreate, Key: "a", IP: "10.0.0.1", Success: true},
		{Seq: 2, Timestamp: 101, Action: audit.ActionRead, Key: "a", IP: "10.0.0.1", Success: true},
		{Seq: 3, Timestamp: 102, Action: audit.ActionDelete, Key: "a", IP: "10.0.0.1", Success: true},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("List() mismatch (-want +got):\n%s", diff)
	}
}

func TestListFilters(t *testing.T) {
	l, _ := newLog(t)

	l.Record(audit.Entry{Timestamp: 100, Action: audit.ActionCreate, Key: "a", Success: true})
	l.Record(audit.Entry{Timestamp: 200, Action: audit.ActionRead, Key: "a", Success: true})
	l.Record(audit.Entry{Timestamp: 300, Action: audit.ActionRead, Key: "b", Success: false})

	since, err := l.List(audit.ListParams{Since: 150})
	if err != nil {
		t.Fatalf("List since: %v", err)
	}
	if len(since) != 2 {
		t.Fatalf("List(Since=150) returned %d, want 2", len(since))
	}

	until, err := l.List(audit.ListParams{Until: 200})
	if err != nil {
		t.Fatalf("List until: %v", err)
	}
	if len(until) != 2 {
		t.Fatalf("List(Until=200) returned %d, want 2", len(until))
	}

	byAction, err := l.List(audit.ListParams{Action: audit.ActionRead})
	if err != nil {
		t.Fatalf("List action: %v", err)
	}
	if len(byAction) != 2 {
		t.Fatalf("List(Action=read) returned %d, want 2", len(byAction))
	}
}

func TestListLimitDefaultAndCap(t *testing.T) {
	l, _ := newLog(t)
	for i := 0; i < 5; i++ {
		l.Record(audit.Entry{Timestamp: int64(i), Action: audit.ActionRead, Key: "a"})
	}

	all, err := l.List(audit.ListParams{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("List() = %d entries, want 5 (under default cap)", len(all))
	}

	limited, err := l.List(audit.ListParams{Limit: 2})
	if err != nil {
		t.Fatalf("List limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("List(Limit=2) = %d entries, want 2", len(limited))
	}

	overCap, err := l.List(audit.ListParams{Limit: 5000})
	if err != nil {
		t.Fatalf("List over cap: %v", err)
	}
	if len(overCap) != 5 {
		t.Fatalf("List(Limit=5000) = %d entries, want 5 (all available, cap only bounds the max)", len(overCap))
	}
}

func TestListRedaction(t *testing.T) {
	l, _ := newLog(t)
	l.Record(audit.Entry{Timestamp: 1, Action: audit.ActionRead, Key: "top-secret"})

	plain, err := l.List(audit.ListParams{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if plain[0].Key != "top-secret" {
		t.Fatalf("unredacted key = %q, want %q", plain[0].Key, "top-secret")
	}

	redacted, err := l.List(audit.ListParams{Redact: true})
	if err != nil {
		t.Fatalf("List redacted: %v", err)
	}
	if redacted[0].Key == "top-secret" {
		t.Fatal("key was not redacted")
	}
	if len(redacted[0].Key) != len("sha256:")+8 {
		t.Fatalf("redacted key = %q, want sha256: + 8 hex chars", redacted[0].Key)
	}
}
