package pebblestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
)

func newTestDB(t *testing.T, mode FsyncMode) *DB {
	t.Helper()
	db, err := Open(Options{
		DataDir:       t.TempDir(),
		Fsync:         mode,
		FsyncInterval: 2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGetHas(t *testing.T) {
	db := newTestDB(t, FsyncModeInterval)

	if err := db.Set([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := db.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("got %q want %q", got, "v1")
	}
	if ok, err := db.Has([]byte("k1")); err != nil || !ok {
		t.Fatalf("has k1: %v %v", ok, err)
	}
	if ok, err := db.Has([]byte("k2")); err != nil || ok {
		t.Fatalf("has k2: %v %v", ok, err)
	}
	if _, err := db.Get([]byte("k2")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateIsAtomic(t *testing.T) {
	db := newTestDB(t, FsyncModeAlways)

	boom := errors.New("boom")
	err := db.Update(context.Background(), func(b *pebble.Batch) error {
		if err := b.Set([]byte("a"), []byte("1"), nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if ok, _ := db.Has([]byte("a")); ok {
		t.Fatalf("failed update must not write")
	}

	err = db.Update(context.Background(), func(b *pebble.Batch) error {
		if err := b.Set([]byte("a"), []byte("1"), nil); err != nil {
			return err
		}
		return b.Set([]byte("b"), []byte("2"), nil)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if ok, _ := db.Has([]byte(k)); !ok {
			t.Fatalf("missing %s", k)
		}
	}
}

func TestUpdateCanceled(t *testing.T) {
	db := newTestDB(t, FsyncModeNever)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := db.Update(ctx, func(b *pebble.Batch) error { return b.Set([]byte("a"), nil, nil) })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestScan(t *testing.T) {
	db := newTestDB(t, FsyncModeAlways)
	for _, k := range []string{"p/1", "p/2", "p/3", "q/1", "o/9"} {
		if err := db.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("set: %v", err)
		}
	}

	var keys []string
	if err := db.Scan([]byte("p/"), nil, func(k, v []byte) bool {
		keys = append(keys, string(k))
		return true
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 3 || keys[0] != "p/1" || keys[2] != "p/3" {
		t.Fatalf("unexpected keys %v", keys)
	}

	keys = nil
	_ = db.Scan([]byte("p/"), []byte("p/2"), func(k, v []byte) bool {
		keys = append(keys, string(k))
		return len(keys) < 1
	})
	if len(keys) != 1 || keys[0] != "p/2" {
		t.Fatalf("unexpected keys from start %v", keys)
	}
}

func TestPrefixEnd(t *testing.T) {
	if got := string(PrefixEnd([]byte("ab"))); got != "ac" {
		t.Fatalf("got %q", got)
	}
	if got := PrefixEnd([]byte{'a', 0xff}); len(got) != 1 || got[0] != 'b' {
		t.Fatalf("got %v", got)
	}
	if got := PrefixEnd([]byte{0xff, 0xff}); got != nil {
		t.Fatalf("got %v", got)
	}
}

func TestParseFsyncMode(t *testing.T) {
	for in, want := range map[string]FsyncMode{"": FsyncModeAlways, "always": FsyncModeAlways, "interval": FsyncModeInterval, "never": FsyncModeNever} {
		got, err := ParseFsyncMode(in)
		if err != nil || got != want {
			t.Fatalf("%q: got %v %v", in, got, err)
		}
	}
	if _, err := ParseFsyncMode("sometimes"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Options{DataDir: dir, Fsync: FsyncModeAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	db, err = Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if v, err := db.Get([]byte("k")); err != nil || string(v) != "v" {
		t.Fatalf("after reopen: %q %v", v, err)
	}
}
