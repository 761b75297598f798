package pebblestore

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = pebble.ErrNotFound

// FsyncMode defines durability behavior for committed batches.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL before a commit returns. An ingest
	// acknowledgment is only sent after this.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to Pebble. Acknowledged rows may be lost
	// on power failure.
	FsyncModeNever
)

// ParseFsyncMode maps always|interval|never to a mode.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "", "always":
		return FsyncModeAlways, nil
	case "interval":
		return FsyncModeInterval, nil
	case "never":
		return FsyncModeNever, nil
	}
	return FsyncModeUnspecified, errors.New("invalid fsync mode; use always|interval|never")
}

// Options configures the store.
type Options struct {
	DataDir       string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. Nil uses defaults.
	PebbleOptions *pebble.Options
}

// DB wraps a Pebble database with a commit policy and prefix helpers.
type DB struct {
	inner     *pebble.DB
	writeSync bool
}

// Open creates or opens the database in opts.DataDir.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	case FsyncModeInterval:
		iv := opts.FsyncInterval
		if iv <= 0 {
			iv = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return iv }
	default:
		opts.Fsync = FsyncModeAlways
	}
	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}
	return &DB{inner: inner, writeSync: opts.Fsync != FsyncModeNever}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// Update applies fn to a fresh batch and commits it atomically. Nothing is
// written when fn fails.
func (db *DB) Update(ctx context.Context, fn func(b *pebble.Batch) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := db.inner.NewBatch()
	defer b.Close()
	if err := fn(b); err != nil {
		return err
	}
	return db.commit(b)
}

func (db *DB) commit(b *pebble.Batch) error {
	if db.writeSync {
		return b.Commit(pebble.Sync)
	}
	return b.Commit(pebble.NoSync)
}

// Set writes a single key.
func (db *DB) Set(key, value []byte) error {
	return db.Update(context.Background(), func(b *pebble.Batch) error {
		return b.Set(key, value, nil)
	})
}

// Get copies the value for key, or returns ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Has reports whether key exists.
func (db *DB) Has(key []byte) (bool, error) {
	_, closer, err := db.inner.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = closer.Close()
	return true, nil
}

// Scan calls fn for each key under prefix in order, starting at start
// (inclusive, nil means the beginning of the prefix). Returning false from fn
// stops the scan. Key and value are only valid during the call.
func (db *DB) Scan(prefix, start []byte, fn func(key, value []byte) bool) error {
	upper := PrefixEnd(prefix)
	it, err := db.inner.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return err
	}
	defer it.Close()
	var ok bool
	if start != nil && bytes.Compare(start, prefix) > 0 {
		ok = it.SeekGE(start)
	} else {
		ok = it.First()
	}
	for ; ok; ok = it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Error()
}

// PrefixEnd returns the smallest key greater than every key with prefix, or
// nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
