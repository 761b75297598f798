// Package pebblestore is the embedded key-value store behind the ingest
// server. It adds a commit policy and ordered prefix scans on top of Pebble.
//
//	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	_ = db.Update(ctx, func(b *pebble.Batch) error {
//	    return b.Set([]byte("k"), []byte("v"), nil)
//	})
//	_ = db.Scan([]byte("k"), nil, func(k, v []byte) bool { return true })
package pebblestore
