// Package syncer pushes the unsent rows of each log to a remote store.
//
// For a log with ledger entry (remote, local) the backlog is rows
// remote+1..local. A sync attempt snapshots the backlog inside the log's
// critical section, pushes it as one batch outside of it, and on a whole
// batch acknowledgment re-enters the section to advance the ledger's remote
// count. Failures leave the ledger untouched, so the same rows are pushed
// again by the next attempt: delivery is at-least-once.
//
// Example:
//
//	s := syncer.New(syncer.Options{Ledger: l, Store: st, Pusher: p, Resolve: resolve})
//	defer s.Close()
//	res, err := s.Sync(ctx, "speed.csv").Wait(ctx)
package syncer
