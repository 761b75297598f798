// Package ledger persists per-log sync progress.
//
// The ledger file (logManager.csv) holds one row per log: name, rows written
// locally, rows acknowledged remotely. It is rewritten wholesale on every
// mutation. Both counts only move forward, and the remote count never passes
// the local one. The backlog of a log is the row range (Remote, Local].
package ledger
