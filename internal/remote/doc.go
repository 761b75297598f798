// Package remote defines the push primitive used to reconcile local CSV logs
// with a remote store.
//
// A Batch carries a contiguous row range of one log. Pushers acknowledge whole
// batches only; a partial acknowledgment is a rejection and the caller retries
// the full range later. Delivery is at-least-once: every implementation stores
// rows under (node, log, row) so a re-sent batch lands on the same keys.
//
// Implementations live in subpackages: httppush, grpcpush, dbsink and objsink.
// Package dial builds the configured one.
package remote
