// Package ingest is the receiving end of the http and grpc transports: it
// stores pushed rows in Pebble keyed by writer node, log name and row
// number, acknowledges whole batches and serves the rows back for
// inspection.
//
// HTTP routes:
//
//	GET  /api/health
//	POST /api/ingest/rows                      body: remote.PushRequest
//	GET  /api/logs
//	GET  /api/logs/{node}/rows?log=&from=&limit=
package ingest
