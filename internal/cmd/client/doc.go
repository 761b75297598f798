// Package client provides the `csvsync` command-line commands.
//
// Local commands work on the data directory: they append rows, push
// backlogs and report the ledger. The remote group reads back what an
// ingest server received over its HTTP API.
//
// # Configuration
//
// Settings resolve in order: built-in defaults, the --config JSON file,
// the .env file and CSVSYNC_* variables, then flags.
//
// Usage
//
//	csvsync init --config csvsync.json
//
//	csvsync log --file speed.csv --header speed,altitude 12.345 100
//	sensor | csvsync log --file speed.csv --stdin --wait 0
//
//	csvsync status --pending
//	csvsync sync                      # every log with a backlog
//	csvsync sync speed.csv
//
//	csvsync read speed.csv --filter 'values.speed > 10.0' --json
//
//	csvsync token hash "$TOKEN"       # value for ingest.tokenHash
//	csvsync remote logs --url http://127.0.0.1:8080
//	csvsync remote rows --node NODE --log speed.csv --from 1 --limit 100
package client
