// Package csvlog is the user-facing logging session: a plain stateful object
// holding the log's filename and format settings, with explicit getters,
// setters and change callbacks.
//
// Each Log call formats one row, appends it durably to the local file,
// records it in the ledger and schedules an asynchronous push of the log's
// backlog. Only local failures are returned; remote outcomes are delivered
// to OnSync callbacks.
//
// Example:
//
//	s := csvlog.New(rt, csvlog.Options{Filename: "flight.csv", Header: []string{"speed", "altitude"}, LogTime: true, Precision: 2})
//	defer s.Release()
//	_ = s.LogAny(ctx, 12.345, 100)
package csvlog
