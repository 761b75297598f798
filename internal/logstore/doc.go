// Package logstore implements the local append-only CSV files.
//
// Each log name maps to one file. The first append to an empty file writes the
// header line; every append is fsynced before returning. A row is exactly one
// line, so Append refuses input containing line breaks.
//
// Files are never truncated. A partial trailing line left by a crash is
// terminated with a newline by Repair and from then on counts as a row: it is
// read back, counted by CountRows and pushed like any other row, even though
// its content is cut short. Nothing marks such a row as torn.
//
//	s := logstore.New()
//	_, _ = s.Append(path, "timestamp,speed", "2024-01-01 00:00:00,12.35")
//	lines, _ := s.ReadRowsFrom(path, 0) // header first
package logstore
