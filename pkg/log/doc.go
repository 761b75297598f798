// Package log provides csvsync's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Internally it is backed by log/slog via
// a bridge handler that feeds a Formatter and one or more Outputs.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("syncer"), log.LogName("speed.csv"))
//	l.Info("pushed backlog", log.Int64("rows", 12))
//
// # Configuration
//
// ApplyConfig builds a logger from a declarative Config (text or json
// formatting, optional file output, redacted keys such as "token").
//
// # Interop
//
// ToStdLogger and RedirectStdLog adapt the facade for libraries that write
// through the standard library logger (Pebble, net/http).
package log
