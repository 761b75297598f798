package dbsink

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rzbill/csvsync/internal/remote"
	_ "modernc.org/sqlite"
)

// SQLite pushes rows into a SQLite database file.
type SQLite struct {
	db *sql.DB
	d  dialect
}

var _ remote.Pusher = (*SQLite)(nil)

// OpenSQLite opens dsn with the pure-Go sqlite driver and creates the
// tables if needed.
func OpenSQLite(ctx context.Context, dsn, table string) (*SQLite, error) {
	table, err := checkTable(table)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbsink: open: %w", err)
	}
	// one writer at a time; sqlite serializes writes anyway
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db, d: sqliteDialect(table)}
	for _, stmt := range s.d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("dbsink: create schema: %w", err)
		}
	}
	return s, nil
}

// Push writes the batch in one transaction.
func (s *SQLite) Push(ctx context.Context, b remote.Batch) (int64, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.d.upsertHeader, b.Node, b.Log, b.Header); err != nil {
		return 0, fmt.Errorf("store header: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, s.d.insertRow)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for i, line := range b.Rows {
		if _, err := stmt.ExecContext(ctx, b.Node, b.Log, b.First+int64(i), line); err != nil {
			return 0, fmt.Errorf("insert row %d: %w", b.First+int64(i), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return b.Last(), nil
}

// Count returns the number of stored rows for node/log.
func (s *SQLite) Count(ctx context.Context, node, log string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.d.countRows, node, log).Scan(&n)
	return n, err
}

// Rows returns stored lines for node/log in row order.
func (s *SQLite) Rows(ctx context.Context, node, log string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.d.selectRows, node, log)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }
