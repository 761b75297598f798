package dbsink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rzbill/csvsync/internal/remote"
)

// Postgres pushes rows into PostgreSQL through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
	d    dialect
}

var _ remote.Pusher = (*Postgres)(nil)

// OpenPostgres connects to dsn, verifies the connection and creates the
// tables if needed.
func OpenPostgres(ctx context.Context, dsn, table string) (*Postgres, error) {
	table, err := checkTable(table)
	if err != nil {
		return nil, err
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("dbsink: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("dbsink: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("dbsink: ping: %w", err)
	}
	p := &Postgres{pool: pool, d: postgresDialect(table)}
	for _, stmt := range p.d.schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("dbsink: create schema: %w", err)
		}
	}
	return p, nil
}

// Push writes the batch in one transaction.
func (p *Postgres) Push(ctx context.Context, b remote.Batch) (int64, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	batch := &pgx.Batch{}
	batch.Queue(p.d.upsertHeader, b.Node, b.Log, b.Header)
	for i, line := range b.Rows {
		batch.Queue(p.d.insertRow, b.Node, b.Log, b.First+int64(i), line)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("insert rows %s: %w", b.IdempotencyKey(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return b.Last(), nil
}

// Count returns the number of stored rows for node/log.
func (p *Postgres) Count(ctx context.Context, node, log string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, p.d.countRows, node, log).Scan(&n)
	return n, err
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
