package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/rzbill/csvsync/internal/remote"
	pebblestore "github.com/rzbill/csvsync/internal/storage/pebble"
	logpkg "github.com/rzbill/csvsync/pkg/log"
)

// Row is one stored line and its position in the writer's log.
type Row struct {
	N    int64  `json:"row"`
	Line string `json:"line"`
}

// LogInfo summarizes one received log.
type LogInfo struct {
	Node string `json:"node"`
	Log  string `json:"log"`
	High int64  `json:"high"`
}

// Store keeps received rows keyed by (node, log, row). A row position is
// written once; re-sent rows are ignored, which makes pushes idempotent.
type Store struct {
	db     *pebblestore.DB
	logger logpkg.Logger

	// mu serializes read-modify-write of the per-log high-water mark.
	mu sync.Mutex
}

// NewStore wraps an open database.
func NewStore(db *pebblestore.DB, logger logpkg.Logger) *Store {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	return &Store{db: db, logger: logger.WithComponent("ingest")}
}

// Append stores the rows of b that are not stored yet and returns the number
// of the last row of the batch once all of them are durable.
func (s *Store) Append(ctx context.Context, b remote.Batch) (int64, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	high, err := s.high(b.Node, b.Log)
	if err != nil {
		return 0, err
	}
	var fresh, conflicts int
	err = s.db.Update(ctx, func(batch *pebble.Batch) error {
		if high == 0 && b.Header != "" {
			if err := batch.Set(keyHeader(b.Node, b.Log), []byte(b.Header), nil); err != nil {
				return err
			}
		}
		for i, line := range b.Rows {
			n := b.First + int64(i)
			k := keyRow(b.Node, b.Log, n)
			if n <= high {
				prev, err := s.db.Get(k)
				if err == nil {
					if !bytes.Equal(prev, []byte(line)) {
						conflicts++
					}
					continue
				}
				if !errors.Is(err, pebblestore.ErrNotFound) {
					return err
				}
			}
			if err := batch.Set(k, []byte(line), nil); err != nil {
				return err
			}
			fresh++
		}
		if last := b.Last(); last > high {
			return batch.Set(keyIndex(b.Node, b.Log), appendBE8(nil, uint64(last)), nil)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store %s: %w", b.IdempotencyKey(), err)
	}
	if conflicts > 0 {
		s.logger.Warn("re-sent rows differ from stored rows; kept the stored ones",
			logpkg.Str("node", b.Node), logpkg.LogName(b.Log), logpkg.Int("rows", conflicts))
	}
	s.logger.Debug("batch stored",
		logpkg.Str("key", b.IdempotencyKey()),
		logpkg.Int("new", fresh),
		logpkg.Int("duplicate", len(b.Rows)-fresh))
	return b.Last(), nil
}

func (s *Store) high(node, log string) (int64, error) {
	v, err := s.db.Get(keyIndex(node, log))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeBE8(v), nil
}

// Header returns the header line received for a log.
func (s *Store) Header(node, log string) (string, bool, error) {
	v, err := s.db.Get(keyHeader(node, log))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(v), true, nil
}

// Rows returns up to limit stored rows of a log starting at row from.
// Missing positions are skipped.
func (s *Store) Rows(node, log string, from int64, limit int) ([]Row, error) {
	if from < 1 {
		from = 1
	}
	prefix := rowsPrefix(node, log)
	start := appendBE8(append([]byte(nil), prefix...), uint64(from))
	var out []Row
	err := s.db.Scan(prefix, start, func(k, v []byte) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		out = append(out, Row{N: decodeBE8(k[len(prefix):]), Line: string(v)})
		return true
	})
	return out, err
}

// Logs lists every log that received rows, ordered by node then log.
func (s *Store) Logs() ([]LogInfo, error) {
	var (
		out  []LogInfo
		derr error
	)
	err := s.db.Scan(indexPrefix, nil, func(k, v []byte) bool {
		node, log, _, err := decodeLogKey(indexPrefix, k)
		if err != nil {
			derr = err
			return false
		}
		out = append(out, LogInfo{Node: node, Log: log, High: decodeBE8(v)})
		return true
	})
	if err == nil {
		err = derr
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Node != out[j].Node {
			return out[i].Node < out[j].Node
		}
		return out[i].Log < out[j].Log
	})
	return out, err
}

// Count returns the number of rows stored for a log.
func (s *Store) Count(node, log string) (int64, error) {
	var n int64
	err := s.db.Scan(rowsPrefix(node, log), nil, func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}
