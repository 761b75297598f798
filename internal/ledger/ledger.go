package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	logpkg "github.com/rzbill/csvsync/pkg/log"
)

// FileName is the well-known ledger file name inside the data directory.
const FileName = "logManager.csv"

// Entry is the sync bookkeeping of one log: rows written locally and rows
// acknowledged by the remote store. Remote <= Local always holds.
type Entry struct {
	Name   string
	Local  int64
	Remote int64
}

// Pending returns the number of rows not yet acknowledged.
func (e Entry) Pending() int64 { return e.Local - e.Remote }

// Ledger is a small CSV-backed map persisted wholesale on every mutation.
type Ledger struct {
	path   string
	logger logpkg.Logger

	mu      sync.Mutex
	entries map[string]*Entry
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger used to report corrupt entries.
func WithLogger(l logpkg.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// Load reads the ledger at path. A missing file yields an empty ledger.
// Malformed rows are skipped and rows whose remote count exceeds the local
// count are clamped; neither is an error.
func Load(path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{path: path, logger: logpkg.NewNopLogger(), entries: make(map[string]*Entry)}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.WithComponent("ledger")

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				l.logger.Warn("skipping unparsable ledger row", logpkg.Int("line", line), logpkg.Err(err))
				continue
			}
			return nil, fmt.Errorf("read ledger: %w", err)
		}
		e, ok := parseEntry(rec)
		if !ok {
			l.logger.Warn("skipping malformed ledger row", logpkg.Int("line", line), logpkg.Str("row", strings.Join(rec, ",")))
			continue
		}
		if e.Remote > e.Local {
			l.logger.Warn("clamping remote count to local count",
				logpkg.LogName(e.Name), logpkg.Int64("local", e.Local), logpkg.Int64("remote", e.Remote))
			e.Remote = e.Local
		}
		l.entries[e.Name] = &e
	}
	return l, nil
}

func parseEntry(rec []string) (Entry, bool) {
	if len(rec) != 3 || rec[0] == "" {
		return Entry{}, false
	}
	local, err1 := strconv.ParseInt(strings.TrimSpace(rec[1]), 10, 64)
	remote, err2 := strconv.ParseInt(strings.TrimSpace(rec[2]), 10, 64)
	if err1 != nil || err2 != nil || local < 0 || remote < 0 {
		return Entry{}, false
	}
	return Entry{Name: rec[0], Local: local, Remote: remote}, true
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Get returns the entry for name and whether it exists.
func (l *Ledger) Get(name string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[name]; ok {
		return *e, true
	}
	return Entry{Name: name}, false
}

// Entries returns a snapshot of all entries sorted by name.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RecordLocalWrite counts one more locally written row and persists.
func (l *Ledger) RecordLocalWrite(name string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(name)
	e.Local++
	if err := l.persistLocked(); err != nil {
		e.Local--
		return *e, err
	}
	return *e, nil
}

// RecordRemoteAck advances the remote count to count, never backwards and
// never past the local count, and persists when it changed.
func (l *Ledger) RecordRemoteAck(name string, count int64) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(name)
	if count > e.Local {
		count = e.Local
	}
	if count <= e.Remote {
		return *e, nil
	}
	prev := e.Remote
	e.Remote = count
	if err := l.persistLocked(); err != nil {
		e.Remote = prev
		return *e, err
	}
	return *e, nil
}

// ObserveLocal raises the local count to count when the file holds more rows
// than the ledger knows about, which happens when the process stopped between
// an append and the ledger write.
func (l *Ledger) ObserveLocal(name string, count int64) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(name)
	if count <= e.Local {
		return *e, nil
	}
	prev := e.Local
	e.Local = count
	if err := l.persistLocked(); err != nil {
		e.Local = prev
		return *e, err
	}
	return *e, nil
}

func (l *Ledger) entryLocked(name string) *Entry {
	e, ok := l.entries[name]
	if !ok {
		e = &Entry{Name: name}
		l.entries[name] = e
	}
	return e
}

// persistLocked rewrites the whole ledger through a temp file and rename so a
// crash leaves either the old or the new ledger on disk.
func (l *Ledger) persistLocked() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(l.path)+".*")
	if err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	for _, e := range l.snapshotLocked() {
		rec := []string{e.Name, strconv.FormatInt(e.Local, 10), strconv.FormatInt(e.Remote, 10)}
		if err := w.Write(rec); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("persist ledger: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persist ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persist ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}
