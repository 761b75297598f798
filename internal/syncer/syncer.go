package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/csvsync/internal/ledger"
	"github.com/rzbill/csvsync/internal/logstore"
	"github.com/rzbill/csvsync/internal/remote"
	logpkg "github.com/rzbill/csvsync/pkg/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrClosed is reported by syncs requested after Close.
var ErrClosed = errors.New("syncer closed")

// DefaultTimeout bounds a single push when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// GuardFunc runs fn while holding the critical section of log name.
type GuardFunc func(name string, fn func() error) error

// Options configures a Syncer.
type Options struct {
	Ledger *ledger.Ledger
	Store  *logstore.Store
	Pusher remote.Pusher
	// Resolve maps a log name to its file path. Nil uses the name as is.
	Resolve func(name string) (string, error)
	// Guard serializes access to one log with its writers. Nil uses a
	// private per-name mutex.
	Guard GuardFunc
	// Node identifies this writer to the remote store.
	Node    string
	Timeout time.Duration
	// Limiter paces pushes across all logs. Nil means unlimited.
	Limiter *rate.Limiter
	// Concurrency caps parallel pushes in SyncAll; 0 means 4.
	Concurrency int
	Logger      logpkg.Logger
	// OnResult observes every finished attempt.
	OnResult func(Result)
}

// cursor remembers where the first unsent row of a log starts so the next
// attempt does not re-read the whole file.
type cursor struct {
	remote int64
	offset int64
	header string
}

// Syncer pushes log backlogs. It is safe for concurrent use.
type Syncer struct {
	opts   Options
	logger logpkg.Logger
	group  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	cursors map[string]cursor
	dirty   map[string]bool
	locks   map[string]*sync.Mutex
}

// New returns a Syncer. Ledger and Store are required.
func New(opts Options) *Syncer {
	if opts.Pusher == nil {
		opts.Pusher = remote.Nop{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		opts:    opts,
		logger:  logger.WithComponent("syncer"),
		ctx:     ctx,
		cancel:  cancel,
		cursors: make(map[string]cursor),
		dirty:   make(map[string]bool),
		locks:   make(map[string]*sync.Mutex),
	}
	if s.opts.Guard == nil {
		s.opts.Guard = s.localGuard
	}
	return s
}

func (s *Syncer) localGuard(name string, fn func() error) error {
	s.mu.Lock()
	m, ok := s.locks[name]
	if !ok {
		m = &sync.Mutex{}
		s.locks[name] = m
	}
	s.mu.Unlock()
	m.Lock()
	defer m.Unlock()
	return fn()
}

// Sync starts pushing the backlog of log name and returns immediately. Calls
// made while an attempt for the same log is in flight join that attempt; the
// attempt runs another round when such a call arrived after its snapshot, so
// rows written before Sync was called are covered by the returned Future.
//
// ctx is only checked before the attempt is scheduled; the push itself is
// bound to the Syncer's lifetime and Options.Timeout.
func (s *Syncer) Sync(ctx context.Context, name string) *Future {
	f := newFuture()
	if err := ctx.Err(); err != nil {
		f.complete(Result{Log: name, Err: err})
		return f
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f.complete(Result{Log: name, Err: ErrClosed})
		return f
	}
	s.dirty[name] = true
	s.wg.Add(1)
	// Joining under mu pairs with the release in run: a call either joins a
	// flight that will see it dirty, or starts one after the last has stopped
	// pushing.
	ch := s.group.DoChan(name, func() (interface{}, error) {
		return s.run(name), nil
	})
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		r := <-ch
		f.complete(r.Val.(Result))
	}()
	return f
}

// SyncAll syncs every log with a backlog and waits for the results.
func (s *Syncer) SyncAll(ctx context.Context) ([]Result, error) {
	var pending []string
	for _, e := range s.opts.Ledger.Entries() {
		if e.Pending() > 0 {
			pending = append(pending, e.Name)
		}
	}
	results := make([]Result, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, name := range pending {
		g.Go(func() error {
			res, err := s.Sync(gctx, name).Wait(ctx)
			if err != nil && res.Log == "" {
				res = Result{Log: name, Err: err}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Log, r.Err))
		}
	}
	return results, errors.Join(errs...)
}

// Run calls SyncAll every interval until ctx is done or the Syncer closes.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-t.C:
			if _, err := s.SyncAll(ctx); err != nil {
				s.logger.Debug("retry pass incomplete", logpkg.Err(err))
			}
		}
	}
}

// Close abandons in-flight pushes and waits for them to return. The ledger
// is left as it was; abandoned rows are pushed again after restart.
func (s *Syncer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	return nil
}

// Forget drops cached read state for name, e.g. after its file was replaced.
func (s *Syncer) Forget(name string) {
	s.mu.Lock()
	delete(s.cursors, name)
	s.mu.Unlock()
}

func (s *Syncer) run(name string) Result {
	var total Result
	for {
		r := s.attempt(name)
		total.Log = name
		total.Pushed += r.Pushed
		total.Entry = r.Entry
		total.Err = r.Err
		if r.Pushed > 0 {
			total.First, total.Last = r.First, r.Last
		}
		if r.Err != nil {
			break
		}
		if s.release(name) {
			break
		}
	}
	if s.opts.OnResult != nil {
		s.opts.OnResult(total)
	}
	return total
}

// release ends the flight for name unless a Sync arrived during the last
// round. Once released, later callers start a fresh flight; at most one
// flight per log pushes at a time.
func (s *Syncer) release(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty[name] {
		return false
	}
	s.group.Forget(name)
	return true
}

// snapshot is the backlog captured inside the critical section.
type snapshot struct {
	entry  ledger.Entry
	header string
	rows   []string
	// next is the offset just past the last row in rows.
	next int64
}

func (s *Syncer) attempt(name string) Result {
	res := Result{Log: name}
	var snap snapshot
	err := s.opts.Guard(name, func() error {
		s.mu.Lock()
		s.dirty[name] = false
		s.mu.Unlock()
		var err error
		snap, err = s.readBacklog(name)
		return err
	})
	res.Entry = snap.entry
	if err != nil {
		res.Err = err
		s.logger.Warn("read backlog failed", logpkg.LogName(name), logpkg.Err(err))
		return res
	}
	if len(snap.rows) == 0 {
		return res
	}

	b := remote.Batch{
		Node:   s.opts.Node,
		Log:    name,
		Header: snap.header,
		First:  snap.entry.Remote + 1,
		Rows:   snap.rows,
	}
	res.First, res.Last = b.First, b.Last()

	if err := s.push(b); err != nil {
		res.Err = err
		s.logger.Warn("push failed",
			logpkg.LogName(name),
			logpkg.Int64("first", b.First),
			logpkg.Int64("last", b.Last()),
			logpkg.Err(err))
		return res
	}
	res.Pushed = len(b.Rows)

	err = s.opts.Guard(name, func() error {
		e, err := s.opts.Ledger.RecordRemoteAck(name, b.Last())
		res.Entry = e
		if err != nil {
			return err
		}
		s.mu.Lock()
		if e.Remote == b.Last() {
			s.cursors[name] = cursor{remote: e.Remote, offset: snap.next, header: snap.header}
		} else {
			delete(s.cursors, name)
		}
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		res.Err = err
		s.logger.Error("record remote ack failed", logpkg.LogName(name), logpkg.Err(err))
		return res
	}
	s.logger.Debug("pushed rows",
		logpkg.LogName(name),
		logpkg.Int64("first", b.First),
		logpkg.Int64("last", b.Last()),
		logpkg.Int64("remote", res.Entry.Remote))
	return res
}

func (s *Syncer) push(b remote.Batch) error {
	if s.opts.Limiter != nil {
		if err := s.opts.Limiter.Wait(s.ctx); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.Timeout)
	defer cancel()
	acked, err := s.opts.Pusher.Push(ctx, b)
	if err != nil {
		return err
	}
	return remote.CheckAck(b, acked)
}

// readBacklog must run inside the critical section of name.
func (s *Syncer) readBacklog(name string) (snapshot, error) {
	e, _ := s.opts.Ledger.Get(name)
	snap := snapshot{entry: e}
	want := e.Pending()
	if want <= 0 {
		return snap, nil
	}
	path := name
	if s.opts.Resolve != nil {
		p, err := s.opts.Resolve(name)
		if err != nil {
			return snap, err
		}
		path = p
	}

	s.mu.Lock()
	c, ok := s.cursors[name]
	s.mu.Unlock()

	var (
		start int64
		rows  []string
	)
	if ok && c.remote == e.Remote {
		lines, _, err := s.opts.Store.ReadLines(path, c.offset)
		if err != nil {
			return snap, err
		}
		start, rows, snap.header = c.offset, lines, c.header
	} else {
		lines, _, err := s.opts.Store.ReadLines(path, 0)
		if err != nil {
			return snap, err
		}
		if len(lines) == 0 {
			s.logger.Warn("log file missing or empty", logpkg.LogName(name), logpkg.Int64("pending", want))
			return snap, nil
		}
		snap.header = lines[0]
		start = int64(len(lines[0]) + 1)
		skip := e.Remote
		if skip > int64(len(lines)-1) {
			skip = int64(len(lines) - 1)
		}
		for _, l := range lines[1 : 1+skip] {
			start += int64(len(l) + 1)
		}
		rows = lines[1+skip:]
		if skip < e.Remote {
			rows = nil
		}
	}

	if int64(len(rows)) > want {
		rows = rows[:want]
	} else if int64(len(rows)) < want {
		s.logger.Warn("log file holds fewer rows than recorded",
			logpkg.LogName(name),
			logpkg.Int64("local", e.Local),
			logpkg.Int64("available", e.Remote+int64(len(rows))))
	}
	next := start
	for _, r := range rows {
		next += int64(len(r) + 1)
	}
	snap.rows = rows
	snap.next = next
	return snap, nil
}
