package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cfgpkg "github.com/rzbill/csvsync/internal/config"
	"github.com/rzbill/csvsync/internal/ledger"
	"github.com/rzbill/csvsync/internal/logstore"
	"github.com/rzbill/csvsync/internal/remote"
	"github.com/rzbill/csvsync/internal/remote/dial"
	"github.com/rzbill/csvsync/internal/syncer"
	logpkg "github.com/rzbill/csvsync/pkg/log"
	"golang.org/x/time/rate"
)

// NodeIDFile holds the persistent writer identity inside the data dir.
const NodeIDFile = "node-id"

// Options for building the Runtime.
type Options struct {
	// DataDir overrides Config.DataDir; both empty means the default dir.
	DataDir string
	Config  cfgpkg.Config
	// Pusher overrides the transport built from Config.Remote.
	Pusher remote.Pusher
	Logger logpkg.Logger
	// OnSync observes every finished sync attempt.
	OnSync func(syncer.Result)
}

// Runtime wires the ledger, the log store and the syncer for one data dir.
type Runtime struct {
	dataDir string
	config  cfgpkg.Config
	root    logpkg.Logger
	logger  logpkg.Logger
	node    string

	ledger *ledger.Ledger
	store  *logstore.Store
	syncer *syncer.Syncer
	closer io.Closer

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	recovered map[string]bool
	closed    bool

	stopRun context.CancelFunc
	runDone chan struct{}

	listenersMu sync.Mutex
	listeners   map[int]func(syncer.Result)
	nextID      int
}

// Open loads the ledger, reconciles it with the files on disk and starts the
// syncer.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = opts.Config.DataDir
	}
	if dataDir == "" {
		dataDir = cfgpkg.DefaultDataDir()
	}
	dataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	node, err := ensureNodeID(dataDir)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Load(filepath.Join(dataDir, ledger.FileName), ledger.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		dataDir:   dataDir,
		config:    opts.Config,
		root:      logger,
		logger:    logger.WithComponent("runtime"),
		node:      node,
		ledger:    l,
		store:     logstore.New(),
		locks:     make(map[string]*sync.Mutex),
		recovered: make(map[string]bool),
		listeners: make(map[int]func(syncer.Result)),
	}
	if opts.OnSync != nil {
		rt.Subscribe(opts.OnSync)
	}

	pusher := opts.Pusher
	if pusher == nil {
		p, closer, err := dial.Open(context.Background(), opts.Config.Remote, logger)
		if err != nil {
			_ = rt.store.Close()
			return nil, err
		}
		pusher, rt.closer = p, closer
	}

	var limiter *rate.Limiter
	if opts.Config.Sync.RatePerSec > 0 {
		burst := opts.Config.Sync.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Config.Sync.RatePerSec), burst)
	}
	rt.syncer = syncer.New(syncer.Options{
		Ledger:   l,
		Store:    rt.store,
		Pusher:   pusher,
		Resolve:  rt.Resolve,
		Guard:    rt.WithLog,
		Node:     node,
		Timeout:  time.Duration(opts.Config.Remote.TimeoutMs) * time.Millisecond,
		Limiter:  limiter,
		Logger:   logger,
		OnResult: rt.publish,
	})

	for _, e := range l.Entries() {
		if key, err := rt.Key(e.Name); err == nil && key != e.Name {
			rt.logger.Warn("ledger entry names an alias of another log; skipping recovery",
				logpkg.LogName(e.Name), logpkg.Str("key", key))
			continue
		}
		if _, err := rt.Recover(e.Name); err != nil {
			rt.logger.Warn("recovery failed", logpkg.LogName(e.Name), logpkg.Err(err))
		}
	}

	if iv := opts.Config.Sync.RetryIntervalMs; iv > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		rt.stopRun = cancel
		rt.runDone = make(chan struct{})
		go func() {
			defer close(rt.runDone)
			rt.syncer.Run(ctx, time.Duration(iv)*time.Millisecond)
		}()
	}
	rt.logger.Info("runtime open",
		logpkg.Str("data_dir", dataDir),
		logpkg.Str("node", node),
		logpkg.Int("logs", len(l.Entries())))
	return rt, nil
}

// ensureNodeID returns the id stored in the data dir, creating it once.
func ensureNodeID(dataDir string) (string, error) {
	p := filepath.Join(dataDir, NodeIDFile)
	if data, err := os.ReadFile(p); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read node id: %w", err)
	}
	id := uuid.New().String()
	if err := os.WriteFile(p, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write node id: %w", err)
	}
	return id, nil
}

// Close stops background syncing, abandons in-flight pushes and releases
// file handles. Unsent rows stay recorded in the ledger.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.stopRun != nil {
		r.stopRun()
		<-r.runDone
	}
	var errs []error
	errs = append(errs, r.syncer.Close())
	if r.closer != nil {
		errs = append(errs, r.closer.Close())
	}
	errs = append(errs, r.store.Close())
	return errors.Join(errs...)
}

// CheckHealth verifies the data dir is still usable.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return errors.New("runtime closed")
	}
	st, err := os.Stat(r.dataDir)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%s is not a directory", r.dataDir)
	}
	return nil
}

// Key returns the identity of log name: the slash-separated path relative
// to the data dir for files inside it, the absolute path otherwise. Every
// alias of one file maps to one key, which names its ledger entry, its
// critical section and its pushes.
func (r *Runtime) Key(name string) (string, error) {
	path, err := r.Resolve(name)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(r.dataDir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path, nil
	}
	return filepath.ToSlash(rel), nil
}

// WithLog runs fn inside the critical section of log name. Every append,
// ledger update and backlog snapshot of one log happens under it. Aliases of
// one file share the section.
func (r *Runtime) WithLog(name string, fn func() error) error {
	key, err := r.Key(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	m, ok := r.locks[key]
	if !ok {
		m = &sync.Mutex{}
		r.locks[key] = m
	}
	r.mu.Unlock()
	m.Lock()
	defer m.Unlock()
	return fn()
}

// Recover reconciles the ledger with the file of log name once per process:
// a partial trailing line is terminated and rows the ledger missed are
// counted as local.
func (r *Runtime) Recover(name string) (ledger.Entry, error) {
	key, err := r.Key(name)
	if err != nil {
		return ledger.Entry{}, err
	}
	var e ledger.Entry
	err = r.WithLog(key, func() error {
		var err error
		e, err = r.recoverLocked(key)
		return err
	})
	return e, err
}

// recoverLocked expects name to be a key.
func (r *Runtime) recoverLocked(name string) (ledger.Entry, error) {
	r.mu.Lock()
	done := r.recovered[name]
	r.mu.Unlock()
	if done {
		e, _ := r.ledger.Get(name)
		return e, nil
	}
	path, err := r.Resolve(name)
	if err != nil {
		return ledger.Entry{}, err
	}
	if err := r.store.Repair(path); err != nil {
		return ledger.Entry{}, err
	}
	n, err := r.store.CountRows(path)
	if err != nil {
		return ledger.Entry{}, err
	}
	before, _ := r.ledger.Get(name)
	e := before
	if n > before.Local {
		e, err = r.ledger.ObserveLocal(name, n)
		if err != nil {
			return e, err
		}
		r.logger.Warn("ledger behind log file; counted unrecorded rows",
			logpkg.LogName(name),
			logpkg.Int64("ledger_local", before.Local),
			logpkg.Int64("file_rows", n))
	}
	r.mu.Lock()
	r.recovered[name] = true
	r.mu.Unlock()
	return e, nil
}

// Append writes line to log name and records it in the ledger under the
// log's key. The caller must hold the log's critical section.
func (r *Runtime) Append(name, header, line string) (ledger.Entry, error) {
	name, err := r.Key(name)
	if err != nil {
		return ledger.Entry{}, err
	}
	if _, err := r.recoverLocked(name); err != nil {
		return ledger.Entry{}, err
	}
	path, err := r.Resolve(name)
	if err != nil {
		return ledger.Entry{}, err
	}
	if _, err := r.store.Append(path, header, line); err != nil {
		return ledger.Entry{}, err
	}
	e, err := r.ledger.RecordLocalWrite(name)
	if err != nil {
		// the row is on disk; recount the file before the next append
		r.mu.Lock()
		delete(r.recovered, name)
		r.mu.Unlock()
		return e, fmt.Errorf("record local write: %w", err)
	}
	return e, nil
}

// Resolve maps a log name to its file path.
func (r *Runtime) Resolve(name string) (string, error) {
	return cfgpkg.ResolveLogPath(r.dataDir, name)
}

// Sync schedules an asynchronous push of the backlog of log name. Results
// carry the log's key.
func (r *Runtime) Sync(ctx context.Context, name string) *syncer.Future {
	if key, err := r.Key(name); err == nil {
		name = key
	}
	return r.syncer.Sync(ctx, name)
}

// Subscribe registers fn for every finished sync attempt and returns a
// function removing it.
func (r *Runtime) Subscribe(fn func(syncer.Result)) (cancel func()) {
	r.listenersMu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.listenersMu.Unlock()
	return func() {
		r.listenersMu.Lock()
		delete(r.listeners, id)
		r.listenersMu.Unlock()
	}
}

func (r *Runtime) publish(res syncer.Result) {
	r.listenersMu.Lock()
	fns := make([]func(syncer.Result), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.listenersMu.Unlock()
	for _, fn := range fns {
		fn(res)
	}
}

// DataDir returns the absolute data directory.
func (r *Runtime) DataDir() string { return r.dataDir }

// Node returns the persistent writer identity.
func (r *Runtime) Node() string { return r.node }

// Ledger exposes the sync ledger.
func (r *Runtime) Ledger() *ledger.Ledger { return r.ledger }

// Store exposes the log store.
func (r *Runtime) Store() *logstore.Store { return r.store }

// Syncer exposes the syncer.
func (r *Runtime) Syncer() *syncer.Syncer { return r.syncer }

// Logger returns the root logger the runtime was opened with.
func (r *Runtime) Logger() logpkg.Logger { return r.root }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
