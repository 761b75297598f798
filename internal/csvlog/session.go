package csvlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	cfgpkg "github.com/rzbill/csvsync/internal/config"
	"github.com/rzbill/csvsync/internal/rowfmt"
	"github.com/rzbill/csvsync/internal/runtime"
	"github.com/rzbill/csvsync/internal/syncer"
	logpkg "github.com/rzbill/csvsync/pkg/log"
)

var (
	// ErrFrozen is returned by setters of settings that cannot change while
	// a log is open.
	ErrFrozen = errors.New("setting is frozen until Close")
	// ErrNoFilename is returned by Log when no filename is set.
	ErrNoFilename = errors.New("no log filename set")
)

// Property names an observable setting.
type Property int

const (
	PropFilename Property = iota
	PropHeader
	PropLogTime
	PropLogMillis
	PropPrecision
	PropToConsole
)

func (p Property) String() string {
	switch p {
	case PropFilename:
		return "filename"
	case PropHeader:
		return "header"
	case PropLogTime:
		return "logTime"
	case PropLogMillis:
		return "logMillis"
	case PropPrecision:
		return "precision"
	case PropToConsole:
		return "toConsole"
	default:
		return "unknown"
	}
}

// Options are the initial session settings.
type Options struct {
	Filename  string
	Header    []string
	LogTime   bool
	LogMillis bool
	Precision int
	ToConsole bool
	// Console receives mirrored lines; nil means stdout.
	Console io.Writer
	// Now overrides the clock used for timestamps.
	Now func() time.Time
}

// OptionsFromConfig maps the file/env configuration onto session options.
func OptionsFromConfig(cfg cfgpkg.Config) Options {
	return Options{
		Filename:  cfg.Filename,
		Header:    slices.Clone(cfg.Header),
		LogTime:   cfg.LogTime,
		LogMillis: cfg.LogMillis,
		Precision: cfg.Precision,
		ToConsole: cfg.ToConsole,
	}
}

// Session logs rows to one CSV file. It is safe for concurrent use.
type Session struct {
	rt     *runtime.Runtime
	logger logpkg.Logger

	mu        sync.Mutex
	filename  string
	desc      rowfmt.Descriptor
	toConsole bool
	frozen    bool
	console   io.Writer
	now       func() time.Time

	cbMu     sync.Mutex
	onChange []func(Property)
	onSync   []func(syncer.Result)

	unsubscribe func()
}

// New returns a session bound to rt.
func New(rt *runtime.Runtime, opts Options) *Session {
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Session{
		rt:       rt,
		logger:   rt.Logger().WithComponent("csvlog"),
		filename: opts.Filename,
		desc: rowfmt.Descriptor{
			Header:    slices.Clone(opts.Header),
			LogTime:   opts.LogTime,
			LogMillis: opts.LogMillis,
			Precision: opts.Precision,
		},
		toConsole: opts.ToConsole,
		console:   console,
		now:       now,
	}
	s.unsubscribe = rt.Subscribe(s.deliverSync)
	return s
}

// Filename returns the log filename or path.
func (s *Session) Filename() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filename
}

// SetFilename closes the current log and switches to name. Bare or relative
// names resolve under the data dir.
func (s *Session) SetFilename(name string) {
	s.mu.Lock()
	s.frozen = false
	changed := s.filename != name
	s.filename = name
	s.mu.Unlock()
	if changed {
		s.emit(PropFilename)
	}
}

// Header returns a copy of the header fields, timestamp excluded.
func (s *Session) Header() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.desc.Header)
}

// SetHeader replaces the header fields. It fails with ErrFrozen after the
// first successful Log until Close.
func (s *Session) SetHeader(header []string) error {
	s.mu.Lock()
	if s.frozen {
		s.mu.Unlock()
		return ErrFrozen
	}
	changed := !slices.Equal(s.desc.Header, header)
	s.desc.Header = slices.Clone(header)
	s.mu.Unlock()
	if changed {
		s.emit(PropHeader)
	}
	return nil
}

// LogTime reports whether rows start with a timestamp.
func (s *Session) LogTime() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc.LogTime
}

// SetLogTime toggles the leading timestamp. It fails with ErrFrozen after
// the first successful Log until Close.
func (s *Session) SetLogTime(on bool) error {
	s.mu.Lock()
	if s.frozen {
		s.mu.Unlock()
		return ErrFrozen
	}
	changed := s.desc.LogTime != on
	s.desc.LogTime = on
	s.mu.Unlock()
	if changed {
		s.emit(PropLogTime)
	}
	return nil
}

// LogMillis reports whether timestamps carry milliseconds.
func (s *Session) LogMillis() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc.LogMillis
}

// SetLogMillis toggles milliseconds in timestamps.
func (s *Session) SetLogMillis(on bool) {
	s.mu.Lock()
	changed := s.desc.LogMillis != on
	s.desc.LogMillis = on
	s.mu.Unlock()
	if changed {
		s.emit(PropLogMillis)
	}
}

// Precision returns the number of decimals used for floats.
func (s *Session) Precision() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc.Precision
}

// SetPrecision sets the number of decimals used for floats.
func (s *Session) SetPrecision(p int) error {
	if p < 0 {
		return fmt.Errorf("precision must be >= 0, got %d", p)
	}
	s.mu.Lock()
	changed := s.desc.Precision != p
	s.desc.Precision = p
	s.mu.Unlock()
	if changed {
		s.emit(PropPrecision)
	}
	return nil
}

// ToConsole reports whether lines are mirrored to the console.
func (s *Session) ToConsole() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toConsole
}

// SetToConsole toggles console mirroring.
func (s *Session) SetToConsole(on bool) {
	s.mu.Lock()
	changed := s.toConsole != on
	s.toConsole = on
	s.mu.Unlock()
	if changed {
		s.emit(PropToConsole)
	}
}

// OnChange registers fn to run after a setting changes.
func (s *Session) OnChange(fn func(Property)) {
	s.cbMu.Lock()
	s.onChange = append(s.onChange, fn)
	s.cbMu.Unlock()
}

// OnSync registers fn to run after every sync attempt of this session's log.
func (s *Session) OnSync(fn func(syncer.Result)) {
	s.cbMu.Lock()
	s.onSync = append(s.onSync, fn)
	s.cbMu.Unlock()
}

func (s *Session) emit(p Property) {
	s.cbMu.Lock()
	fns := slices.Clone(s.onChange)
	s.cbMu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (s *Session) deliverSync(r syncer.Result) {
	key, err := s.rt.Key(s.Filename())
	if err != nil || r.Log != key {
		return
	}
	s.cbMu.Lock()
	fns := slices.Clone(s.onSync)
	s.cbMu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

// Log appends one row and schedules a push of the log's backlog. It returns
// only local failures: a missing filename or a write error wrapping
// logstore.ErrLocalWrite.
func (s *Session) Log(ctx context.Context, row ...rowfmt.Value) error {
	s.mu.Lock()
	name := s.filename
	if name == "" {
		s.mu.Unlock()
		return ErrNoFilename
	}
	desc := s.desc.Clone()
	headerLine := rowfmt.HeaderLine(desc)
	line := rowfmt.Line(desc, s.now(), row)

	err := s.rt.WithLog(name, func() error {
		_, err := s.rt.Append(name, headerLine, line)
		return err
	})
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("log row failed", logpkg.LogName(name), logpkg.Err(err))
		return err
	}
	s.frozen = true
	mirror, console := s.toConsole, s.console
	s.mu.Unlock()

	if mirror {
		_, _ = fmt.Fprintln(console, line)
	}
	s.rt.Sync(ctx, name)
	return nil
}

// LogAny converts arbitrary values with rowfmt.Of and logs them.
func (s *Session) LogAny(ctx context.Context, values ...any) error {
	return s.Log(ctx, rowfmt.Values(values...)...)
}

// Close ends the current log: header and timestamp settings become
// editable again. The session stays usable.
func (s *Session) Close() {
	s.mu.Lock()
	s.frozen = false
	s.mu.Unlock()
}

// Frozen reports whether header and logTime are locked by a prior Log.
func (s *Session) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// Release closes the session and detaches it from the runtime.
func (s *Session) Release() {
	s.Close()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}
