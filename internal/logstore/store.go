package logstore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrLocalWrite marks failures to create or append to a log file.
var ErrLocalWrite = errors.New("local write failure")

// errMultiline rejects input that would not occupy exactly one line.
var errMultiline = errors.New("line break inside row")

// Store owns the append handles of every CSV log file it has written to.
// Appends and reads of one path must be serialized by the caller; the Store
// only protects its own handle table.
type Store struct {
	mu      sync.Mutex
	handles map[string]*handle
}

type handle struct {
	mu   sync.Mutex
	f    *os.File
	size int64
	// open is set when the file ends in a partial line that must be
	// terminated before the next append.
	open bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{handles: make(map[string]*handle)}
}

func (s *Store) handle(path string) (*handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[path]; ok {
		return h, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	size, open, err := inspectTail(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	h := &handle{f: f, size: size, open: open}
	s.handles[path] = h
	return h, nil
}

func (s *Store) drop(path string, h *handle) {
	s.mu.Lock()
	if s.handles[path] == h {
		delete(s.handles, path)
	}
	s.mu.Unlock()
	_ = h.f.Close()
}

// inspectTail returns the file size and whether its last byte is not a newline.
func inspectTail(f *os.File) (int64, bool, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, false, err
	}
	if st.Size() == 0 {
		return 0, false, nil
	}
	var last [1]byte
	if _, err := f.ReadAt(last[:], st.Size()-1); err != nil {
		return 0, false, err
	}
	return st.Size(), last[0] != '\n', nil
}

// Append writes line to the file at path, preceded by header when the file is
// empty. Lines and headers containing a line break are rejected with
// ErrLocalWrite, since row n must stay line n+1. The write is a single call followed by fsync, so a reader never
// observes a partial line once Append has returned. It returns the number of
// bytes written.
func (s *Store) Append(path, header, line string) (int, error) {
	if strings.ContainsAny(line, "\r\n") || strings.ContainsAny(header, "\r\n") {
		return 0, fmt.Errorf("%w: append %s: %v", ErrLocalWrite, path, errMultiline)
	}
	h, err := s.handle(path)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", ErrLocalWrite, path, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := make([]byte, 0, len(header)+len(line)+3)
	if h.size == 0 {
		buf = append(buf, header...)
		buf = append(buf, '\n')
	} else if h.open {
		buf = append(buf, '\n')
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')

	n, err := h.f.Write(buf)
	if err == nil {
		err = h.f.Sync()
	}
	if err != nil {
		// The on-disk tail is unknown now; reinspect on next use.
		s.drop(path, h)
		return n, fmt.Errorf("%w: append %s: %v", ErrLocalWrite, path, err)
	}
	h.size += int64(n)
	h.open = false
	return n, nil
}

// Repair terminates a partial trailing line left by an interrupted write so
// that it counts as a row and later appends start on a fresh line. Missing
// files are left alone.
func (s *Store) Repair(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	h, err := s.handle(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrLocalWrite, path, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.open {
		return nil
	}
	n, err := h.f.Write([]byte{'\n'})
	if err == nil {
		err = h.f.Sync()
	}
	if err != nil {
		s.drop(path, h)
		return fmt.Errorf("%w: repair %s: %v", ErrLocalWrite, path, err)
	}
	h.size += int64(n)
	h.open = false
	return nil
}

// Size returns the current size of the file at path, 0 if it does not exist.
func (s *Store) Size(path string) (int64, error) {
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// ReadRowsFrom returns every complete line from byte offset to end of file,
// without line terminators. A trailing partial line is never returned.
func (s *Store) ReadRowsFrom(path string, offset int64) ([]string, error) {
	lines, _, err := s.ReadLines(path, offset)
	return lines, err
}

// ReadLines is ReadRowsFrom that also reports the offset just past the last
// complete line returned, for resuming a later read.
func (s *Store) ReadLines(path string, offset int64) ([]string, int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, offset, nil
	}
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}

	var lines []string
	next := offset
	r := bufio.NewReader(f)
	for {
		b, err := r.ReadBytes('\n')
		if err == io.EOF {
			// b holds a partial line, if any.
			return lines, next, nil
		}
		if err != nil {
			return nil, offset, err
		}
		next += int64(len(b))
		lines = append(lines, string(b[:len(b)-1]))
	}
}

// CountRows returns the number of data rows in the file: lines after the
// header, counting a non-empty partial trailing line as a row because the
// next Append or Repair terminates it.
func (s *Store) CountRows(path string) (int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var lines int64
	var last byte = '\n'
	buf := make([]byte, 64<<10)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			lines += int64(bytes.Count(buf[:n], []byte{'\n'}))
			last = buf[n-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if last != '\n' {
		lines++
	}
	if lines <= 1 {
		return 0, nil
	}
	return lines - 1, nil
}

// Forget closes the cached append handle for path, if any.
func (s *Store) Forget(path string) error {
	s.mu.Lock()
	h, ok := s.handles[path]
	delete(s.handles, path)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return h.f.Close()
}

// Close closes every cached handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for p, h := range s.handles {
		if err := h.f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.handles, p)
	}
	return errors.Join(errs...)
}
