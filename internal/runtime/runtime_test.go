package runtime

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/csvsync/internal/config"
	"github.com/rzbill/csvsync/internal/ledger"
	"github.com/rzbill/csvsync/internal/remote"
	"github.com/rzbill/csvsync/internal/syncer"
)

func open(t *testing.T, dir string, p remote.Pusher) *Runtime {
	t.Helper()
	rt, err := Open(Options{DataDir: dir, Config: cfgpkg.Default(), Pusher: p})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func appendRow(t *testing.T, rt *Runtime, name, line string) ledger.Entry {
	t.Helper()
	var e ledger.Entry
	err := rt.WithLog(name, func() error {
		var err error
		e, err = rt.Append(name, "timestamp,speed", line)
		return err
	})
	if err != nil {
		t.Fatalf("append %s: %v", name, err)
	}
	return e
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func syncWait(t *testing.T, rt *Runtime, name string) syncer.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := rt.Sync(ctx, name).Wait(ctx)
	if err != nil {
		t.Fatalf("sync %s: %v", name, err)
	}
	return res
}

func TestOpenCloseHealth(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(Options{DataDir: dir, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); err == nil {
		t.Fatalf("health after close should fail")
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestNodeIDPersists(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(Options{DataDir: dir, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	id := rt.Node()
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if id == "" {
		t.Fatalf("empty node id")
	}

	rt2 := open(t, dir, nil)
	if rt2.Node() != id {
		t.Fatalf("node id changed: %q -> %q", id, rt2.Node())
	}
	if got := readFile(t, filepath.Join(dir, NodeIDFile)); got != id+"\n" {
		t.Fatalf("node-id file: %q", got)
	}
}

func TestAppendWritesHeaderOnceAndCounts(t *testing.T) {
	dir := t.TempDir()
	rt := open(t, dir, remote.Nop{})
	for i, line := range []string{"t1,1", "t2,2", "t3,3"} {
		if e := appendRow(t, rt, "speed.csv", line); e.Local != int64(i+1) {
			t.Fatalf("local after %d appends: %d", i+1, e.Local)
		}
	}
	if got := readFile(t, filepath.Join(dir, "speed.csv")); got != "timestamp,speed\nt1,1\nt2,2\nt3,3\n" {
		t.Fatalf("log file: %q", got)
	}
	if got := readFile(t, filepath.Join(dir, ledger.FileName)); got != "speed.csv,3,0\n" {
		t.Fatalf("ledger file: %q", got)
	}
}

func TestOpenRecoversUnrecordedRows(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(Options{DataDir: dir, Config: cfgpkg.Default(), Pusher: remote.Nop{}})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	appendRow(t, rt, "speed.csv", "t1,1")
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// a row reached the file but the process died before the ledger write,
	// and another write was cut short
	f, err := os.OpenFile(filepath.Join(dir, "speed.csv"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.WriteString("t2,2\nt3,"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close log: %v", err)
	}

	rt2 := open(t, dir, remote.Nop{})
	if e, _ := rt2.Ledger().Get("speed.csv"); e.Local != 3 {
		t.Fatalf("local after recovery: %d", e.Local)
	}
	appendRow(t, rt2, "speed.csv", "t4,4")
	if got := readFile(t, filepath.Join(dir, "speed.csv")); got != "timestamp,speed\nt1,1\nt2,2\nt3,\nt4,4\n" {
		t.Fatalf("log file: %q", got)
	}
	if e, _ := rt2.Ledger().Get("speed.csv"); e.Local != 4 {
		t.Fatalf("local after append: %d", e.Local)
	}
}

func TestAppendRecoversLogMissingFromLedger(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "old.csv"), []byte("timestamp,speed\na\nb\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rt := open(t, dir, remote.Nop{})
	if e := appendRow(t, rt, "old.csv", "c"); e.Local != 3 {
		t.Fatalf("local: %d", e.Local)
	}
}

func TestSyncPushesThroughRuntime(t *testing.T) {
	dir := t.TempDir()
	var (
		mu  sync.Mutex
		got []remote.Batch
	)
	p := remote.PusherFunc(func(ctx context.Context, b remote.Batch) (int64, error) {
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
		return b.Last(), nil
	})
	results := make(chan syncer.Result, 4)
	rt, err := Open(Options{DataDir: dir, Config: cfgpkg.Default(), Pusher: p, OnSync: func(r syncer.Result) { results <- r }})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()

	appendRow(t, rt, "speed.csv", "t1,1")
	appendRow(t, rt, "speed.csv", "t2,2")
	if res := syncWait(t, rt, "speed.csv"); res.Pushed != 2 {
		t.Fatalf("pushed: %d", res.Pushed)
	}

	select {
	case r := <-results:
		if r.Log != "speed.csv" {
			t.Fatalf("result log: %q", r.Log)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no sync result delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("batches: %d", len(got))
	}
	if got[0].Node != rt.Node() || got[0].Header != "timestamp,speed" {
		t.Fatalf("batch: %+v", got[0])
	}
}

func TestBackgroundRetry(t *testing.T) {
	dir := t.TempDir()
	cfg := cfgpkg.Default()
	cfg.Sync.RetryIntervalMs = 10
	rt, err := Open(Options{DataDir: dir, Config: cfg, Pusher: remote.PusherFunc(func(ctx context.Context, b remote.Batch) (int64, error) {
		return b.Last(), nil
	})})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()

	appendRow(t, rt, "speed.csv", "t1,1")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if e, _ := rt.Ledger().Get("speed.csv"); e.Remote == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("background retry never pushed the row")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResolveRelativeNames(t *testing.T) {
	dir := t.TempDir()
	rt := open(t, dir, remote.Nop{})
	p, err := rt.Resolve("sub/x.csv")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if want := filepath.Join(rt.DataDir(), "sub", "x.csv"); p != want {
		t.Fatalf("resolve relative: %q want %q", p, want)
	}

	abs := filepath.Join(t.TempDir(), "y.csv")
	p, err = rt.Resolve(abs)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p != abs {
		t.Fatalf("resolve absolute: %q want %q", p, abs)
	}
}

func TestKeyNormalizesAliases(t *testing.T) {
	dir := t.TempDir()
	rt := open(t, dir, remote.Nop{})
	outside := filepath.Join(t.TempDir(), "y.csv")
	tests := []struct {
		name string
		want string
	}{
		{"a.csv", "a.csv"},
		{"./a.csv", "a.csv"},
		{filepath.Join(rt.DataDir(), "a.csv"), "a.csv"},
		{"sub/../sub/x.csv", "sub/x.csv"},
		{outside, outside},
		{"../escape.csv", filepath.Join(filepath.Dir(rt.DataDir()), "escape.csv")},
	}
	for _, tt := range tests {
		got, err := rt.Key(tt.name)
		if err != nil {
			t.Fatalf("key %q: %v", tt.name, err)
		}
		if got != tt.want {
			t.Fatalf("key %q: got %q want %q", tt.name, got, tt.want)
		}
	}
}

func TestAliasesShareOneLedgerEntry(t *testing.T) {
	dir := t.TempDir()
	var (
		mu     sync.Mutex
		pushed []string
	)
	p := remote.PusherFunc(func(ctx context.Context, b remote.Batch) (int64, error) {
		mu.Lock()
		for i, row := range b.Rows {
			pushed = append(pushed, b.Log+":"+row+":"+strconv.FormatInt(b.First+int64(i), 10))
		}
		mu.Unlock()
		return b.Last(), nil
	})
	rt := open(t, dir, p)
	abs := filepath.Join(rt.DataDir(), "a.csv")

	appendRow(t, rt, "a.csv", "r1")
	syncWait(t, rt, "a.csv")
	if e := appendRow(t, rt, abs, "r2"); e.Local != 2 {
		t.Fatalf("local through alias: %d", e.Local)
	}
	if res := syncWait(t, rt, abs); res.Log != "a.csv" {
		t.Fatalf("result log: %q", res.Log)
	}

	want := []ledger.Entry{{Name: "a.csv", Local: 2, Remote: 2}}
	if got := rt.Ledger().Entries(); !reflect.DeepEqual(got, want) {
		t.Fatalf("entries: %+v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if want := []string{"a.csv:r1:1", "a.csv:r2:2"}; !reflect.DeepEqual(pushed, want) {
		t.Fatalf("pushed: %q", pushed)
	}
}

func TestWithLogSerializesWriters(t *testing.T) {
	dir := t.TempDir()
	rt := open(t, dir, remote.Nop{})
	abs := filepath.Join(rt.DataDir(), "speed.csv")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		name := "speed.csv"
		if i%2 == 1 {
			name = abs
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = rt.WithLog(name, func() error {
					_, err := rt.Append(name, "h", "row")
					return err
				})
			}
		}()
	}
	wg.Wait()
	if e, _ := rt.Ledger().Get("speed.csv"); e.Local != 80 {
		t.Fatalf("local: %d", e.Local)
	}
	n, err := rt.Store().CountRows(abs)
	if err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if n != 80 {
		t.Fatalf("file rows: %d", n)
	}
}
