package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rzbill/csvsync/internal/ledger"
	"github.com/rzbill/csvsync/internal/logstore"
	"github.com/rzbill/csvsync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const header = "timestamp,speed,altitude"

type fixture struct {
	dir    string
	ledger *ledger.Ledger
	store  *logstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	l, err := ledger.Load(filepath.Join(dir, ledger.FileName))
	require.NoError(t, err)
	st := logstore.New()
	t.Cleanup(func() { _ = st.Close() })
	return &fixture{dir: dir, ledger: l, store: st}
}

func (f *fixture) resolve(name string) (string, error) { return filepath.Join(f.dir, name), nil }

func (f *fixture) append(t *testing.T, name string, lines ...string) {
	t.Helper()
	for _, line := range lines {
		_, err := f.store.Append(filepath.Join(f.dir, name), header, line)
		require.NoError(t, err)
		_, err = f.ledger.RecordLocalWrite(name)
		require.NoError(t, err)
	}
}

func (f *fixture) syncer(p remote.Pusher, mod ...func(*Options)) *Syncer {
	opts := Options{Ledger: f.ledger, Store: f.store, Pusher: p, Resolve: f.resolve, Node: "n1", Timeout: time.Second}
	for _, m := range mod {
		m(&opts)
	}
	return New(opts)
}

// recorder acknowledges every batch and keeps a copy of it.
type recorder struct {
	mu      sync.Mutex
	batches []remote.Batch
}

func (r *recorder) Push(_ context.Context, b remote.Batch) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	return b.Last(), nil
}

func (r *recorder) all() []remote.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]remote.Batch(nil), r.batches...)
}

func wait(t *testing.T, f *Future) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestSyncWithoutBacklogDoesNotPush(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	s := f.syncer(rec)
	defer s.Close()

	res, err := wait(t, s.Sync(context.Background(), "speed.csv"))
	require.NoError(t, err)
	assert.Zero(t, res.Pushed)
	assert.Empty(t, rec.all())

	f.append(t, "speed.csv", "t1,1,2")
	_, err = wait(t, s.Sync(context.Background(), "speed.csv"))
	require.NoError(t, err)
	res, err = wait(t, s.Sync(context.Background(), "speed.csv"))
	require.NoError(t, err)
	assert.Zero(t, res.Pushed)
	assert.Len(t, rec.all(), 1)
}

func TestSyncAdvancesLedger(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	s := f.syncer(rec)
	defer s.Close()

	f.append(t, "speed.csv", "t1,1,10", "t2,2,20", "t3,3,30")
	res, err := wait(t, s.Sync(context.Background(), "speed.csv"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pushed)
	assert.Equal(t, ledger.Entry{Name: "speed.csv", Local: 3, Remote: 3}, res.Entry)

	f.append(t, "speed.csv", "t4,4,40", "t5,5,50")
	res, err = wait(t, s.Sync(context.Background(), "speed.csv"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.First)
	assert.Equal(t, int64(5), res.Last)

	batches := rec.all()
	require.Len(t, batches, 2)
	assert.Equal(t, remote.Batch{Node: "n1", Log: "speed.csv", Header: header, First: 1, Rows: []string{"t1,1,10", "t2,2,20", "t3,3,30"}}, batches[0])
	assert.Equal(t, remote.Batch{Node: "n1", Log: "speed.csv", Header: header, First: 4, Rows: []string{"t4,4,40", "t5,5,50"}}, batches[1])

	e, _ := f.ledger.Get("speed.csv")
	assert.Equal(t, int64(5), e.Remote)

	// a fresh ledger load sees the persisted progress
	l2, err := ledger.Load(f.ledger.Path())
	require.NoError(t, err)
	e, _ = l2.Get("speed.csv")
	assert.Equal(t, int64(5), e.Remote)
}

func TestSyncFailureLeavesLedgerUnchanged(t *testing.T) {
	f := newFixture(t)
	var fail atomic.Bool
	fail.Store(true)
	rec := &recorder{}
	p := remote.PusherFunc(func(ctx context.Context, b remote.Batch) (int64, error) {
		if fail.Load() {
			return 0, errors.New("connection refused")
		}
		return rec.Push(ctx, b)
	})
	var results []Result
	var mu sync.Mutex
	s := f.syncer(p, func(o *Options) {
		o.OnResult = func(r Result) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}
	})
	defer s.Close()

	f.append(t, "speed.csv", "t1,1,10", "t2,2,20")
	res, err := wait(t, s.Sync(context.Background(), "speed.csv"))
	require.Error(t, err)
	assert.Equal(t, err, res.Err)
	e, _ := f.ledger.Get("speed.csv")
	assert.Equal(t, int64(0), e.Remote)
	assert.Equal(t, int64(2), e.Local)

	fail.Store(false)
	_, err = wait(t, s.Sync(context.Background(), "speed.csv"))
	require.NoError(t, err)
	e, _ = f.ledger.Get("speed.csv")
	assert.Equal(t, int64(2), e.Remote)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, int64(1), rec.all()[0].First)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
}

func TestPartialAckIsRejected(t *testing.T) {
	f := newFixture(t)
	s := f.syncer(remote.PusherFunc(func(ctx context.Context, b remote.Batch) (int64, error) {
		return b.First, nil
	}))
	defer s.Close()

	f.append(t, "speed.csv", "a", "b", "c")
	_, err := wait(t, s.Sync(context.Background(), "speed.csv"))
	assert.ErrorIs(t, err, remote.ErrRejected)
	e, _ := f.ledger.Get("speed.csv")
	assert.Equal(t, int64(0), e.Remote)
}

// The remote stores rows 1-2 but the acknowledgment never arrives in time.
// The next attempt re-sends them along with row 3.
func TestTimeoutThenRetryDeliversAtLeastOnce(t *testing.T) {
	f := newFixture(t)
	var (
		mu     sync.Mutex
		stored []remote.Batch
		calls  int
	)
	p := remote.PusherFunc(func(ctx context.Context, b remote.Batch) (int64, error) {
		mu.Lock()
		calls++
		n := calls
		stored = append(stored, b)
		mu.Unlock()
		if n == 1 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return b.Last(), nil
	})
	s := f.syncer(p, func(o *Options) { o.Timeout = 50 * time.Millisecond })
	defer s.Close()

	f.append(t, "speed.csv", "r1", "r2")
	_, err := wait(t, s.Sync(context.Background(), "speed.csv"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	e, _ := f.ledger.Get("speed.csv")
	assert.Equal(t, int64(0), e.Remote)

	f.append(t, "speed.csv", "r3")
	res, err := wait(t, s.Sync(context.Background(), "speed.csv"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Entry.Remote)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stored, 2)
	assert.Equal(t, []string{"r1", "r2"}, stored[0].Rows)
	assert.Equal(t, int64(1), stored[1].First)
	assert.Equal(t, []string{"r1", "r2", "r3"}, stored[1].Rows)
	assert.Equal(t, stored[0].IdempotencyKey(), "n1/speed.csv/1-2")
}

func TestConcurrentSyncsCoalesce(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	p := remote.PusherFunc(func(ctx context.Context, b remote.Batch) (int64, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return b.Last(), nil
	})
	s := f.syncer(p)
	defer s.Close()

	f.append(t, "speed.csv", "a", "b")
	f1 := s.Sync(context.Background(), "speed.csv")
	<-started
	f2 := s.Sync(context.Background(), "speed.csv")
	close(release)

	r1, err := wait(t, f1)
	require.NoError(t, err)
	r2, err := wait(t, f2)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, r1, r2)
	assert.Equal(t, int64(2), r2.Entry.Remote)
}

// Syncs that arrive while a follow-up round is pushing never start a second
// concurrent push of the same backlog.
func TestSyncDuringFollowUpRoundDoesNotPushTwice(t *testing.T) {
	f := newFixture(t)
	gates := []chan struct{}{make(chan struct{}), make(chan struct{})}
	entered := make(chan int64, 4)
	var (
		mu       sync.Mutex
		firsts   []int64
		inFlight int
		maxInFly int
		calls    int
	)
	p := remote.PusherFunc(func(ctx context.Context, b remote.Batch) (int64, error) {
		mu.Lock()
		firsts = append(firsts, b.First)
		inFlight++
		if inFlight > maxInFly {
			maxInFly = inFlight
		}
		n := calls
		calls++
		mu.Unlock()
		entered <- b.First
		if n < len(gates) {
			<-gates[n]
		}
		mu.Lock()
		inFlight--
		mu.Unlock()
		return b.Last(), nil
	})
	s := f.syncer(p)
	defer s.Close()

	f.append(t, "speed.csv", "a")
	f1 := s.Sync(context.Background(), "speed.csv")
	require.Equal(t, int64(1), <-entered)

	f.append(t, "speed.csv", "b")
	f2 := s.Sync(context.Background(), "speed.csv")
	close(gates[0])
	require.Equal(t, int64(2), <-entered)

	f3 := s.Sync(context.Background(), "speed.csv")
	close(gates[1])

	for _, fut := range []*Future{f1, f2, f3} {
		_, err := wait(t, fut)
		require.NoError(t, err)
	}
	res, err := wait(t, s.Sync(context.Background(), "speed.csv"))
	require.NoError(t, err)
	assert.Zero(t, res.Pushed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2}, firsts)
	assert.Equal(t, 1, maxInFly)
	e, _ := f.ledger.Get("speed.csv")
	assert.Equal(t, int64(2), e.Remote)
}

// A row logged while a push is in flight is covered by the joining Sync.
func TestSyncJoiningInFlightPushCoversNewRows(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	rec := &recorder{}
	var calls atomic.Int32
	p := remote.PusherFunc(func(ctx context.Context, b remote.Batch) (int64, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return rec.Push(ctx, b)
	})
	s := f.syncer(p)
	defer s.Close()

	f.append(t, "speed.csv", "a")
	f1 := s.Sync(context.Background(), "speed.csv")
	<-started
	f.append(t, "speed.csv", "b")
	f2 := s.Sync(context.Background(), "speed.csv")
	close(release)

	_, err := wait(t, f1)
	require.NoError(t, err)
	res, err := wait(t, f2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Entry.Remote)
}

func TestSyncAfterCrashRecovery(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "speed.csv")
	// the process died after writing three rows but before the ledger
	// recorded the last one, mid-way through a fourth
	require.NoError(t, os.WriteFile(path, []byte(header+"\nr1\nr2\nr3\nr4-partial"), 0o644))
	_, err := f.ledger.ObserveLocal("speed.csv", 2)
	require.NoError(t, err)

	require.NoError(t, f.store.Repair(path))
	n, err := f.store.CountRows(path)
	require.NoError(t, err)
	_, err = f.ledger.ObserveLocal("speed.csv", n)
	require.NoError(t, err)

	rec := &recorder{}
	s := f.syncer(rec)
	defer s.Close()
	res, err := wait(t, s.Sync(context.Background(), "speed.csv"))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Pushed)
	assert.Equal(t, []string{"r1", "r2", "r3", "r4-partial"}, rec.all()[0].Rows)
}

func TestSyncPushesOnlyWhatTheFileHolds(t *testing.T) {
	f := newFixture(t)
	f.append(t, "speed.csv", "a", "b")
	for i := 0; i < 3; i++ {
		_, err := f.ledger.RecordLocalWrite("speed.csv")
		require.NoError(t, err)
	}
	rec := &recorder{}
	s := f.syncer(rec)
	defer s.Close()

	res, err := wait(t, s.Sync(context.Background(), "speed.csv"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pushed)
	assert.Equal(t, int64(2), res.Entry.Remote)
	assert.Equal(t, int64(5), res.Entry.Local)
}

func TestSyncAll(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	s := f.syncer(rec)
	defer s.Close()

	f.append(t, "a.csv", "1", "2")
	f.append(t, "b.csv", "3")
	f.append(t, "c.csv", "4")
	_, err := wait(t, s.Sync(context.Background(), "c.csv"))
	require.NoError(t, err)

	results, err := s.SyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, e := range f.ledger.Entries() {
		assert.Zero(t, e.Pending(), e.Name)
	}
}

func TestSyncAllReportsFailures(t *testing.T) {
	f := newFixture(t)
	s := f.syncer(remote.Nop{})
	defer s.Close()

	f.append(t, "a.csv", "1")
	results, err := s.SyncAll(context.Background())
	assert.ErrorIs(t, err, remote.ErrNoRemote)
	require.Len(t, results, 1)
	assert.Equal(t, "a.csv", results[0].Log)
}

func TestCloseAbandonsInFlightPush(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	s := f.syncer(remote.PusherFunc(func(ctx context.Context, b remote.Batch) (int64, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	}), func(o *Options) { o.Timeout = time.Minute })

	f.append(t, "speed.csv", "a")
	fut := s.Sync(context.Background(), "speed.csv")
	<-started
	require.NoError(t, s.Close())

	select {
	case <-fut.Done():
	default:
		t.Fatal("future not resolved after Close")
	}
	_, err := fut.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	e, _ := f.ledger.Get("speed.csv")
	assert.Zero(t, e.Remote)

	_, err = wait(t, s.Sync(context.Background(), "speed.csv"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRunRetriesInBackground(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	s := f.syncer(rec)
	defer s.Close()
	f.append(t, "speed.csv", "a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool {
		e, _ := f.ledger.Get("speed.csv")
		return e.Remote == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestSyncHonorsCanceledContext(t *testing.T) {
	f := newFixture(t)
	s := f.syncer(&recorder{})
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Sync(ctx, "speed.csv").Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}
