package syncer

import (
	"context"

	"github.com/rzbill/csvsync/internal/ledger"
)

// Result describes a finished sync of one log.
type Result struct {
	Log string
	// First and Last bound the rows of the last pushed batch; both are zero
	// when nothing was pushed.
	First, Last int64
	// Pushed counts rows sent across every round of the attempt.
	Pushed int
	// Entry is the ledger entry after the attempt.
	Entry ledger.Entry
	Err   error
}

// Future is the pending outcome of Sync.
type Future struct {
	done chan struct{}
	res  Result
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) complete(r Result) {
	f.res = r
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the sync finishes or ctx is done. The returned error is
// Result.Err, or ctx.Err() when ctx ended first.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
