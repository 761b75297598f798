package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrRejected is returned when the remote store answers but does not
	// acknowledge the whole batch.
	ErrRejected = errors.New("remote rejected batch")
	// ErrNoRemote is returned by the Nop pusher.
	ErrNoRemote = errors.New("no remote configured")
	// ErrInvalidBatch marks batches that cannot be pushed.
	ErrInvalidBatch = errors.New("invalid batch")
)

// Batch is one push: consecutive rows of a log starting at row First
// (1-based, header excluded). Node identifies the writer so several writers
// can share one remote store.
type Batch struct {
	Node   string
	Log    string
	Header string
	First  int64
	Rows   []string
}

// Last returns the row number of the final row in the batch.
func (b Batch) Last() int64 { return b.First + int64(len(b.Rows)) - 1 }

// IdempotencyKey identifies the row range so a re-sent batch can be
// recognized by the remote store.
func (b Batch) IdempotencyKey() string {
	return b.Node + "/" + b.Log + "/" + strconv.FormatInt(b.First, 10) + "-" + strconv.FormatInt(b.Last(), 10)
}

// Validate reports batches a remote store would not be able to place.
func (b Batch) Validate() error {
	switch {
	case b.Log == "":
		return fmt.Errorf("%w: empty log name", ErrInvalidBatch)
	case b.First < 1:
		return fmt.Errorf("%w: first row %d", ErrInvalidBatch, b.First)
	case len(b.Rows) == 0:
		return fmt.Errorf("%w: no rows", ErrInvalidBatch)
	}
	for i, r := range b.Rows {
		if strings.ContainsAny(r, "\n") {
			return fmt.Errorf("%w: row %d contains a newline", ErrInvalidBatch, b.First+int64(i))
		}
	}
	return nil
}

// Pusher delivers a batch to a remote store. Acknowledgment is whole-batch:
// a nil error means every row up to the returned count is durable remotely.
type Pusher interface {
	Push(ctx context.Context, b Batch) (acked int64, err error)
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, b Batch) (int64, error)

// Push implements Pusher.
func (f PusherFunc) Push(ctx context.Context, b Batch) (int64, error) { return f(ctx, b) }

// Nop is the pusher used when no remote is configured.
type Nop struct{}

// Push always fails with ErrNoRemote.
func (Nop) Push(context.Context, Batch) (int64, error) { return 0, ErrNoRemote }

// CheckAck verifies that acked covers the whole batch.
func CheckAck(b Batch, acked int64) error {
	if acked < b.Last() {
		return fmt.Errorf("%w: acked %d of rows %d-%d", ErrRejected, acked, b.First, b.Last())
	}
	return nil
}

// PushRequest is the JSON body of an HTTP push.
type PushRequest struct {
	Node   string   `json:"node"`
	Log    string   `json:"log"`
	Header string   `json:"header"`
	First  int64    `json:"first"`
	Rows   []string `json:"rows"`
}

// PushResponse is the JSON answer to a push.
type PushResponse struct {
	Acked int64  `json:"acked"`
	Error string `json:"error,omitempty"`
}

// Request converts the batch to its wire form.
func (b Batch) Request() PushRequest {
	return PushRequest{Node: b.Node, Log: b.Log, Header: b.Header, First: b.First, Rows: b.Rows}
}

// Batch converts a wire request back.
func (r PushRequest) Batch() Batch {
	return Batch{Node: r.Node, Log: r.Log, Header: r.Header, First: r.First, Rows: r.Rows}
}
