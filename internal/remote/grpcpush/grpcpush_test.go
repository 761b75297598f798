package grpcpush

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/csvsync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1 << 20

func startServer(t *testing.T, srv IngestServer) *Pusher {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	s := grpc.NewServer()
	RegisterIngestServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	p, err := Dial("passthrough:///bufnet", "secret", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPushOverGRPC(t *testing.T) {
	var (
		mu    sync.Mutex
		got   remote.Batch
		token string
	)
	p := startServer(t, remote.PusherFunc(func(ctx context.Context, b remote.Batch) (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		got = b
		token = BearerToken(ctx)
		return b.Last(), nil
	}))

	b := remote.Batch{Node: "n1", Log: "a.csv", Header: "x,y", First: 5, Rows: []string{"1,2", "3,4", "5,6"}}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	acked, err := p.Push(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(7), acked)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, b, got)
	assert.Equal(t, "secret", token)
}

func TestPushPartialAckRejected(t *testing.T) {
	p := startServer(t, remote.PusherFunc(func(ctx context.Context, b remote.Batch) (int64, error) {
		return b.First, nil
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := p.Push(ctx, remote.Batch{Log: "a.csv", First: 1, Rows: []string{"a", "b"}})
	assert.ErrorIs(t, err, remote.ErrRejected)
}

func TestPushServerErrorRejected(t *testing.T) {
	p := startServer(t, remote.PusherFunc(func(ctx context.Context, b remote.Batch) (int64, error) {
		return 0, assert.AnError
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := p.Push(ctx, remote.Batch{Log: "a.csv", First: 1, Rows: []string{"a"}})
	assert.ErrorIs(t, err, remote.ErrRejected)
}

func TestBatchStructRoundTripRejectsBadRows(t *testing.T) {
	s, err := BatchToStruct(remote.Batch{Log: "a.csv", First: 1, Rows: []string{"r"}})
	require.NoError(t, err)
	s.Fields["rows"].GetListValue().Values[0] = AckToStruct(1).Fields["acked"]
	_, err = BatchFromStruct(s)
	assert.Error(t, err)
}
