package ingest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rzbill/csvsync/internal/remote"
	"github.com/rzbill/csvsync/internal/remote/grpcpush"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func startGRPC(t *testing.T, token string) (*Store, func(clientToken string) *grpcpush.Pusher) {
	t.Helper()
	store := newTestStore(t)
	hash := ""
	if token != "" {
		hash = hashFor(t, token)
	}
	auth, err := NewAuthenticator(hash)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(store, auth, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	dial := func(clientToken string) *grpcpush.Pusher {
		p, err := grpcpush.Dial("passthrough:///bufnet", clientToken, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Close() })
		return p
	}
	return store, dial
}

func TestGRPCPushEndToEnd(t *testing.T) {
	store, dial := startGRPC(t, "s3cret")
	p := dial("s3cret")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := remote.Batch{Node: "n1", Log: "speed.csv", Header: "speed", First: 1, Rows: []string{"1", "2"}}
	acked, err := p.Push(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), acked)

	acked, err = p.Push(ctx, remote.Batch{Node: "n1", Log: "speed.csv", Header: "speed", First: 2, Rows: []string{"2", "3"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), acked)

	rows, err := store.Rows("n1", "speed.csv", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []Row{{1, "1"}, {2, "2"}, {3, "3"}}, rows)
}

func TestGRPCRejectsBadToken(t *testing.T) {
	store, dial := startGRPC(t, "s3cret")
	p := dial("wrong")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.Push(ctx, remote.Batch{Node: "n1", Log: "a", First: 1, Rows: []string{"x"}})
	assert.ErrorIs(t, err, remote.ErrRejected)
	logs, err := store.Logs()
	require.NoError(t, err)
	assert.Empty(t, logs)
}
