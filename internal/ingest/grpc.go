package ingest

import (
	"context"
	"errors"
	"net"

	"github.com/rzbill/csvsync/internal/remote"
	"github.com/rzbill/csvsync/internal/remote/grpcpush"
	logpkg "github.com/rzbill/csvsync/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// GRPCServer owns the gRPC server exposing the Ingest service.
type GRPCServer struct {
	grpc *grpc.Server
	lis  net.Listener
}

// NewGRPCServer registers the Ingest service backed by store.
func NewGRPCServer(store *Store, auth *Authenticator, logger logpkg.Logger, opts ...grpc.ServerOption) *GRPCServer {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	s := &GRPCServer{grpc: grpc.NewServer(opts...)}
	grpcpush.RegisterIngestServer(s.grpc, &ingestSvc{
		store:  store,
		auth:   auth,
		logger: logger.WithComponent("ingest-grpc"),
	})
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *GRPCServer) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, l net.Listener) error {
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// Close stops the server and closes the listener.
func (s *GRPCServer) Close() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

type ingestSvc struct {
	store  *Store
	auth   *Authenticator
	logger logpkg.Logger
}

func (s *ingestSvc) Push(ctx context.Context, b remote.Batch) (int64, error) {
	if err := s.auth.Check(grpcpush.BearerToken(ctx)); err != nil {
		return 0, status.Error(codes.Unauthenticated, err.Error())
	}
	if b.Node == "" {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(grpcpush.MetaInstanceID); len(v) > 0 {
				b.Node = v[0]
			}
		}
	}
	acked, err := s.store.Append(ctx, b)
	if err != nil {
		if errors.Is(err, remote.ErrInvalidBatch) {
			return 0, status.Error(codes.InvalidArgument, err.Error())
		}
		s.logger.Error("store batch failed", logpkg.Str("key", b.IdempotencyKey()), logpkg.Err(err))
		return 0, status.Error(codes.Internal, "store failed")
	}
	return acked, nil
}
