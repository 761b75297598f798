package grpcpush

import (
	"context"
	"fmt"

	"github.com/rzbill/csvsync/internal/remote"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Pusher implements remote.Pusher over a gRPC connection.
type Pusher struct {
	conn  *grpc.ClientConn
	token string
	owned bool
}

var _ remote.Pusher = (*Pusher)(nil)

// New wraps an existing connection. The caller keeps ownership of conn.
func New(conn *grpc.ClientConn, token string) *Pusher {
	return &Pusher{conn: conn, token: token}
}

// Dial connects to target without transport security.
func Dial(target, token string, opts ...grpc.DialOption) (*Pusher, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpcpush: dial %s: %w", target, err)
	}
	return &Pusher{conn: conn, token: token, owned: true}, nil
}

// Push sends b and returns the acknowledged row count.
func (p *Pusher) Push(ctx context.Context, b remote.Batch) (int64, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}
	req, err := BatchToStruct(b)
	if err != nil {
		return 0, err
	}
	md := metadata.Pairs(MetaInstanceID, b.Node, MetaIdempotency, b.IdempotencyKey())
	if p.token != "" {
		md.Append(MetaAuthorization, "Bearer "+p.token)
	}
	ctx = metadata.NewOutgoingContext(ctx, md)

	resp := new(structpb.Struct)
	if err := p.conn.Invoke(ctx, PushMethod, req, resp); err != nil {
		switch status.Code(err) {
		case codes.InvalidArgument, codes.FailedPrecondition, codes.Unauthenticated, codes.PermissionDenied:
			return 0, fmt.Errorf("%w: %v", remote.ErrRejected, err)
		}
		return 0, fmt.Errorf("push %s: %w", b.IdempotencyKey(), err)
	}
	acked := int64(resp.GetFields()["acked"].GetNumberValue())
	if err := remote.CheckAck(b, acked); err != nil {
		return acked, err
	}
	return acked, nil
}

// Close releases a connection opened by Dial.
func (p *Pusher) Close() error {
	if p.owned && p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
