// Package grpcpush carries batches over gRPC.
//
// There is no generated code: the Ingest service is described by a hand
// written ServiceDesc whose single unary method exchanges
// google.protobuf.Struct messages.
package grpcpush

import (
	"context"
	"fmt"
	"strings"

	"github.com/rzbill/csvsync/internal/remote"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "csvsync.v1.Ingest"
	// PushMethod is the full method name of Push.
	PushMethod = "/" + ServiceName + "/Push"

	// Metadata keys sent with every push.
	MetaAuthorization = "authorization"
	MetaInstanceID    = "x-instance-id"
	MetaIdempotency   = "idempotency-key"
)

// IngestServer is implemented by the receiving side.
type IngestServer interface {
	Push(ctx context.Context, b remote.Batch) (int64, error)
}

// ServiceDesc describes the Ingest service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IngestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Push", Handler: pushHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "csvsync/v1/ingest.proto",
}

// RegisterIngestServer registers srv on s.
func RegisterIngestServer(s grpc.ServiceRegistrar, srv IngestServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func pushHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		b, err := BatchFromStruct(req.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		acked, err := srv.(IngestServer).Push(ctx, b)
		if err != nil {
			if _, ok := status.FromError(err); ok {
				return nil, err
			}
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		return AckToStruct(acked), nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PushMethod}
	return interceptor(ctx, in, info, handler)
}

// BearerToken extracts the bearer token from incoming metadata.
func BearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(MetaAuthorization) {
		if tok, ok := strings.CutPrefix(v, "Bearer "); ok {
			return tok
		}
	}
	return ""
}

// BatchToStruct encodes b as a Struct.
func BatchToStruct(b remote.Batch) (*structpb.Struct, error) {
	rows := make([]interface{}, len(b.Rows))
	for i, r := range b.Rows {
		rows[i] = r
	}
	return structpb.NewStruct(map[string]interface{}{
		"node":   b.Node,
		"log":    b.Log,
		"header": b.Header,
		"first":  float64(b.First),
		"rows":   rows,
	})
}

// BatchFromStruct decodes a Struct produced by BatchToStruct.
func BatchFromStruct(s *structpb.Struct) (remote.Batch, error) {
	f := s.GetFields()
	b := remote.Batch{
		Node:   f["node"].GetStringValue(),
		Log:    f["log"].GetStringValue(),
		Header: f["header"].GetStringValue(),
		First:  int64(f["first"].GetNumberValue()),
	}
	for i, v := range f["rows"].GetListValue().GetValues() {
		sv, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return remote.Batch{}, fmt.Errorf("row %d is not a string", i)
		}
		b.Rows = append(b.Rows, sv.StringValue)
	}
	return b, b.Validate()
}

// AckToStruct encodes an acknowledgment.
func AckToStruct(acked int64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"acked": structpb.NewNumberValue(float64(acked)),
	}}
}
