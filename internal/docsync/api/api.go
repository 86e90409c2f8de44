// Package api is the gRPC contract of the document sync service. Documents
// travel as google.protobuf.Struct values so no generated code is needed;
// the service descriptor below plays the role protoc-gen-go-grpc output
// would.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName    = "healthsync.docsync.v1.DocSync"
	UpsertMethod   = "/" + ServiceName + "/Upsert"
	QueryAllMethod = "/" + ServiceName + "/QueryAll"

	// AuthorizationHeader carries "Bearer <jwt>".
	AuthorizationHeader = "authorization"
)

// Well-known document fields. Every other field is opaque to the service.
const (
	FieldID        = "_id"
	FieldUpdatedAt = "updated_at"
	FieldVersion   = "_version"
	FieldApplied   = "applied"
)

// Server is implemented by the service.
//
// Upsert stores a document unless the stored copy has a later updated_at;
// the reply carries _id, _version and applied. QueryAll returns every
// document of the caller.
type Server interface {
	Upsert(ctx context.Context, doc *structpb.Struct) (*structpb.Struct, error)
	QueryAll(ctx context.Context, in *emptypb.Empty) (*structpb.ListValue, error)
}

func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Upsert", Handler: upsertHandler},
		{MethodName: "QueryAll", Handler: queryAllHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "healthsync/docsync/v1/docsync.proto",
}

func upsertHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Upsert(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: UpsertMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Upsert(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func queryAllHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).QueryAll(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: QueryAllMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).QueryAll(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls the service over cc.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Upsert(ctx context.Context, doc *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, UpsertMethod, doc, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) QueryAll(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, QueryAllMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
