package server

import (
	"EscrowLedger/internal/query"
	"context"

	"google.golang.org/grpc"
)

const serviceName = "escrowledger.v1.Escrow"

// Full method names, as seen by interceptors.
const (
	methodSubmit      = "/" + serviceName + "/Submit"
	methodGetEscrow   = "/" + serviceName + "/GetEscrow"
	methodListEscrows = "/" + serviceName + "/ListEscrows"
	methodGetBalances = "/" + serviceName + "/GetBalances"
	methodDerive      = "/" + serviceName + "/DeriveAddresses"
)

// EscrowServer is the server API of escrowledger.v1.Escrow.
type EscrowServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	GetEscrow(context.Context, *GetEscrowRequest) (*query.EscrowView, error)
	ListEscrows(context.Context, *ListEscrowsRequest) (*ListEscrowsResponse, error)
	GetBalances(context.Context, *GetBalancesRequest) (*query.BalancesResponse, error)
	DeriveAddresses(context.Context, *DeriveRequest) (*DeriveResponse, error)
}

func unary[Req, Resp any](name string, call func(EscrowServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + serviceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EscrowServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(EscrowServer), ctx, req.(*Req))
			})
		},
	}
}

// EscrowServiceDesc describes escrowledger.v1.Escrow for grpc.Server.
var EscrowServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EscrowServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", EscrowServer.Submit),
		unary("GetEscrow", EscrowServer.GetEscrow),
		unary("ListEscrows", EscrowServer.ListEscrows),
		unary("GetBalances", EscrowServer.GetBalances),
		unary("DeriveAddresses", EscrowServer.DeriveAddresses),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "escrowledger/v1",
}

func RegisterEscrowServer(s grpc.ServiceRegistrar, srv EscrowServer) {
	s.RegisterService(&EscrowServiceDesc, srv)
}

// Client calls escrowledger.v1.Escrow over any gRPC connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	return invoke[SubmitResponse](ctx, c.cc, methodSubmit, in, opts)
}

func (c *Client) GetEscrow(ctx context.Context, in *GetEscrowRequest, opts ...grpc.CallOption) (*query.EscrowView, error) {
	return invoke[query.EscrowView](ctx, c.cc, methodGetEscrow, in, opts)
}

func (c *Client) ListEscrows(ctx context.Context, in *ListEscrowsRequest, opts ...grpc.CallOption) (*ListEscrowsResponse, error) {
	return invoke[ListEscrowsResponse](ctx, c.cc, methodListEscrows, in, opts)
}

func (c *Client) GetBalances(ctx context.Context, in *GetBalancesRequest, opts ...grpc.CallOption) (*query.BalancesResponse, error) {
	return invoke[query.BalancesResponse](ctx, c.cc, methodGetBalances, in, opts)
}

func (c *Client) DeriveAddresses(ctx context.Context, in *DeriveRequest, opts ...grpc.CallOption) (*DeriveResponse, error) {
	return invoke[DeriveResponse](ctx, c.cc, methodDerive, in, opts)
}
