package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName         = "reservation.v1.ReservationService"
	ReserveFullMethod   = "/" + ServiceName + "/Reserve"
	GetStatusFullMethod = "/" + ServiceName + "/GetStatus"
)

type ReserveRequest struct {
	RequestID string    `json:"request_id,omitempty"`
	ProductID int64     `json:"product_id"`
	Quantity  int32     `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

type ReserveResponse struct {
	ReservationID int64  `json:"reservation_id"`
	Message       string `json:"message"`
}

type GetStatusRequest struct {
	ReservationID int64 `json:"reservation_id"`
}

type GetStatusResponse struct {
	Status string `json:"status,omitempty"`
	Found  bool   `json:"found"`
}

type ReservationServiceServer interface {
	Reserve(context.Context, *ReserveRequest) (*ReserveResponse, error)
	GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error)
}

type UnimplementedReservationServiceServer struct{}

func (UnimplementedReservationServiceServer) Reserve(context.Context, *ReserveRequest) (*ReserveResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Reserve not implemented")
}

func (UnimplementedReservationServiceServer) GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetStatus not implemented")
}

func RegisterReservationServiceServer(s grpc.ServiceRegistrar, srv ReservationServiceServer) {
	s.RegisterService(&ReservationServiceDesc, srv)
}

var ReservationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReservationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reserve", Handler: reserveHandler},
		{MethodName: "GetStatus", Handler: getStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reservation/v1/reservation.json",
}

func reserveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReserveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReservationServiceServer).Reserve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReserveFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReservationServiceServer).Reserve(ctx, req.(*ReserveRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReservationServiceServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetStatusFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReservationServiceServer).GetStatus(ctx, req.(*GetStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type ReservationServiceClient interface {
	Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReserveResponse, error)
	GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*GetStatusResponse, error)
}

type reservationServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewReservationServiceClient returns a client that always negotiates the json codec.
func NewReservationServiceClient(cc grpc.ClientConnInterface) ReservationServiceClient {
	return &reservationServiceClient{cc: cc}
}

func (c *reservationServiceClient) Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReserveResponse, error) {
	out := new(ReserveResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, ReserveFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *reservationServiceClient) GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*GetStatusResponse, error) {
	out := new(GetStatusResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, GetStatusFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
