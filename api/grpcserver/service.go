package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName      = "constellation.v1.Constellation"
	methodSubmit     = "/" + serviceName + "/Submit"
	methodGetAccount = "/" + serviceName + "/GetAccount"
)

// Service is the client facing API.
type Service interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitReply, error)
	GetAccount(ctx context.Context, req *AccountRequest) (*AccountReply, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "GetAccount", Handler: getAccountHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "constellation/v1/constellation.proto",
}

// Register installs svc on s.
func Register(s *grpc.Server, svc Service) {
	s.RegisterService(&serviceDesc, svc)
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSubmit}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(Service).Submit(ctx, req.(*SubmitRequest))
	})
}

func getAccountHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AccountRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).GetAccount(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetAccount}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(Service).GetAccount(ctx, req.(*AccountRequest))
	})
}
