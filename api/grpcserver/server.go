// Package grpcserver exposes request submission and account queries to
// clients over gRPC.
package grpcserver

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"constellation/domain/ledger"
	"constellation/domain/quantum"
	"constellation/domain/status"
	"constellation/infra/keys"
	"constellation/service/pipeline"
)

// Node is what the API needs from the execution context.
type Node interface {
	Submit(ctx context.Context, env *quantum.Envelope) (*quantum.Quantum, error)
	Account(ctx context.Context, pk keys.PublicKey) (*ledger.Account, bool, error)
}

// Server adapts the node to gRPC.
type Server struct {
	node   Node
	logger *zap.Logger
}

func NewServer(n Node, logger *zap.Logger) *Server {
	return &Server{node: n, logger: logger.Named("grpc")}
}

// NewGRPCServer builds a grpc.Server with the codec and logging
// interceptor installed and s registered.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.UnaryInterceptor(s.logCalls),
	}, opts...)
	g := grpc.NewServer(opts...)
	Register(g, s)
	return g
}

// -------------------- Commands --------------------

func (s *Server) Submit(ctx context.Context, req *SubmitRequest) (*SubmitReply, error) {
	if req.Envelope == nil || req.Envelope.Request == nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, "empty envelope")
	}
	q, err := s.node.Submit(ctx, req.Envelope)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SubmitReply{Apex: q.Apex, Hash: q.Hash()}, nil
}

// -------------------- Queries --------------------

func (s *Server) GetAccount(ctx context.Context, req *AccountRequest) (*AccountReply, error) {
	a, ok, err := s.node.Account(ctx, req.PubKey)
	if err != nil {
		return nil, toStatus(err)
	}
	if !ok {
		return nil, grpcstatus.Error(codes.NotFound, "account not found")
	}
	return &AccountReply{Account: a}, nil
}

// -------------------- Converters --------------------

func toStatus(err error) error {
	if errors.Is(err, pipeline.ErrNotAccepting) || errors.Is(err, pipeline.ErrNotAlpha) {
		return grpcstatus.Error(codes.Unavailable, "node is not accepting requests")
	}
	return grpcstatus.Error(toCode(status.Of(err)), status.Message(err))
}

func toCode(c status.Code) codes.Code {
	switch c {
	case status.Success:
		return codes.OK
	case status.BadRequest:
		return codes.InvalidArgument
	case status.Unauthorized:
		return codes.Unauthenticated
	case status.TooManyRequests:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, h grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := h(ctx, req)
	s.logger.Debug("call",
		zap.String("method", info.FullMethod),
		zap.Stringer("code", grpcstatus.Code(err)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp, err
}
