package server

import (
	"context"
	"net"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/cfdp/io/gateway/grpc/proto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Receiver consumes raw PDUs.
type Receiver interface {
	OnPdu(data []byte)
}

type Option func(server *Server) error

// Server accepts PDUs from remote entities and hands them to a Receiver.
type Server struct {
	Addr       string
	GRPCServer *grpc.Server
	Whitelist  []string
	receiver   Receiver
}

// WithWhitelist restricts callers to the given hosts.
func WithWhitelist(hosts []string) Option {
	return func(server *Server) error {
		server.Whitelist = hosts
		return nil
	}
}

// New fabric func for Server
func New(addr string, receiver Receiver, opts ...Option) (*Server, error) {
	if receiver == nil {
		return nil, errors.New("receiver is not set")
	}
	server := &Server{Addr: addr, receiver: receiver}
	for _, option := range opts {
		if err := option(server); err != nil {
			return nil, err
		}
	}
	return server, nil
}

// Deliver passes one PDU to the receiver. Decoding failures are the
// receiver's business, so the call always succeeds.
func (s *Server) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	_, span := otel.Tracer("cfdp").Start(ctx, "Deliver",
		trace.WithAttributes(attribute.Int("bytes", len(in.GetValue()))))
	defer span.End()

	s.receiver.OnPdu(in.GetValue())
	return &emptypb.Empty{}, nil
}

// Run starts non-blocking GRPC server. Addr is updated with the bound
// address, so ":0" can be used to pick a free port.
func (s *Server) Run(opts ...grpc.UnaryServerInterceptor) error {
	s.GRPCServer = grpc.NewServer(grpc.ChainUnaryInterceptor(opts...))
	proto.RegisterLinkServer(s.GRPCServer, s)

	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.Addr)
	}
	s.Addr = l.Addr().String()
	log.Infof("listening on tcp://%s", s.Addr)

	go func() {
		if err := s.GRPCServer.Serve(l); err != nil {
			log.Warnf("grpc server stopped: %v", err)
		}
	}()
	return nil
}

// Stop stops server
func (s *Server) Stop() {
	if s.GRPCServer == nil {
		return
	}
	log.Info("stopping server")
	s.GRPCServer.GracefulStop()
	log.Info("server stopped")
}
