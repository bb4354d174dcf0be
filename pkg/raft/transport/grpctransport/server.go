package grpctransport

import (
	"net"

	"github.com/AdamLeyshon/lol/pkg/lolog"
	"github.com/AdamLeyshon/lol/pkg/raft/transport"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// Server owns a *grpc.Server registered with both the internal Raft RPCs
// and the client-facing RPCs, grounded in the teacher's api.Server
// Start/Stop lifecycle (cuemby-warren's pkg/api/server.go), generalized
// here to take any grpc.ServerOption the caller wants (TLS credentials,
// interceptors) rather than hard-coding mTLS the way the teacher does for
// its own cluster-join flow.
type Server struct {
	grpc *grpc.Server
	log  zerolog.Logger
}

// NewServer builds a Server and registers h against it; opts are forwarded
// to grpc.NewServer verbatim (e.g. grpc.Creds, grpc.ChainUnaryInterceptor).
func NewServer(h transport.Handler, opts ...grpc.ServerOption) *Server {
	s := &Server{
		grpc: grpc.NewServer(opts...),
		log:  lolog.WithComponent("grpctransport"),
	}
	Register(s.grpc, h)
	return s
}

// Serve listens on addr and blocks serving RPCs until Stop is called or the
// listener fails.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", addr).Msg("grpc transport listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight RPCs before returning.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Register binds h as the implementation of both the internal Raft RPCs
// and the client-facing RPCs on s. A single process.Process satisfies
// transport.Handler and so can be registered directly.
func Register(s *grpc.Server, h transport.Handler) {
	s.RegisterService(&raftServiceDesc, h)
	s.RegisterService(&clientServiceDesc, h)
}
