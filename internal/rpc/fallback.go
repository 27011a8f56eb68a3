package rpc

import (
	"context"
	"fmt"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
)

// RegisterGRPC is a no-op fallback when protobuf stubs are not generated
// for this service (no .proto file has been compiled for the facade).
func RegisterGRPC(s *grpc.Server, impl *Server) {}

// RegisterGateway always fails, which is exactly what triggers
// StartAPIServers' native net/http fallback (gateway.go).
func RegisterGateway(ctx context.Context, mux *runtime.ServeMux, endpoint string, opts []grpc.DialOption) error {
	return fmt.Errorf("rpc: gateway not available: protobuf stubs not generated")
}
