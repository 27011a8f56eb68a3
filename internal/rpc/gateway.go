package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// StartAPIServers starts a real gRPC server on grpcAddr (its service
// registration is a no-op until .proto stubs exist, see fallback.go) and a
// REST+SSE server on restAddr. The gateway registration against the gRPC
// server always errors for the same reason, so the REST mux falls back to
// Server.RegisterHTTP's native handlers — this is the teacher's own
// daemon/api/server/{gateway,fallback}.go pattern, not a protobuf build
// this module actually performs.
func StartAPIServers(ctx context.Context, grpcAddr, restAddr string, impl *Server) (grpcStop func(), restStop func(), err error) {
	grpcServer := grpc.NewServer()
	RegisterGRPC(grpcServer, impl)
	l, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return nil, nil, err
	}
	go func() { _ = grpcServer.Serve(l) }()
	grpcStop = func() { grpcServer.GracefulStop(); _ = l.Close() }

	gwMux := http.NewServeMux()
	gw := runtime.NewServeMux(runtime.WithErrorHandler(JSONErrorHandler))
	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if err := RegisterGateway(ctx, gw, grpcAddr, dialOpts); err == nil {
		gwMux.Handle("/", gw)
	} else {
		impl.RegisterHTTP(gwMux)
	}

	root := http.NewServeMux()
	root.Handle("/api/v1/events", SSEHandler(impl.eng))
	root.Handle("/", gwMux)

	authToken := os.Getenv("MESHCORE_AUTH_TOKEN")
	var handler http.Handler = root
	if authToken != "" {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Auth-Token") != authToken {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			root.ServeHTTP(w, r)
		})
	}

	server := &http.Server{Addr: restAddr, Handler: handler}
	go func() { _ = server.ListenAndServe() }()
	restStop = func() { _ = server.Close() }
	return grpcStop, restStop, nil
}

// JSONErrorHandler converts gateway errors into the same JSONError shape
// the native handlers return, so clients see one error contract either way.
func JSONErrorHandler(ctx context.Context, mux *runtime.ServeMux, marshaler runtime.Marshaler, w http.ResponseWriter, r *http.Request, err error) {
	st, ok := status.FromError(err)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"INTERNAL","message":"internal error"}`))
		return
	}
	httpStatus := runtime.HTTPStatusFromCode(st.Code())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	b, _ := json.Marshal(JSONError{Code: codeToString(st.Code()), Message: st.Message()})
	_, _ = w.Write(b)
}

func codeToString(c codes.Code) string {
	switch c {
	case codes.InvalidArgument:
		return "INVALID_ARGUMENT"
	case codes.NotFound:
		return "NOT_FOUND"
	case codes.FailedPrecondition:
		return "FAILED_PRECONDITION"
	case codes.AlreadyExists:
		return "ALREADY_EXISTS"
	case codes.PermissionDenied:
		return "PERMISSION_DENIED"
	case codes.Unauthenticated:
		return "UNAUTHENTICATED"
	case codes.Unimplemented:
		return "UNIMPLEMENTED"
	case codes.Unavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
