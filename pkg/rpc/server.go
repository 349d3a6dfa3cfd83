package rpc

import (
	"context"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"socialbox/pkg/metrics"
	"socialbox/pkg/types"
)

// ServiceName is the gRPC service every method is served under.
const ServiceName = "socialbox.v1.Socialbox"

// Handler serves one method. The returned value becomes the "result" field
// of the response body.
type Handler func(ctx context.Context, params Params) (any, error)

// FullMethod returns the gRPC path of a method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// MethodName strips the service prefix from a gRPC path.
func MethodName(fullMethod string) string {
	return strings.TrimPrefix(fullMethod, "/"+ServiceName+"/")
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Creds           credentials.TransportCredentials
	Interceptors    []grpc.UnaryServerInterceptor
	DisplayInternal bool
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
}

// Server exposes a set of handlers as one gRPC service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	opts   ServerOptions
	logger *zap.Logger
}

// NewServer registers handlers on a new gRPC server. Interceptors run after
// the request has been counted and logged.
func NewServer(handlers map[string]Handler, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{opts: opts, logger: logger, health: health.NewServer()}

	chain := append([]grpc.UnaryServerInterceptor{s.observe}, opts.Interceptors...)
	grpcOpts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(chain...)}
	if opts.Creds != nil {
		grpcOpts = append(grpcOpts, grpc.Creds(opts.Creds))
	}
	s.grpc = grpc.NewServer(grpcOpts...)

	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Metadata:    "socialbox.proto",
	}
	for name, h := range handlers {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    s.unary(name, h),
		})
	}
	s.grpc.RegisterService(&desc, s)

	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

func (s *Server) unary(name string, h Handler) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, ToStatus(types.Errorf(types.KindBadRequest, "malformed request body: %v", err), s.opts.DisplayInternal)
		}

		call := func(ctx context.Context, req any) (any, error) {
			body, _ := req.(*structpb.Struct)
			result, err := h(ctx, NewParams(body))
			if err != nil {
				return nil, ToStatus(err, s.opts.DisplayInternal)
			}
			out, err := EncodeResult(result)
			if err != nil {
				return nil, ToStatus(types.Errorf(types.KindInternal, "%s: %w", name, err), s.opts.DisplayInternal)
			}
			return out, nil
		}

		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
		return interceptor(ctx, in, info, call)
	}
}

// observe counts, times and logs every call.
func (s *Server) observe(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	method := MethodName(info.FullMethod)
	code := status.Code(err)

	if s.opts.Metrics != nil {
		s.opts.Metrics.Requests.WithLabelValues(method, code.String()).Inc()
		s.opts.Metrics.RequestLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		s.logger.Debug("Request failed",
			zap.String("method", method),
			zap.String("code", code.String()),
			zap.Error(err))
	}
	return resp, err
}

// Serve accepts connections on lis until Stop or GracefulStop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("RPC server listening", zap.String("address", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// GracefulStop stops accepting calls and waits for running ones.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}
