package grpc

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/shippingagent/commbus"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/auth"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/observability"
)

// Logger is the logging interface used by the gRPC layer.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

func orNop(l Logger) Logger {
	if l == nil {
		return commbus.NopLogger()
	}
	return l
}

// =============================================================================
// LOGGING INTERCEPTOR
// =============================================================================

// LoggingInterceptor creates a unary server interceptor that logs requests.
// It logs the start, duration, and result of each RPC call.
func LoggingInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	logger = orNop(logger)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		logger.Debug("grpc_request_started", "method", info.FullMethod)

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		if err != nil {
			st, _ := status.FromError(err)
			logger.Error("grpc_request_failed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds(),
				"code", st.Code().String(),
				"error", err.Error(),
			)
		} else {
			logger.Debug("grpc_request_completed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds(),
			)
		}
		return resp, err
	}
}

// StreamLoggingInterceptor creates a stream server interceptor that logs requests.
func StreamLoggingInterceptor(logger Logger) grpc.StreamServerInterceptor {
	logger = orNop(logger)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		logger.Debug("grpc_stream_started",
			"method", info.FullMethod,
			"client_stream", info.IsClientStream,
			"server_stream", info.IsServerStream,
		)

		err := handler(srv, ss)

		duration := time.Since(start)
		if err != nil {
			st, _ := status.FromError(err)
			logger.Error("grpc_stream_failed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds(),
				"code", st.Code().String(),
				"error", err.Error(),
			)
		} else {
			logger.Debug("grpc_stream_completed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds(),
			)
		}
		return err
	}
}

// =============================================================================
// RECOVERY INTERCEPTOR
// =============================================================================

// RecoveryHandler is called when a panic is recovered.
// It receives the panic value and should return an appropriate error.
type RecoveryHandler func(p any) error

// DefaultRecoveryHandler returns an Internal error with panic details.
func DefaultRecoveryHandler(p any) error {
	return status.Errorf(codes.Internal, "panic recovered: %v", p)
}

// RecoveryInterceptor creates a unary server interceptor that recovers from panics.
// If a panic occurs, it logs the stack trace and returns an Internal error.
func RecoveryInterceptor(logger Logger, handler RecoveryHandler) grpc.UnaryServerInterceptor {
	logger = orNop(logger)
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("grpc_panic_recovered",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				)
				err = handler(p)
			}
		}()
		return next(ctx, req)
	}
}

// StreamRecoveryInterceptor creates a stream server interceptor that recovers from panics.
func StreamRecoveryInterceptor(logger Logger, handler RecoveryHandler) grpc.StreamServerInterceptor {
	logger = orNop(logger)
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) (err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("grpc_stream_panic_recovered",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				)
				err = handler(p)
			}
		}()
		return next(srv, ss)
	}
}

// =============================================================================
// METRICS INTERCEPTOR
// =============================================================================

// MetricsInterceptor records the status code and latency of unary calls.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return resp, err
	}
}

// StreamMetricsInterceptor records the status code and latency of streams.
func StreamMetricsInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return err
	}
}

// =============================================================================
// AUTH INTERCEPTOR
// =============================================================================

// Caller is the authenticated identity and client surface of a call.
type Caller struct {
	Identity auth.Identity
	Surface  string
}

type callerKey struct{}

// WithCaller attaches c to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the caller attached by the auth interceptors, or
// the anonymous caller when none was attached.
func CallerFromContext(ctx context.Context) Caller {
	if c, ok := ctx.Value(callerKey{}).(Caller); ok {
		return c
	}
	return Caller{Identity: *auth.Anonymous(time.Now()), Surface: auth.SurfaceUnknown}
}

// authenticate resolves the caller from incoming metadata. A nil validator
// admits everyone as the anonymous identity.
func authenticate(ctx context.Context, v auth.Validator) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	header := http.Header{}
	for _, key := range []string{"authorization", "user-agent", "referer", "x-adobe-surface"} {
		if values := md.Get(key); len(values) > 0 {
			header.Set(key, values[0])
		}
	}

	identity := auth.Anonymous(time.Now())
	if v != nil {
		id, err := v.Validate(ctx, auth.ExtractBearerToken(header.Get("Authorization")))
		if err != nil {
			return ctx, Unauthenticated(err.Error())
		}
		identity = id
	}
	return WithCaller(ctx, Caller{Identity: *identity, Surface: auth.DetectSurface(header)}), nil
}

// AuthInterceptor validates the bearer token of unary calls.
func AuthInterceptor(v auth.Validator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authenticate(ctx, v)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor validates the bearer token of streams.
func StreamAuthInterceptor(v auth.Validator) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticate(ss.Context(), v)
		if err != nil {
			return err
		}
		return handler(srv, &callerStream{ServerStream: ss, ctx: ctx})
	}
}

// callerStream overrides the stream context with the authenticated one.
type callerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *callerStream) Context() context.Context {
	return s.ctx
}

// =============================================================================
// CHAIN INTERCEPTORS
// =============================================================================

// ChainUnaryInterceptors chains multiple unary interceptors together.
// Interceptors are executed in order: first interceptor wraps second, etc.
func ChainUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		chain := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			next := chain
			chain = func(ctx context.Context, req any) (any, error) {
				return interceptor(ctx, req, info, next)
			}
		}
		return chain(ctx, req)
	}
}

// ChainStreamInterceptors chains multiple stream interceptors together.
func ChainStreamInterceptors(interceptors ...grpc.StreamServerInterceptor) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		chain := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			next := chain
			chain = func(srv any, ss grpc.ServerStream) error {
				return interceptor(srv, ss, info, next)
			}
		}
		return chain(srv, ss)
	}
}

// =============================================================================
// SERVER OPTIONS BUILDER
// =============================================================================

// ServerOptions creates gRPC server options with the standard interceptors:
// recovery, metrics, logging and authentication (outermost first), plus the
// OpenTelemetry stats handler. A nil validator disables authentication.
func ServerOptions(logger Logger, v auth.Validator) []grpc.ServerOption {
	unaryInterceptor := ChainUnaryInterceptors(
		RecoveryInterceptor(logger, nil),
		MetricsInterceptor(),
		LoggingInterceptor(logger),
		AuthInterceptor(v),
	)

	streamInterceptor := ChainStreamInterceptors(
		StreamRecoveryInterceptor(logger, nil),
		StreamMetricsInterceptor(),
		StreamLoggingInterceptor(logger),
		StreamAuthInterceptor(v),
	)

	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(unaryInterceptor),
		grpc.StreamInterceptor(streamInterceptor),
	}
}
