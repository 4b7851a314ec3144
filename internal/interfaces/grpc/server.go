// Package grpc exposes the worker's gRPC listener. It serves the standard
// health protocol with one status per background component plus an
// aggregate under the empty service name.
package grpc

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/turtacn/casewatch/internal/config"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/casewatch/pkg/errors"
)

const defaultGracefulTimeout = 10 * time.Second

var keepaliveParams = keepalive.ServerParameters{
	MaxConnectionIdle: 15 * time.Minute,
	Time:              5 * time.Minute,
	Timeout:           time.Second,
}

var keepalivePolicy = keepalive.EnforcementPolicy{
	MinTime:             5 * time.Second,
	PermitWithoutStream: true,
}

type Option func(*Server)

func WithLogger(l logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithMetrics(m *prometheus.AppMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithComponents declares the components whose status feeds the aggregate.
// They start out SERVING.
func WithComponents(names ...string) Option {
	return func(s *Server) {
		for _, n := range names {
			s.components[n] = true
		}
	}
}

func WithGracefulTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.gracefulTimeout = d
		}
	}
}

// Server is the worker's health endpoint.
type Server struct {
	grpcServer      *grpc.Server
	listener        net.Listener
	health          *health.Server
	logger          logging.Logger
	metrics         *prometheus.AppMetrics
	gracefulTimeout time.Duration

	mu         sync.Mutex
	started    bool
	components map[string]bool
}

// NewServer binds cfg.Host:cfg.Port. Reflection is registered only when
// cfg.Debug is set.
func NewServer(cfg *config.GRPCConfig, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrCodeBadRequest, "grpc config must not be nil")
	}
	s := &Server{
		logger:          logging.NewNopLogger(),
		gracefulTimeout: defaultGracefulTimeout,
		components:      make(map[string]bool),
		health:          health.NewServer(),
	}
	for _, o := range opts {
		o(s)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to listen").WithDetail(addr)
	}
	s.listener = lis

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepaliveParams),
		grpc.KeepaliveEnforcementPolicy(keepalivePolicy),
		grpc.ChainUnaryInterceptor(
			recoveryUnaryInterceptor(s.logger),
			loggingUnaryInterceptor(s.logger),
			metricsUnaryInterceptor(s.metrics),
		),
		grpc.ChainStreamInterceptor(
			recoveryStreamInterceptor(s.logger),
			metricsStreamInterceptor(s.metrics),
		),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	for name := range s.components {
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if cfg.Debug {
		reflection.Register(s.grpcServer)
		s.logger.Info("grpc reflection registered")
	}
	return s, nil
}

// SetServing records the status of component, e.g. "casewatch.sweep". The
// aggregate is NOT_SERVING while any component is.
func (s *Server) SetServing(component string, serving bool) {
	s.mu.Lock()
	prev, known := s.components[component]
	s.components[component] = serving
	overall := true
	for _, ok := range s.components {
		overall = overall && ok
	}
	s.mu.Unlock()

	s.health.SetServingStatus(component, servingStatus(serving))
	s.health.SetServingStatus("", servingStatus(overall))
	if known && prev != serving {
		s.logger.Info("Component health changed",
			logging.String("component", component),
			logging.Bool("serving", serving))
	}
}

// Unhealthy lists the components currently not serving, sorted.
func (s *Server) Unhealthy() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name, ok := range s.components {
		if !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New(errors.ErrCodeConflict, "grpc server already started")
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("grpc server starting", logging.String("address", s.Addr()))
	if err := s.grpcServer.Serve(s.listener); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Stop marks everything NOT_SERVING, then drains connections and forces a
// stop once the graceful timeout passes.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		_ = s.listener.Close()
		return nil
	}

	s.health.Shutdown()

	ctx, cancel := context.WithTimeout(ctx, s.gracefulTimeout)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("grpc server stopped")
	case <-ctx.Done():
		s.logger.Warn("grpc graceful stop timed out, forcing stop")
		s.grpcServer.Stop()
	}
	return nil
}

// Addr is the bound address, useful when port 0 was requested.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func recoveryUnaryInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("grpc panic recovered",
					logging.String("method", info.FullMethod),
					logging.Any("panic", r),
					logging.String("stack", string(debug.Stack())))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func recoveryStreamInterceptor(logger logging.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("grpc stream panic recovered",
					logging.String("method", info.FullMethod),
					logging.Any("panic", r))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(srv, ss)
	}
}

func isHealthCheck(method string) bool {
	return strings.HasPrefix(method, "/grpc.health.v1.Health/")
}

func loggingUnaryInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if isHealthCheck(info.FullMethod) {
			return handler(ctx, req)
		}
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc request",
			logging.String("method", info.FullMethod),
			logging.Duration("duration", time.Since(start)),
			logging.String("code", status.Code(err).String()))
		return resp, err
	}
}

func metricsUnaryInterceptor(m *prometheus.AppMetrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), time.Since(start))
		return resp, err
	}
}

func metricsStreamInterceptor(m *prometheus.AppMetrics) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		m.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), time.Since(start))
		return err
	}
}
