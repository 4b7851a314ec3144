package http

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/turtacn/casewatch/internal/config"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/pkg/errors"
)

// Server runs the API over net/http.
type Server struct {
	srv             *http.Server
	logger          logging.Logger
	shutdownTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
}

func NewServer(cfg config.HTTPConfig, handler http.Handler, log logging.Logger) *Server {
	if log == nil {
		log = logging.NewNopLogger()
	}
	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 15 * time.Second
	}
	if cfg.MaxBodySize > 0 {
		handler = http.MaxBytesHandler(handler, cfg.MaxBodySize)
	}
	return &Server{
		srv: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
		logger:          log,
		shutdownTimeout: shutdown,
	}
}

// Start listens and serves until Stop. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New(errors.ErrCodeConflict, "http server already started")
	}
	lis, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to listen").WithDetail(s.srv.Addr)
	}
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", logging.String("addr", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests for at most the shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "http server shutdown failed")
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// Addr returns the bound address once Start is listening, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.srv.Addr
}

func (s *Server) Handler() http.Handler { return s.srv.Handler }
