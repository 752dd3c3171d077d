package leaseapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Server runs an http.Handler until its context is cancelled.
type Server struct {
	addr    string
	handler http.Handler
	// onListening is called once the listener is bound, with its address.
	onListening func(net.Addr)
}

type ServerOption func(*Server)

func WithOnListening(fn func(net.Addr)) ServerOption {
	return func(s *Server) {
		s.onListening = fn
	}
}

func NewServer(addr string, handler http.Handler, opts ...ServerOption) *Server {
	s := &Server{addr: addr, handler: handler}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	l := ctxzap.Extract(ctx)

	lc := &net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("leaseapi: failed to listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	if s.onListening != nil {
		s.onListening(listener.Addr())
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info("lease api listening", zap.String("address", listener.Addr().String()))
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("leaseapi: serve: %w", err)
	case <-ctx.Done():
	}

	l.Info("stopping lease api")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("leaseapi: shutdown: %w", err)
	}
	return nil
}
